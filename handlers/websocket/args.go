package websocket

import (
	"encoding/json"
	"fmt"
	"reflect"

	socketio "github.com/zishang520/socket.io/v2/socket"

	"github.com/soham-khedkar/humourhub/core"
	"github.com/soham-khedkar/humourhub/editor"
)

type ackInvoker func(err error, payload map[string]any)

func first(args []any) any {
	if len(args) == 0 {
		return nil
	}
	return args[0]
}

// extractAck splits a trailing acknowledgement callback off the event args.
func extractAck(datas []any) (ackInvoker, []any) {
	if len(datas) == 0 {
		return nil, datas
	}
	value := reflect.ValueOf(datas[len(datas)-1])
	if !value.IsValid() || value.Kind() != reflect.Func {
		return nil, datas
	}

	typ := value.Type()
	ack := func(err error, payload map[string]any) {
		body := map[string]any{"status": "ok"}
		for k, v := range payload {
			body[k] = v
		}
		if err != nil {
			body = map[string]any{"status": "error", "error": err.Error()}
		}
		value.Call(ackArgs(typ, body))
	}
	return ack, datas[:len(datas)-1]
}

// ackArgs fits body to whatever signature the client library gave the
// callback: func(...any), func([]any, error) or func(map[string]any).
func ackArgs(typ reflect.Type, body map[string]any) []reflect.Value {
	if typ.IsVariadic() && typ.NumIn() == 1 {
		return []reflect.Value{reflect.ValueOf(body)}
	}
	args := make([]reflect.Value, typ.NumIn())
	for i := range args {
		in := typ.In(i)
		switch {
		case i == 0 && in.Kind() == reflect.Slice:
			args[i] = reflect.ValueOf([]any{body})
		case i == 0 && reflect.TypeOf(body).AssignableTo(in):
			args[i] = reflect.ValueOf(body)
		default:
			args[i] = reflect.Zero(in)
		}
	}
	return args
}

func respond(socket *socketio.Socket, ack ackInvoker, event string, payload map[string]any, err error) {
	if ack != nil {
		ack(err, payload)
		return
	}
	if event == "" {
		return
	}
	if err != nil {
		payload = map[string]any{"status": "error", "error": err.Error()}
	}
	_ = socket.Emit(event, payload)
}

// pointFrom reads {"x": .., "y": ..} from a decoded event payload.
func pointFrom(arg any) (core.Point, error) {
	var p core.Point
	if err := remarshal(arg, &p); err != nil {
		return core.Point{}, fmt.Errorf("invalid pointer event: %w", err)
	}
	return p, nil
}

// patchFrom reads {"id": .., "patch": {..}} from a decoded event payload.
func patchFrom(arg any) (string, editor.LayerPatch, error) {
	var req struct {
		ID    string            `json:"id"`
		Patch editor.LayerPatch `json:"patch"`
	}
	if err := remarshal(arg, &req); err != nil {
		return "", editor.LayerPatch{}, fmt.Errorf("invalid layer update: %w", err)
	}
	if req.ID == "" {
		return "", editor.LayerPatch{}, fmt.Errorf("invalid layer update: id is required")
	}
	return req.ID, req.Patch, nil
}

func remarshal(arg any, v any) error {
	if arg == nil {
		return fmt.Errorf("missing payload")
	}
	data, err := json.Marshal(arg)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
