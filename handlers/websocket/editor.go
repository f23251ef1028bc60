// Package websocket drives an editor session over Socket.IO: pointer events
// go to the caller's stage, and previews and toasts come back.
package websocket

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/engine.io/v2/utils"
	socketio "github.com/zishang520/socket.io/v2/socket"

	"github.com/soham-khedkar/humourhub/compositor"
	"github.com/soham-khedkar/humourhub/core"
	"github.com/soham-khedkar/humourhub/editor"
	"github.com/soham-khedkar/humourhub/middleware"
)

const maxHTTPBufferSize = 5000000

var errNotAuthenticated = errors.New("socket is not authenticated")

// UserRoom is the room every socket of subject joins after authenticating.
func UserRoom(subject string) string {
	return "user:" + subject
}

type (
	// client is the per-socket state. The stage is rebuilt on every
	// pointer-down and click so hit testing sees the current layers.
	client struct {
		mu       sync.Mutex
		identity core.Identity
		stage    *editor.Stage
	}

	// Hub connects sockets to editor controllers.
	Hub struct {
		registry *editor.Registry
		parser   middleware.TokenParser

		mu      sync.Mutex
		clients map[socketio.SocketId]*client
	}
)

func NewHub(registry *editor.Registry, parser middleware.TokenParser) *Hub {
	return &Hub{
		registry: registry,
		parser:   parser,
		clients:  make(map[socketio.SocketId]*client),
	}
}

// Toaster delivers controller notifications to every socket of the owner.
type Toaster struct {
	Emit func(room, event string, payload any)
}

func (t Toaster) Notify(n editor.Notification) {
	if t.Emit == nil || n.Owner == "" {
		return
	}
	t.Emit(UserRoom(n.Owner), "toast", n)
}

// SetupSocketIO builds the Socket.IO server for the editor channel. origin
// is passed to the CORS options as is.
func SetupSocketIO(hub *Hub, origin any) *socketio.Server {
	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(maxHTTPBufferSize)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	opts.SetCors(&types.Cors{
		Origin:      origin,
		Credentials: true,
	})
	srv := socketio.NewServer(nil, opts)

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}
		me := socket.Id()
		c := hub.connect(me)
		utils.Log().Printf("editor socket %v connected\n", me)

		socket.On("auth", func(datas ...any) {
			ack, args := extractAck(datas)
			token, _ := first(args).(string)
			if err := hub.authenticate(c, token); err != nil {
				respond(socket, ack, "auth-ack", nil, err)
				return
			}
			socket.Join(socketio.Room(UserRoom(c.subject())))
			respond(socket, ack, "auth-ack", map[string]any{"subject": c.subject()}, nil)
			hub.sendPreview(socket, c)
		})

		socket.On("pointer-down", func(datas ...any) {
			ack, args := extractAck(datas)
			p, err := pointFrom(first(args))
			if err == nil {
				var hit bool
				hit, err = hub.pointerDown(c, p)
				if err == nil {
					respond(socket, ack, "", map[string]any{"hit": hit}, nil)
					return
				}
			}
			respond(socket, ack, "editor-error", nil, err)
		})

		socket.On("pointer-move", func(datas ...any) {
			_, args := extractAck(datas)
			p, err := pointFrom(first(args))
			if err != nil {
				return
			}
			if drag, ok := hub.pointerMove(c, p); ok {
				_ = socket.Volatile().Emit("drag", drag)
			}
		})

		socket.On("pointer-up", func(datas ...any) {
			ack, args := extractAck(datas)
			p, err := pointFrom(first(args))
			if err != nil {
				respond(socket, ack, "editor-error", nil, err)
				return
			}
			if hub.pointerUp(c, p) {
				hub.sendPreview(socket, c)
			}
			respond(socket, ack, "", map[string]any{}, nil)
		})

		socket.On("click", func(datas ...any) {
			ack, args := extractAck(datas)
			p, err := pointFrom(first(args))
			if err == nil {
				err = hub.click(c, p)
			}
			if err != nil {
				respond(socket, ack, "editor-error", nil, err)
				return
			}
			hub.sendPreview(socket, c)
			respond(socket, ack, "", map[string]any{}, nil)
		})

		socket.On("update-layer", func(datas ...any) {
			ack, args := extractAck(datas)
			id, patch, err := patchFrom(first(args))
			if err == nil {
				err = hub.updateLayer(c, id, patch)
			}
			if err != nil {
				respond(socket, ack, "editor-error", nil, err)
				return
			}
			hub.sendPreview(socket, c)
			respond(socket, ack, "", map[string]any{}, nil)
		})

		socket.On("preview", func(datas ...any) {
			hub.sendPreview(socket, c)
		})

		socket.On("disconnect", func(datas ...any) {
			hub.disconnect(me)
			socket.RemoveAllListeners("")
		})
	})

	return srv
}

func (h *Hub) connect(id socketio.SocketId) *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := &client{}
	h.clients[id] = c
	return c
}

func (h *Hub) disconnect(id socketio.SocketId) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, id)
}

// Connected returns the number of open editor sockets.
func (h *Hub) Connected() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (c *client) subject() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity.Subject
}

func (h *Hub) authenticate(c *client, token string) error {
	if token == "" {
		return fmt.Errorf("token is required")
	}
	claims, err := h.parser.ParseToken(token)
	if err != nil {
		return fmt.Errorf("invalid token")
	}

	c.mu.Lock()
	c.identity = claims.Identity()
	c.stage = nil
	c.mu.Unlock()

	logrus.WithField("user_id", claims.Subject).Info("Editor socket authenticated")
	return nil
}

func (h *Hub) controller(c *client) (*editor.Controller, error) {
	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()
	if identity.Anonymous() {
		return nil, errNotAuthenticated
	}
	return h.registry.Controller(identity)
}

func (h *Hub) freshStage(c *client) (*editor.Stage, error) {
	ctrl, err := h.controller(c)
	if err != nil {
		return nil, err
	}
	stage, err := ctrl.NewStage()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.stage = stage
	c.mu.Unlock()
	return stage, nil
}

func (c *client) currentStage() *editor.Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage
}

func (h *Hub) pointerDown(c *client, p core.Point) (bool, error) {
	stage, err := h.freshStage(c)
	if err != nil {
		return false, err
	}
	return stage.PointerDown(p), nil
}

// pointerMove reports where the dragged layer would land. Nothing is
// committed until pointer-up.
func (h *Hub) pointerMove(c *client, p core.Point) (map[string]any, bool) {
	stage := c.currentStage()
	if stage == nil {
		return nil, false
	}
	id, pos, ok := stage.PointerMove(p)
	if !ok {
		return nil, false
	}
	return map[string]any{"layer_id": id, "x": pos.X, "y": pos.Y}, true
}

func (h *Hub) pointerUp(c *client, p core.Point) bool {
	stage := c.currentStage()
	if stage == nil {
		return false
	}
	return stage.PointerUp(p)
}

func (h *Hub) click(c *client, p core.Point) error {
	stage, err := h.freshStage(c)
	if err != nil {
		return err
	}
	stage.Click(p)
	return nil
}

func (h *Hub) updateLayer(c *client, id string, patch editor.LayerPatch) error {
	ctrl, err := h.controller(c)
	if err != nil {
		return err
	}
	return ctrl.UpdateLayer(id, patch)
}

// frame encodes the current preview. Clients drop frames whose revision is
// lower than one they already have.
func (h *Hub) frame(c *client) (map[string]any, error) {
	ctrl, err := h.controller(c)
	if err != nil {
		return nil, err
	}
	f, err := ctrl.Preview(compositor.DefaultQuality)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"session_id": f.SessionID,
		"revision":   f.Revision,
		"jpeg":       f.JPEG,
	}, nil
}

func (h *Hub) sendPreview(socket *socketio.Socket, c *client) {
	payload, err := h.frame(c)
	if err != nil {
		if !errors.Is(err, editor.ErrNoSession) {
			logrus.WithError(err).WithField("user_id", c.subject()).Warn("Failed to build preview")
		}
		return
	}
	_ = socket.Emit("preview", payload)
}
