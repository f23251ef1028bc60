package editor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"github.com/soham-khedkar/humourhub/compositor"
	"github.com/soham-khedkar/humourhub/core"
	"github.com/soham-khedkar/humourhub/gateway"
)

var alice = core.Identity{Subject: "github:1", Login: "alice"}

// Mock uploader for testing
type mockUploader struct {
	mu      sync.Mutex
	calls   []gateway.UploadRequest
	err     error
	started chan struct{}
	release chan struct{}
}

func (m *mockUploader) Upload(ctx context.Context, req gateway.UploadRequest) (*core.Meme, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.started != nil {
		m.started <- struct{}{}
	}
	if m.release != nil {
		<-m.release
	}
	if m.err != nil {
		return nil, m.err
	}
	return &core.Meme{ID: "saved", Title: req.Title, Public: req.Public}, nil
}

func (m *mockUploader) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type recordingNotifier struct {
	mu   sync.Mutex
	list []Notification
}

func (r *recordingNotifier) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, n)
}

func (r *recordingNotifier) last() Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) == 0 {
		return Notification{}
	}
	return r.list[len(r.list)-1]
}

type fixture struct {
	ctrl     *Controller
	uploader *mockUploader
	notes    *recordingNotifier
	sources  map[string]*compositor.Source
}

func background(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{90, 120, 150, 255}), image.Point{}, draw.Src)
	return img
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fonts, err := compositor.NewFontBook("")
	if err != nil {
		t.Fatalf("NewFontBook() failed: %v", err)
	}

	f := &fixture{
		uploader: &mockUploader{},
		notes:    &recordingNotifier{},
		sources: map[string]*compositor.Source{
			"https://memes.test/cat.png": {URL: "https://memes.test/cat.png", Image: background(300, 200)},
			"https://memes.test/dog.png": {URL: "https://memes.test/dog.png", Image: background(400, 100)},
		},
	}
	fetcher := compositor.FetcherFunc(func(ctx context.Context, rawURL string) (*compositor.Source, error) {
		src, ok := f.sources[rawURL]
		if !ok {
			return nil, fmt.Errorf("image URL returned status 404")
		}
		return src, nil
	})

	f.ctrl = NewController(alice, compositor.NewSurface(fetcher, fonts), f.uploader, f.notes)
	f.ctrl.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return f
}

func (f *fixture) load(t *testing.T) {
	t.Helper()
	meme := &core.Meme{ID: "m1", Title: "cat", URL: "https://memes.test/cat.png", Tags: []string{"cats", "funny"}}
	if err := f.ctrl.SelectSource(context.Background(), meme); err != nil {
		t.Fatalf("SelectSource() failed: %v", err)
	}
}

func ptr[T any](v T) *T {
	return &v
}

func TestSelectSource_StartsSession(t *testing.T) {
	f := newFixture(t)
	f.load(t)

	v := f.ctrl.Snapshot()
	if v.State != Loaded {
		t.Errorf("State = %v, want loaded", v.State)
	}
	if v.SessionID == "" || v.Source == nil || v.Source.ID != "m1" {
		t.Errorf("unexpected session view: %+v", v)
	}
	if v.Width != 300 || v.Height != 200 {
		t.Errorf("canvas size = %dx%d, want 300x200", v.Width, v.Height)
	}
	if len(v.Layers) != 0 || v.SelectedID != "" || !v.Public {
		t.Errorf("new session not reset: %+v", v)
	}
}

func TestSelectSource_ReplacesSession(t *testing.T) {
	f := newFixture(t)
	f.load(t)
	first := f.ctrl.Snapshot().SessionID
	if _, err := f.ctrl.AddLayer(); err != nil {
		t.Fatalf("AddLayer() failed: %v", err)
	}

	err := f.ctrl.SelectSource(context.Background(), &core.Meme{ID: "m2", Title: "dog", URL: "https://memes.test/dog.png"})
	if err != nil {
		t.Fatalf("SelectSource() failed: %v", err)
	}

	v := f.ctrl.Snapshot()
	if v.SessionID == first {
		t.Error("session id reused after choosing another source")
	}
	if len(v.Layers) != 0 || v.SelectedID != "" {
		t.Errorf("layers not reset: %+v", v.Layers)
	}
	if v.Width != 400 || v.Height != 100 {
		t.Errorf("canvas size = %dx%d, want 400x100", v.Width, v.Height)
	}
}

func TestSelectSource_FailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	f.load(t)
	if _, err := f.ctrl.AddLayer(); err != nil {
		t.Fatalf("AddLayer() failed: %v", err)
	}
	before := f.ctrl.Snapshot()
	frameBefore, err := f.ctrl.Preview(compositor.DefaultQuality)
	if err != nil {
		t.Fatalf("Preview() failed: %v", err)
	}

	err = f.ctrl.SelectSource(context.Background(), &core.Meme{ID: "gone", URL: "https://memes.test/gone.png"})
	var loadErr *compositor.ImageLoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("SelectSource() error = %v, want *ImageLoadError", err)
	}

	after := f.ctrl.Snapshot()
	if after.SessionID != before.SessionID || after.Revision != before.Revision || after.State != before.State {
		t.Errorf("session changed after failed load: before %+v, after %+v", before, after)
	}
	if len(after.Layers) != 1 || after.Width != 300 {
		t.Errorf("layers or canvas changed after failed load: %+v", after)
	}
	frameAfter, err := f.ctrl.Preview(compositor.DefaultQuality)
	if err != nil {
		t.Fatalf("Preview() failed: %v", err)
	}
	if !bytes.Equal(frameBefore.JPEG, frameAfter.JPEG) {
		t.Error("canvas content changed after failed load")
	}
	if n := f.notes.last(); n.Level != LevelError {
		t.Errorf("last notification = %+v, want an error", n)
	}
}

func TestAddLayer_DefaultsAndUniqueIDs(t *testing.T) {
	f := newFixture(t)
	f.load(t)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		layer, err := f.ctrl.AddLayer()
		if err != nil {
			t.Fatalf("AddLayer() failed: %v", err)
		}
		if seen[layer.ID] {
			t.Fatalf("duplicate layer id %q", layer.ID)
		}
		seen[layer.ID] = true

		if f.ctrl.Snapshot().SelectedID != layer.ID {
			t.Errorf("new layer %q is not selected", layer.ID)
		}
	}

	// Deleting must not free ids for reuse.
	v := f.ctrl.Snapshot()
	for _, l := range v.Layers[:10] {
		if err := f.ctrl.DeleteLayer(l.ID); err != nil {
			t.Fatalf("DeleteLayer() failed: %v", err)
		}
	}
	for i := 0; i < 10; i++ {
		layer, _ := f.ctrl.AddLayer()
		if seen[layer.ID] {
			t.Fatalf("layer id %q reused", layer.ID)
		}
	}

	layer := v.Layers[0]
	want := core.TextLayer{ID: layer.ID, Content: "New Text", X: 50, Y: 50, Size: 20, Color: "#ffffff", Font: "Arial"}
	if layer != want {
		t.Errorf("default layer = %+v, want %+v", layer, want)
	}
}

func TestAddLayer_WithoutSession(t *testing.T) {
	f := newFixture(t)
	if _, err := f.ctrl.AddLayer(); !errors.Is(err, ErrNoSession) {
		t.Errorf("AddLayer() error = %v, want ErrNoSession", err)
	}
}

func TestUpdateLayer_OnlyTouchesTarget(t *testing.T) {
	f := newFixture(t)
	f.load(t)
	a, _ := f.ctrl.AddLayer()
	b, _ := f.ctrl.AddLayer()

	err := f.ctrl.UpdateLayer(a.ID, LayerPatch{Content: ptr("TOP TEXT"), Size: ptr(48), Color: ptr("red")})
	if err != nil {
		t.Fatalf("UpdateLayer() failed: %v", err)
	}

	v := f.ctrl.Snapshot()
	gotA, gotB := v.Layers[0], v.Layers[1]
	if gotA.Content != "TOP TEXT" || gotA.Size != 48 || gotA.Color != "red" {
		t.Errorf("layer a = %+v, want patched fields", gotA)
	}
	if gotA.X != a.X || gotA.Y != a.Y || gotA.Font != a.Font {
		t.Errorf("layer a unpatched fields changed: %+v", gotA)
	}
	if gotB != b {
		t.Errorf("layer b changed: got %+v, want %+v", gotB, b)
	}
}

func TestUpdateLayer_UnknownIDIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.load(t)
	f.ctrl.AddLayer()
	before := f.ctrl.Snapshot()

	if err := f.ctrl.UpdateLayer("nope", LayerPatch{Content: ptr("x")}); err != nil {
		t.Errorf("UpdateLayer() unknown id error = %v, want nil", err)
	}
	if err := f.ctrl.DeleteLayer("nope"); err != nil {
		t.Errorf("DeleteLayer() unknown id error = %v, want nil", err)
	}

	after := f.ctrl.Snapshot()
	if after.Revision != before.Revision || after.Layers[0] != before.Layers[0] {
		t.Error("no-op changes modified the session")
	}
}

func TestUpdateLayer_Validation(t *testing.T) {
	testCases := []struct {
		name  string
		patch LayerPatch
		field string
	}{
		{"size too small", LayerPatch{Size: ptr(9)}, "size"},
		{"size too large", LayerPatch{Size: ptr(101)}, "size"},
		{"unknown font", LayerPatch{Font: ptr("Comic Sans MS")}, "font"},
		{"bad color", LayerPatch{Color: ptr("#zzzzzz")}, "color"},
		{"bad color with valid content", LayerPatch{Content: ptr("x"), Color: ptr("blurple")}, "color"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.load(t)
			layer, _ := f.ctrl.AddLayer()

			err := f.ctrl.UpdateLayer(layer.ID, tc.patch)
			var valErr *ValidationError
			if !errors.As(err, &valErr) {
				t.Fatalf("UpdateLayer() error = %v, want *ValidationError", err)
			}
			if valErr.Field != tc.field {
				t.Errorf("Field = %q, want %q", valErr.Field, tc.field)
			}
			if got := f.ctrl.Snapshot().Layers[0]; got != layer {
				t.Errorf("invalid patch partially applied: %+v", got)
			}
		})
	}
}

func TestUpdateLayer_BoundarySizes(t *testing.T) {
	f := newFixture(t)
	f.load(t)
	layer, _ := f.ctrl.AddLayer()

	for _, size := range []int{core.MinLayerSize, core.MaxLayerSize} {
		if err := f.ctrl.UpdateLayer(layer.ID, LayerPatch{Size: ptr(size)}); err != nil {
			t.Errorf("UpdateLayer(size=%d) failed: %v", size, err)
		}
	}
}

func TestDeleteLayer_Selection(t *testing.T) {
	f := newFixture(t)
	f.load(t)
	a, _ := f.ctrl.AddLayer()
	b, _ := f.ctrl.AddLayer()

	if err := f.ctrl.DeleteLayer(a.ID); err != nil {
		t.Fatalf("DeleteLayer() failed: %v", err)
	}
	if got := f.ctrl.Snapshot().SelectedID; got != b.ID {
		t.Errorf("deleting an unselected layer changed selection to %q", got)
	}

	if err := f.ctrl.DeleteLayer(b.ID); err != nil {
		t.Fatalf("DeleteLayer() failed: %v", err)
	}
	v := f.ctrl.Snapshot()
	if v.SelectedID != "" {
		t.Errorf("SelectedID = %q after deleting the selected layer", v.SelectedID)
	}
	if len(v.Layers) != 0 {
		t.Errorf("%d layers left", len(v.Layers))
	}
}

func TestSelection(t *testing.T) {
	f := newFixture(t)
	f.load(t)
	a, _ := f.ctrl.AddLayer()
	f.ctrl.AddLayer()

	if err := f.ctrl.SelectLayer(a.ID); err != nil {
		t.Fatalf("SelectLayer() failed: %v", err)
	}
	if got := f.ctrl.Snapshot().SelectedID; got != a.ID {
		t.Errorf("SelectedID = %q, want %q", got, a.ID)
	}
	f.ctrl.SelectLayer("unknown")
	if got := f.ctrl.Snapshot().SelectedID; got != a.ID {
		t.Errorf("selecting an unknown id changed selection to %q", got)
	}
	f.ctrl.ClearSelection()
	if got := f.ctrl.Snapshot().SelectedID; got != "" {
		t.Errorf("SelectedID = %q after ClearSelection()", got)
	}
}

func TestSave_EmptySessionIsPlainReencode(t *testing.T) {
	f := newFixture(t)
	f.load(t)

	meme, err := f.ctrl.Save(context.Background(), alice, true)
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if meme.ID != "saved" {
		t.Errorf("Save() returned %+v", meme)
	}

	if f.uploader.callCount() != 1 {
		t.Fatalf("gateway called %d times, want 1", f.uploader.callCount())
	}
	req := f.uploader.calls[0]

	var want bytes.Buffer
	if err := imaging.Encode(&want, f.sources["https://memes.test/cat.png"].Image, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		t.Fatalf("encode reference: %v", err)
	}
	if !bytes.Equal(req.File.Data, want.Bytes()) {
		t.Error("uploaded bytes differ from a plain re-encode of the source")
	}

	if !req.Public {
		t.Error("upload is not public")
	}
	if req.File.Name != "edited_cat_1700000000000.jpg" || req.File.MimeType != "image/jpeg" {
		t.Errorf("file = %q (%s)", req.File.Name, req.File.MimeType)
	}
	if req.Title != "Edited: cat" || req.Category != core.CategoryMeme {
		t.Errorf("title/category = %q/%q", req.Title, req.Category)
	}
	if strings.Join(req.Tags, ",") != "cats,funny" {
		t.Errorf("tags = %v, want source tags", req.Tags)
	}
	if req.Owner != alice {
		t.Errorf("owner = %+v, want %+v", req.Owner, alice)
	}

	v := f.ctrl.Snapshot()
	if v.State != Saved || v.SessionID != "" {
		t.Errorf("after save view = %+v, want saved with no session", v)
	}
	if n := f.notes.last(); n.Level != LevelInfo {
		t.Errorf("last notification = %+v, want success", n)
	}
}

func TestSave_PrivateFlag(t *testing.T) {
	f := newFixture(t)
	f.load(t)

	if _, err := f.ctrl.Save(context.Background(), alice, false); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if f.uploader.calls[0].Public {
		t.Error("private save uploaded as public")
	}
}

func TestSave_SecondCallWhileSavingIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.uploader.started = make(chan struct{}, 1)
	f.uploader.release = make(chan struct{})
	f.load(t)
	f.ctrl.AddLayer()

	done := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Save(context.Background(), alice, true)
		done <- err
	}()
	<-f.uploader.started

	if got := f.ctrl.State(); got != Saving {
		t.Errorf("State = %v during upload, want saving", got)
	}
	if _, err := f.ctrl.Save(context.Background(), alice, true); !errors.Is(err, ErrSaveInProgress) {
		t.Errorf("second Save() error = %v, want ErrSaveInProgress", err)
	}
	if _, err := f.ctrl.AddLayer(); !errors.Is(err, ErrSaveInProgress) {
		t.Errorf("AddLayer() while saving error = %v, want ErrSaveInProgress", err)
	}

	close(f.uploader.release)
	if err := <-done; err != nil {
		t.Fatalf("first Save() failed: %v", err)
	}
	if n := f.uploader.callCount(); n != 1 {
		t.Errorf("gateway called %d times, want 1", n)
	}
}

func TestSave_ExportFailureSkipsUpload(t *testing.T) {
	f := newFixture(t)
	f.sources["https://memes.test/cat.png"].Tainted = true
	f.load(t)
	f.ctrl.AddLayer()

	_, err := f.ctrl.Save(context.Background(), alice, true)
	var exportErr *compositor.ExportError
	if !errors.As(err, &exportErr) || !errors.Is(err, compositor.ErrTainted) {
		t.Fatalf("Save() error = %v, want tainted ExportError", err)
	}
	if f.uploader.callCount() != 0 {
		t.Error("gateway called after failed export")
	}

	v := f.ctrl.Snapshot()
	if v.State != Loaded || len(v.Layers) != 1 {
		t.Errorf("after failed save view = %+v, want loaded with layers kept", v)
	}
	if n := f.notes.last(); n.Level != LevelError {
		t.Errorf("last notification = %+v, want error", n)
	}
}

func TestSave_UploadFailureReturnsToLoaded(t *testing.T) {
	f := newFixture(t)
	f.uploader.err = &gateway.UploadError{Reason: gateway.ReasonStorage, Err: errors.New("bucket unavailable")}
	f.load(t)
	layer, _ := f.ctrl.AddLayer()

	_, err := f.ctrl.Save(context.Background(), alice, true)
	var uploadErr *gateway.UploadError
	if !errors.As(err, &uploadErr) {
		t.Fatalf("Save() error = %v, want *UploadError", err)
	}

	v := f.ctrl.Snapshot()
	if v.State != Loaded || len(v.Layers) != 1 || v.Layers[0] != layer {
		t.Errorf("session not kept after failed upload: %+v", v)
	}
	if err := f.ctrl.UpdateLayer(layer.ID, LayerPatch{Content: ptr("again")}); err != nil {
		t.Errorf("editing after failed save: %v", err)
	}
}

func TestSave_FailureKeepsVisibility(t *testing.T) {
	f := newFixture(t)
	f.uploader.err = &gateway.UploadError{Reason: gateway.ReasonStorage, Err: errors.New("bucket unavailable")}
	f.load(t)
	if !f.ctrl.Snapshot().Public {
		t.Fatal("new session is not public")
	}

	if _, err := f.ctrl.Save(context.Background(), alice, false); err == nil {
		t.Fatal("Save() succeeded, want upload error")
	}
	if !f.ctrl.Snapshot().Public {
		t.Error("failed private save changed the session visibility")
	}
}

func TestSave_ReleasesCanvas(t *testing.T) {
	f := newFixture(t)
	f.load(t)
	if f.ctrl.canvas.Size() == (image.Point{}) {
		t.Fatal("canvas empty after load")
	}

	if _, err := f.ctrl.Save(context.Background(), alice, true); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if got := f.ctrl.canvas.Size(); got != (image.Point{}) {
		t.Errorf("canvas size after save = %v, want released", got)
	}

	f.load(t)
	if got := f.ctrl.canvas.Size(); got != (image.Point{X: 300, Y: 200}) {
		t.Errorf("canvas size after reload = %v, want 300x200", got)
	}
}

func TestStageGestureWhileSavingNotifies(t *testing.T) {
	f := newFixture(t)
	f.uploader.started = make(chan struct{}, 1)
	f.uploader.release = make(chan struct{})
	f.load(t)
	layer, _ := f.ctrl.AddLayer()
	stage, err := f.ctrl.NewStage()
	if err != nil {
		t.Fatalf("NewStage() failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Save(context.Background(), alice, true)
		done <- err
	}()
	<-f.uploader.started

	grab := core.Point{X: layer.X + 2, Y: layer.Y - 2}
	if !stage.PointerDown(grab) {
		t.Fatal("PointerDown() missed the layer")
	}
	stage.PointerUp(core.Point{X: grab.X + 40, Y: grab.Y + 40})

	n := f.notes.last()
	if n.Level != LevelError || n.Message != "Please wait until the meme is saved" {
		t.Errorf("notification after rejected drag = %+v, want save-in-progress error", n)
	}

	close(f.uploader.release)
	if err := <-done; err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
}

func TestSave_Preconditions(t *testing.T) {
	f := newFixture(t)

	_, err := f.ctrl.Save(context.Background(), alice, true)
	if !errors.Is(err, ErrNoSession) {
		t.Errorf("Save() without session error = %v, want ErrNoSession", err)
	}
	var valErr *ValidationError
	if !errors.As(err, &valErr) || valErr.Field != "session" {
		t.Errorf("Save() without session error = %v, want *ValidationError on session", err)
	}

	f.load(t)
	if _, err := f.ctrl.Save(context.Background(), core.Identity{}, true); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Save() anonymous error = %v, want ErrUnauthenticated", err)
	}
	if f.ctrl.State() != Loaded {
		t.Errorf("State = %v after rejected save, want loaded", f.ctrl.State())
	}
	if f.uploader.callCount() != 0 {
		t.Error("gateway called for rejected save")
	}
}

func TestPreview_OutlinesSelection(t *testing.T) {
	f := newFixture(t)
	f.load(t)
	f.ctrl.AddLayer()

	selected, err := f.ctrl.Preview(compositor.DefaultQuality)
	if err != nil {
		t.Fatalf("Preview() failed: %v", err)
	}
	f.ctrl.ClearSelection()
	plain, err := f.ctrl.Preview(compositor.DefaultQuality)
	if err != nil {
		t.Fatalf("Preview() failed: %v", err)
	}

	if bytes.Equal(selected.JPEG, plain.JPEG) {
		t.Error("selection outline missing from preview")
	}
	if plain.Revision <= selected.Revision {
		t.Errorf("revision did not advance: %d -> %d", selected.Revision, plain.Revision)
	}

	// The outline must never reach the exported image.
	f.ctrl.SelectLayer(f.ctrl.Snapshot().Layers[0].ID)
	f.ctrl.Save(context.Background(), alice, true)
	f2 := newFixture(t)
	f2.load(t)
	f2.ctrl.AddLayer()
	f2.ctrl.ClearSelection()
	f2.ctrl.Save(context.Background(), alice, true)
	if !bytes.Equal(f.uploader.calls[0].File.Data, f2.uploader.calls[0].File.Data) {
		t.Error("export depends on selection")
	}
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	f.load(t)

	if err := f.ctrl.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if v := f.ctrl.Snapshot(); v.State != Idle || v.SessionID != "" {
		t.Errorf("after close view = %+v", v)
	}
	if _, err := f.ctrl.Preview(compositor.DefaultQuality); !errors.Is(err, ErrNoSession) {
		t.Errorf("Preview() after close error = %v, want ErrNoSession", err)
	}
	if got := f.ctrl.canvas.Size(); got != (image.Point{}) {
		t.Errorf("canvas size after close = %v, want released", got)
	}
}
