// Package editor holds the per-user meme editing session: the layer list,
// the selection, and the save workflow that hands the rendered image to the
// upload gateway.
package editor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"slices"
	"sync"
	"time"

	"github.com/fogleman/gg"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"

	"github.com/soham-khedkar/humourhub/compositor"
	"github.com/soham-khedkar/humourhub/core"
	"github.com/soham-khedkar/humourhub/gateway"
)

// Defaults for a freshly added layer.
const (
	DefaultContent = "New Text"
	DefaultX       = 50
	DefaultY       = 50
	DefaultSize    = 20
	DefaultColor   = "#ffffff"
)

// Canvas is the drawing surface a controller renders into.
type Canvas interface {
	Load(ctx context.Context, rawURL string) error
	Size() image.Point
	Render(layers []core.TextLayer) error
	RenderAndExport(layers []core.TextLayer, quality float64) ([]byte, error)
	Preview(quality float64, decorate func(dc *gg.Context)) ([]byte, error)
	Face(family string, size int) (font.Face, error)
	Reset()
}

type State int

const (
	Idle State = iota
	Loaded
	Saving
	Saved
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loaded:
		return "loaded"
	case Saving:
		return "saving"
	case Saved:
		return "saved"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type (
	// LayerPatch carries the fields to change; nil fields are left alone.
	LayerPatch struct {
		Content *string  `json:"content,omitempty"`
		X       *float64 `json:"x,omitempty"`
		Y       *float64 `json:"y,omitempty"`
		Size    *int     `json:"size,omitempty"`
		Color   *string  `json:"color,omitempty"`
		Font    *string  `json:"font,omitempty"`
	}

	// View is a read-only copy of the controller state.
	View struct {
		SessionID  string           `json:"session_id,omitempty"`
		State      State            `json:"state"`
		Revision   uint64           `json:"revision"`
		Source     *core.Meme       `json:"source,omitempty"`
		Width      int              `json:"width"`
		Height     int              `json:"height"`
		Layers     []core.TextLayer `json:"layers"`
		SelectedID string           `json:"selected_id,omitempty"`
		Public     bool             `json:"public"`
	}

	// Frame is an encoded preview of a given revision.
	Frame struct {
		SessionID string
		Revision  uint64
		JPEG      []byte
	}

	session struct {
		id         string
		source     core.Meme
		layers     []core.TextLayer
		selectedID string
		public     bool
	}
)

// Controller owns one editing session and is the only writer of its layers.
// Every mutation re-renders the canvas before the lock is released.
type Controller struct {
	mu       sync.Mutex
	owner    core.Identity
	canvas   Canvas
	uploader gateway.Uploader
	notifier Notifier
	now      func() time.Time

	state   State
	session *session
	rev     uint64
}

func NewController(owner core.Identity, canvas Canvas, uploader gateway.Uploader, notifier Notifier) *Controller {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Controller{
		owner:    owner,
		canvas:   canvas,
		uploader: uploader,
		notifier: notifier,
		now:      time.Now,
	}
}

func (c *Controller) Owner() core.Identity {
	return c.owner
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SelectSource loads meme's image and starts a fresh session on it. If the
// image cannot be loaded the current session is kept as it was.
func (c *Controller) SelectSource(ctx context.Context, meme *core.Meme) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Saving {
		return ErrSaveInProgress
	}
	if meme == nil || meme.URL == "" {
		return &ValidationError{Field: "source", Reason: "missing image URL"}
	}

	if err := c.canvas.Load(ctx, meme.URL); err != nil {
		c.notify(LevelError, "Failed to load image")
		return err
	}

	source := *meme
	source.Tags = slices.Clone(meme.Tags)
	c.session = &session{
		id:     ulid.Make().String(),
		source: source,
		layers: []core.TextLayer{},
		public: true,
	}
	c.state = Loaded
	c.rev++

	logrus.WithFields(logrus.Fields{
		"session_id": c.session.id,
		"user_id":    c.owner.Subject,
		"meme_id":    meme.ID,
	}).Info("Editor session started")
	return c.render()
}

// AddLayer appends a default layer and selects it.
func (c *Controller) AddLayer() (core.TextLayer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.editable()
	if err != nil {
		return core.TextLayer{}, err
	}

	layer := core.TextLayer{
		ID:      ulid.Make().String(),
		Content: DefaultContent,
		X:       DefaultX,
		Y:       DefaultY,
		Size:    DefaultSize,
		Color:   DefaultColor,
		Font:    compositor.DefaultFamily,
	}
	s.layers = append(s.layers, layer)
	s.selectedID = layer.ID
	c.rev++
	return layer, c.render()
}

// UpdateLayer merges the set fields of patch into layer id. An unknown id is
// ignored. Nothing is applied when any field is invalid.
func (c *Controller) UpdateLayer(id string, patch LayerPatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.editable()
	if err != nil {
		return err
	}
	i := s.index(id)
	if i < 0 {
		return nil
	}
	if err := patch.validate(); err != nil {
		return err
	}

	patch.apply(&s.layers[i])
	c.rev++
	return c.render()
}

// MoveLayer sets a layer's position. Positions outside the canvas are kept.
func (c *Controller) MoveLayer(id string, p core.Point) error {
	return c.UpdateLayer(id, LayerPatch{X: &p.X, Y: &p.Y})
}

func (c *Controller) DeleteLayer(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.editable()
	if err != nil {
		return err
	}
	i := s.index(id)
	if i < 0 {
		return nil
	}

	s.layers = slices.Delete(s.layers, i, i+1)
	if s.selectedID == id {
		s.selectedID = ""
	}
	c.rev++
	return c.render()
}

// SelectLayer selects id. Unknown ids leave the selection unchanged.
func (c *Controller) SelectLayer(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.editable()
	if err != nil {
		return err
	}
	if s.index(id) < 0 || s.selectedID == id {
		return nil
	}
	s.selectedID = id
	c.rev++
	return nil
}

func (c *Controller) ClearSelection() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.editable()
	if err != nil {
		return err
	}
	if s.selectedID != "" {
		s.selectedID = ""
		c.rev++
	}
	return nil
}

func (c *Controller) SetPublic(public bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.editable()
	if err != nil {
		return err
	}
	s.public = public
	c.rev++
	return nil
}

// Close discards the session without saving.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Saving {
		return ErrSaveInProgress
	}
	if c.session != nil {
		logrus.WithField("session_id", c.session.id).Info("Editor session closed")
	}
	c.session = nil
	c.state = Idle
	c.rev++
	c.canvas.Reset()
	return nil
}

// Save renders the session, exports it as JPEG and uploads it as a new meme
// owned by identity. A save already in flight makes further calls return
// ErrSaveInProgress without touching the gateway. Any failure returns the
// controller to Loaded with the session, including its visibility, intact.
func (c *Controller) Save(ctx context.Context, identity core.Identity, public bool) (*core.Meme, error) {
	c.mu.Lock()
	if c.state == Saving {
		c.mu.Unlock()
		return nil, ErrSaveInProgress
	}
	if c.session == nil || identity.Anonymous() {
		c.notify(LevelError, "Please select a meme and ensure you are logged in")
		c.mu.Unlock()
		if c.session == nil {
			return nil, &ValidationError{Field: "session", Reason: "no source selected", Err: ErrNoSession}
		}
		return nil, &ValidationError{Field: "identity", Reason: "not logged in", Err: ErrUnauthenticated}
	}

	s := c.session
	layers := core.CloneLayers(s.layers)
	source := s.source
	c.state = Saving
	c.rev++
	c.mu.Unlock()

	log := logrus.WithFields(logrus.Fields{
		"session_id": s.id,
		"user_id":    identity.Subject,
		"layers":     len(layers),
	})

	data, err := c.canvas.RenderAndExport(layers, compositor.DefaultQuality)
	if err != nil {
		log.WithError(err).Error("Failed to export canvas")
		return nil, c.saveFailed(err)
	}

	meme, err := c.uploader.Upload(ctx, gateway.UploadRequest{
		File: gateway.File{
			Name:     fmt.Sprintf("edited_%s_%d.jpg", source.Title, c.now().UnixMilli()),
			MimeType: "image/jpeg",
			Data:     data,
		},
		Category: core.CategoryMeme,
		Title:    "Edited: " + source.Title,
		Tags:     slices.Clone(source.Tags),
		Public:   public,
		Owner:    identity,
	})
	if err != nil {
		log.WithError(err).Error("Failed to upload edited meme")
		return nil, c.saveFailed(err)
	}

	c.mu.Lock()
	c.state = Saved
	c.session = nil
	c.rev++
	c.canvas.Reset()
	c.notifyWithSession(s.id, LevelInfo, "Meme saved successfully!")
	c.mu.Unlock()

	log.WithField("meme_id", meme.ID).Info("Edited meme saved")
	return meme, nil
}

func (c *Controller) saveFailed(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Loaded
	c.rev++
	c.notify(LevelError, "Failed to save meme. Please try again.")
	return err
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := View{State: c.state, Revision: c.rev, Layers: []core.TextLayer{}}
	if s := c.session; s != nil {
		source := s.source
		size := c.canvas.Size()
		v.SessionID = s.id
		v.Source = &source
		v.Width, v.Height = size.X, size.Y
		v.Layers = core.CloneLayers(s.layers)
		v.SelectedID = s.selectedID
		v.Public = s.public
	}
	return v
}

// Preview encodes the last render with the selected layer outlined.
func (c *Controller) Preview(quality float64) (Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session
	if s == nil {
		return Frame{}, ErrNoSession
	}

	var selected *Widget
	if i := s.index(s.selectedID); i >= 0 {
		selected = c.widget(s.layers[i], true, nil, nil)
	}
	data, err := c.canvas.Preview(quality, func(dc *gg.Context) {
		if selected != nil {
			selected.Outline(dc)
		}
	})
	if err != nil {
		return Frame{}, err
	}
	return Frame{SessionID: s.id, Revision: c.rev, JPEG: data}, nil
}

// NewStage builds widgets for the current layers. Drags and clicks on the
// stage come back to this controller as MoveLayer, SelectLayer and
// ClearSelection calls.
func (c *Controller) NewStage() (*Stage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session
	if s == nil {
		return nil, ErrNoSession
	}

	onSelect := func(id string) { c.report(c.SelectLayer(id)) }
	onDragEnd := func(id string, p core.Point) { c.report(c.MoveLayer(id, p)) }

	widgets := make([]*Widget, 0, len(s.layers))
	for _, layer := range s.layers {
		widgets = append(widgets, c.widget(layer, layer.ID == s.selectedID, onSelect, onDragEnd))
	}
	return NewStage(widgets, func() { c.report(c.ClearSelection()) }), nil
}

func (c *Controller) widget(layer core.TextLayer, selected bool, onSelect func(string), onDragEnd func(string, core.Point)) *Widget {
	face, err := c.canvas.Face(layer.Font, layer.Size)
	if err != nil {
		if face, err = c.canvas.Face(compositor.DefaultFamily, layer.Size); err != nil {
			face = basicfont.Face7x13
		}
	}
	return NewWidget(layer, face, selected, onSelect, onDragEnd)
}

// report tells the user why a stage gesture was not applied.
func (c *Controller) report(err error) {
	if err == nil {
		return
	}
	logrus.WithError(err).WithField("user_id", c.owner.Subject).Warn("Widget change rejected")

	message := "Could not apply the change"
	switch {
	case errors.Is(err, ErrSaveInProgress):
		message = "Please wait until the meme is saved"
	case errors.Is(err, ErrNoSession):
		message = "Please select a meme first"
	}
	c.mu.Lock()
	c.notify(LevelError, message)
	c.mu.Unlock()
}

func (c *Controller) editable() (*session, error) {
	if c.state == Saving {
		return nil, ErrSaveInProgress
	}
	if c.session == nil {
		return nil, ErrNoSession
	}
	return c.session, nil
}

func (c *Controller) render() error {
	if err := c.canvas.Render(core.CloneLayers(c.session.layers)); err != nil {
		logrus.WithError(err).WithField("session_id", c.session.id).Error("Failed to render canvas")
		return err
	}
	return nil
}

func (c *Controller) notify(level Level, message string) {
	id := ""
	if c.session != nil {
		id = c.session.id
	}
	c.notifyWithSession(id, level, message)
}

func (c *Controller) notifyWithSession(id string, level Level, message string) {
	c.notifier.Notify(Notification{SessionID: id, Owner: c.owner.Subject, Level: level, Message: message})
}

func (s *session) index(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(s.layers, func(l core.TextLayer) bool { return l.ID == id })
}

// ValidateLayer checks a complete layer against the limits UpdateLayer
// enforces.
func ValidateLayer(l core.TextLayer) error {
	return LayerPatch{Size: &l.Size, Color: &l.Color, Font: &l.Font}.validate()
}

func (p LayerPatch) validate() error {
	if p.Size != nil && (*p.Size < core.MinLayerSize || *p.Size > core.MaxLayerSize) {
		return &ValidationError{Field: "size", Reason: fmt.Sprintf("%d is outside %d-%d", *p.Size, core.MinLayerSize, core.MaxLayerSize)}
	}
	if p.Font != nil && !slices.Contains(compositor.Families, *p.Font) {
		return &ValidationError{Field: "font", Reason: fmt.Sprintf("%q is not an allowed family", *p.Font)}
	}
	if p.Color != nil {
		if _, err := compositor.ParseColor(*p.Color); err != nil {
			return &ValidationError{Field: "color", Reason: err.Error()}
		}
	}
	return nil
}

func (p LayerPatch) apply(l *core.TextLayer) {
	if p.Content != nil {
		l.Content = *p.Content
	}
	if p.X != nil {
		l.X = *p.X
	}
	if p.Y != nil {
		l.Y = *p.Y
	}
	if p.Size != nil {
		l.Size = *p.Size
	}
	if p.Color != nil {
		l.Color = *p.Color
	}
	if p.Font != nil {
		l.Font = *p.Font
	}
}
