package editor

import (
	"sync"

	"github.com/fogleman/gg"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"

	"github.com/soham-khedkar/humourhub/core"
)

// Padding surrounds a widget's text on every side.
const Padding = 4

// Rect is an axis-aligned box in canvas space.
type Rect struct {
	Min core.Point `json:"min"`
	Max core.Point `json:"max"`
}

func (r Rect) Contains(p core.Point) bool {
	return p.X >= r.Min.X && p.X < r.Max.X && p.Y >= r.Min.Y && p.Y < r.Max.Y
}

// Widget is the interactive handle for one text layer. It never changes the
// layer itself: a finished drag and a click are reported through callbacks
// and the owner decides what to do with them.
type Widget struct {
	layer    core.TextLayer
	selected bool

	width   float64
	ascent  float64
	descent float64

	onSelect  func(id string)
	onDragEnd func(id string, pos core.Point)

	dragging bool
	origin   core.Point
	offset   core.Point
}

func NewWidget(layer core.TextLayer, face font.Face, selected bool, onSelect func(id string), onDragEnd func(id string, pos core.Point)) *Widget {
	m := face.Metrics()
	return &Widget{
		layer:     layer,
		selected:  selected,
		width:     toFloat(font.MeasureString(face, layer.Content)),
		ascent:    toFloat(m.Ascent),
		descent:   toFloat(m.Descent),
		onSelect:  onSelect,
		onDragEnd: onDragEnd,
	}
}

func toFloat(v fixed.Int26_6) float64 {
	return float64(v) / 64
}

func (w *Widget) ID() string {
	return w.layer.ID
}

func (w *Widget) Selected() bool {
	return w.selected
}

func (w *Widget) Dragging() bool {
	return w.dragging
}

// Position is the layer position plus any uncommitted drag offset.
func (w *Widget) Position() core.Point {
	return core.Point{X: w.layer.X + w.offset.X, Y: w.layer.Y + w.offset.Y}
}

// Bounds is the padded text box. Y is the baseline, so the box extends one
// ascent above it and one descent below.
func (w *Widget) Bounds() Rect {
	p := w.Position()
	return Rect{
		Min: core.Point{X: p.X - Padding, Y: p.Y - w.ascent - Padding},
		Max: core.Point{X: p.X + w.width + Padding, Y: p.Y + w.descent + Padding},
	}
}

func (w *Widget) BeginDrag(p core.Point) {
	w.dragging = true
	w.origin = p
	w.offset = core.Point{}
}

// DragTo moves the widget's transient offset only.
func (w *Widget) DragTo(p core.Point) {
	if !w.dragging {
		return
	}
	w.offset = core.Point{X: p.X - w.origin.X, Y: p.Y - w.origin.Y}
}

// EndDrag commits the start position plus the accumulated delta. Positions
// are not clamped to the canvas.
func (w *Widget) EndDrag(p core.Point) {
	if !w.dragging {
		return
	}
	w.DragTo(p)
	final := w.Position()
	w.dragging = false
	w.offset = core.Point{}
	if w.onDragEnd != nil {
		w.onDragEnd(w.layer.ID, final)
	}
}

// Click requests selection and reports the click as consumed.
func (w *Widget) Click() bool {
	if w.onSelect != nil {
		w.onSelect(w.layer.ID)
	}
	return true
}

// Outline strokes the dashed selection border.
func (w *Widget) Outline(dc *gg.Context) {
	if !w.selected {
		return
	}
	b := w.Bounds()
	dc.Push()
	defer dc.Pop()
	dc.SetDash(4, 3)
	dc.SetLineWidth(1)
	dc.SetRGB(1, 1, 1)
	dc.DrawRectangle(b.Min.X, b.Min.Y, b.Max.X-b.Min.X, b.Max.Y-b.Min.Y)
	dc.Stroke()
}

// Stage routes pointer input to the topmost widget under the pointer.
// Clicks that no widget consumes reach the background handler.
type Stage struct {
	mu           sync.Mutex
	widgets      []*Widget
	active       *Widget
	onBackground func()
}

// NewStage takes widgets in paint order; the last one is on top.
func NewStage(widgets []*Widget, onBackground func()) *Stage {
	return &Stage{widgets: widgets, onBackground: onBackground}
}

func (s *Stage) Widgets() []*Widget {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Widget(nil), s.widgets...)
}

func (s *Stage) hit(p core.Point) *Widget {
	for i := len(s.widgets) - 1; i >= 0; i-- {
		if s.widgets[i].Bounds().Contains(p) {
			return s.widgets[i]
		}
	}
	return nil
}

// PointerDown starts a drag on the widget under p, if any.
func (s *Stage) PointerDown(p core.Point) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.hit(p)
	if w == nil {
		return false
	}
	w.BeginDrag(p)
	s.active = w
	return true
}

// PointerMove returns the dragged widget's proposed position.
func (s *Stage) PointerMove(p core.Point) (string, core.Point, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return "", core.Point{}, false
	}
	s.active.DragTo(p)
	return s.active.ID(), s.active.Position(), true
}

func (s *Stage) PointerUp(p core.Point) bool {
	s.mu.Lock()
	w := s.active
	s.active = nil
	s.mu.Unlock()
	if w == nil {
		return false
	}
	w.EndDrag(p)
	return true
}

func (s *Stage) Click(p core.Point) {
	s.mu.Lock()
	w := s.hit(p)
	s.mu.Unlock()
	if w != nil && w.Click() {
		return
	}
	if s.onBackground != nil {
		s.onBackground()
	}
}
