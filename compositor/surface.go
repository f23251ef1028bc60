package compositor

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"

	"github.com/soham-khedkar/humourhub/core"
)

// DefaultQuality is the JPEG quality hint used when the caller has none.
const DefaultQuality = 0.9

type faceKey struct {
	family string
	size   int
}

// Surface is a raster canvas holding one background image plus painted text
// layers. The canvas is always sized to the background's natural dimensions,
// so layer coordinates and export coordinates are the same space.
//
// A Surface is owned by a single editor session; all drawing happens under
// its lock and runs to completion before returning.
type Surface struct {
	mu       sync.Mutex
	fetcher  Fetcher
	fonts    *FontBook
	faces    map[faceKey]font.Face
	source   *Source
	canvas   *image.RGBA
	rendered bool
}

func NewSurface(fetcher Fetcher, fonts *FontBook) *Surface {
	return &Surface{
		fetcher: fetcher,
		fonts:   fonts,
		faces:   make(map[faceKey]font.Face),
	}
}

// Load fetches and decodes rawURL and resizes the canvas to the image's
// natural size. On failure the previous canvas is left as it was.
func (s *Surface) Load(ctx context.Context, rawURL string) error {
	log := logrus.WithField("source_url", rawURL)

	src, err := s.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		log.WithError(err).Warn("Failed to load source image")
		return &ImageLoadError{URL: rawURL, Err: err}
	}

	size := src.Image.Bounds().Size()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = src
	s.canvas = image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	s.rendered = false

	log.WithFields(logrus.Fields{
		"width":   size.X,
		"height":  size.Y,
		"tainted": src.Tainted,
	}).Info("Source image loaded")
	return nil
}

// Reset drops the source image and canvas. Render and Export fail with
// ErrNoSource until the next Load.
func (s *Surface) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = nil
	s.canvas = nil
	s.rendered = false
}

// Size returns the canvas dimensions, or zero when nothing is loaded.
func (s *Surface) Size() image.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canvas == nil {
		return image.Point{}
	}
	return s.canvas.Bounds().Size()
}

// Render repaints the background and then every layer in order.
func (s *Surface) Render(layers []core.TextLayer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.render(layers)
}

// Export encodes the current canvas as JPEG. quality is a 0-1 hint.
func (s *Surface) Export(quality float64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.export(quality)
}

// RenderAndExport renders layers and encodes the result without letting
// another render interleave.
func (s *Surface) RenderAndExport(layers []core.TextLayer, quality float64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.render(layers); err != nil {
		return nil, &ExportError{Err: err}
	}
	return s.export(quality)
}

// Preview encodes a copy of the last render with decorate applied on top.
// Decorations never reach the canvas used by Export. Tainted canvases can
// still be previewed.
func (s *Surface) Preview(quality float64, decorate func(dc *gg.Context)) ([]byte, error) {
	s.mu.Lock()
	if !s.rendered {
		s.mu.Unlock()
		return nil, &ExportError{Err: ErrNotRendered}
	}
	frame := image.NewRGBA(s.canvas.Bounds())
	copy(frame.Pix, s.canvas.Pix)
	s.mu.Unlock()

	if decorate != nil {
		decorate(gg.NewContextForRGBA(frame))
	}
	return encodeJPEG(frame, quality)
}

// Face returns the surface's cached face for family and size.
func (s *Surface) Face(family string, size int) (font.Face, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.face(family, size)
}

func (s *Surface) render(layers []core.TextLayer) error {
	if s.source == nil {
		return ErrNoSource
	}

	bounds := s.canvas.Bounds()
	draw.Draw(s.canvas, bounds, image.Transparent, image.Point{}, draw.Src)
	draw.Draw(s.canvas, bounds, s.source.Image, s.source.Image.Bounds().Min, draw.Over)

	dc := gg.NewContextForRGBA(s.canvas)
	for _, layer := range layers {
		face, err := s.face(layer.Font, layer.Size)
		if err != nil {
			logrus.WithError(err).WithField("layer_id", layer.ID).Warn("Falling back to default font")
			if face, err = s.face(DefaultFamily, layer.Size); err != nil {
				return err
			}
		}

		fill, err := ParseColor(layer.Color)
		if err != nil {
			// An invalid fillStyle leaves the default black in a browser canvas.
			fill = color.NRGBA{A: 0xff}
		}

		dc.SetFontFace(face)
		dc.SetColor(fill)
		dc.DrawString(layer.Content, layer.X, layer.Y)
	}

	s.rendered = true
	return nil
}

func (s *Surface) export(quality float64) ([]byte, error) {
	if !s.rendered {
		return nil, &ExportError{Err: ErrNotRendered}
	}
	if s.source.Tainted {
		return nil, &ExportError{Err: ErrTainted}
	}
	data, err := encodeJPEG(s.canvas, quality)
	if err != nil {
		return nil, &ExportError{Err: err}
	}
	return data, nil
}

func (s *Surface) face(family string, size int) (font.Face, error) {
	if size < 1 {
		size = 1
	}
	key := faceKey{family: family, size: size}
	if f, ok := s.faces[key]; ok {
		return f, nil
	}
	f, err := s.fonts.NewFace(family, size)
	if err != nil {
		return nil, err
	}
	s.faces[key] = f
	return f, nil
}

// JPEGQuality maps a 0-1 quality hint onto the encoder's 1-100 range.
func JPEGQuality(q float64) int {
	if q <= 0 || math.IsNaN(q) {
		q = DefaultQuality
	}
	if q > 1 {
		q = 1
	}
	n := int(math.Round(q * 100))
	if n < 1 {
		n = 1
	}
	return n
}

func encodeJPEG(img image.Image, quality float64) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(JPEGQuality(quality))); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
