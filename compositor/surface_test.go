package compositor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"golang.org/x/image/draw"

	"github.com/soham-khedkar/humourhub/core"
)

func solidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}

func staticFetcher(images map[string]*Source) Fetcher {
	return FetcherFunc(func(ctx context.Context, rawURL string) (*Source, error) {
		src, ok := images[rawURL]
		if !ok {
			return nil, fmt.Errorf("image URL returned status 404")
		}
		return src, nil
	})
}

func newTestSurface(t *testing.T, images map[string]*Source) *Surface {
	t.Helper()
	fonts, err := NewFontBook("")
	if err != nil {
		t.Fatalf("NewFontBook() failed: %v", err)
	}
	return NewSurface(staticFetcher(images), fonts)
}

func grayBackground() *Source {
	return &Source{URL: "https://memes.test/bg.png", Image: solidImage(300, 100, color.RGBA{128, 128, 128, 255})}
}

func countPixels(img *image.RGBA, want color.RGBA) int {
	n := 0
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.RGBAAt(x, y) == want {
				n++
			}
		}
	}
	return n
}

func TestSurface_LoadUsesNaturalSize(t *testing.T) {
	src := &Source{URL: "u", Image: solidImage(640, 360, color.White)}
	s := newTestSurface(t, map[string]*Source{"u": src})

	if err := s.Load(context.Background(), "u"); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if got := s.Size(); got != image.Pt(640, 360) {
		t.Errorf("Size() = %v, want (640,360)", got)
	}
}

func TestSurface_LoadFailureLeavesCanvasUntouched(t *testing.T) {
	bg := grayBackground()
	s := newTestSurface(t, map[string]*Source{bg.URL: bg})
	ctx := context.Background()

	if err := s.Load(ctx, bg.URL); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if err := s.Render([]core.TextLayer{{ID: "a", Content: "hi", X: 10, Y: 50, Size: 30, Color: "#fff", Font: "Arial"}}); err != nil {
		t.Fatalf("Render() failed: %v", err)
	}
	before, err := s.Export(DefaultQuality)
	if err != nil {
		t.Fatalf("Export() failed: %v", err)
	}

	err = s.Load(ctx, "https://memes.test/missing.png")
	var loadErr *ImageLoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("Load() error = %v, want *ImageLoadError", err)
	}
	if loadErr.URL != "https://memes.test/missing.png" {
		t.Errorf("ImageLoadError.URL = %q", loadErr.URL)
	}

	if got := s.Size(); got != image.Pt(300, 100) {
		t.Errorf("Size() after failed load = %v, want (300,100)", got)
	}
	after, err := s.Export(DefaultQuality)
	if err != nil {
		t.Fatalf("Export() after failed load failed: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Error("canvas content changed after failed load")
	}
}

func TestSurface_ExportBeforeRender(t *testing.T) {
	bg := grayBackground()
	s := newTestSurface(t, map[string]*Source{bg.URL: bg})

	_, err := s.Export(DefaultQuality)
	var exportErr *ExportError
	if !errors.As(err, &exportErr) || !errors.Is(err, ErrNotRendered) {
		t.Fatalf("Export() before load error = %v, want ErrNotRendered", err)
	}

	if err := s.Load(context.Background(), bg.URL); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if _, err := s.Export(DefaultQuality); !errors.Is(err, ErrNotRendered) {
		t.Fatalf("Export() after load error = %v, want ErrNotRendered", err)
	}
}

func TestSurface_RenderWithoutSource(t *testing.T) {
	s := newTestSurface(t, nil)
	if err := s.Render(nil); !errors.Is(err, ErrNoSource) {
		t.Errorf("Render() error = %v, want ErrNoSource", err)
	}
}

func TestSurface_Reset(t *testing.T) {
	bg := grayBackground()
	s := newTestSurface(t, map[string]*Source{bg.URL: bg})
	if err := s.Load(context.Background(), bg.URL); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if err := s.Render(nil); err != nil {
		t.Fatalf("Render() failed: %v", err)
	}

	s.Reset()
	if got := s.Size(); got != (image.Point{}) {
		t.Errorf("Size() after Reset = %v, want zero", got)
	}
	if err := s.Render(nil); !errors.Is(err, ErrNoSource) {
		t.Errorf("Render() after Reset error = %v, want ErrNoSource", err)
	}
	if _, err := s.Export(DefaultQuality); err == nil {
		t.Error("Export() after Reset succeeded")
	}
}

func TestSurface_RenderIsIdempotent(t *testing.T) {
	bg := grayBackground()
	s := newTestSurface(t, map[string]*Source{bg.URL: bg})
	if err := s.Load(context.Background(), bg.URL); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	layers := []core.TextLayer{
		{ID: "1", Content: "TOP TEXT", X: 10, Y: 40, Size: 32, Color: "white", Font: "Arial"},
		{ID: "2", Content: "bottom text", X: 20, Y: 90, Size: 24, Color: "rgba(255, 0, 0, 0.5)", Font: "Courier New"},
	}

	if err := s.Render(layers); err != nil {
		t.Fatalf("first Render() failed: %v", err)
	}
	first, err := s.Export(DefaultQuality)
	if err != nil {
		t.Fatalf("first Export() failed: %v", err)
	}

	if err := s.Render(layers); err != nil {
		t.Fatalf("second Render() failed: %v", err)
	}
	second, err := s.Export(DefaultQuality)
	if err != nil {
		t.Fatalf("second Export() failed: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Error("rendering the same layers twice produced different exports")
	}
}

func TestSurface_PaintOrder(t *testing.T) {
	red := color.RGBA{255, 0, 0, 255}
	blue := color.RGBA{0, 0, 255, 255}

	testCases := []struct {
		name    string
		first   string
		second  string
		visible color.RGBA
		hidden  color.RGBA
	}{
		{"blue over red", "#ff0000", "#0000ff", blue, red},
		{"red over blue", "#0000ff", "#ff0000", red, blue},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			bg := grayBackground()
			s := newTestSurface(t, map[string]*Source{bg.URL: bg})
			if err := s.Load(context.Background(), bg.URL); err != nil {
				t.Fatalf("Load() failed: %v", err)
			}

			layers := []core.TextLayer{
				{ID: "a", Content: "MMMM", X: 10, Y: 80, Size: 60, Color: tc.first, Font: "Arial"},
				{ID: "b", Content: "MMMM", X: 10, Y: 80, Size: 60, Color: tc.second, Font: "Arial"},
			}
			if err := s.Render(layers); err != nil {
				t.Fatalf("Render() failed: %v", err)
			}

			if n := countPixels(s.canvas, tc.visible); n == 0 {
				t.Error("later layer is not visible at the overlap")
			}
			if n := countPixels(s.canvas, tc.hidden); n != 0 {
				t.Errorf("earlier layer shows through at %d fully covered pixels", n)
			}
		})
	}
}

func TestSurface_EmptyLayersMatchPlainReencode(t *testing.T) {
	bgImage := solidImage(120, 80, color.RGBA{10, 200, 30, 255})
	for x := 0; x < 120; x += 3 {
		bgImage.SetRGBA(x, x%80, color.RGBA{250, 250, 0, 255})
	}
	bg := &Source{URL: "bg", Image: bgImage}
	s := newTestSurface(t, map[string]*Source{"bg": bg})

	if err := s.Load(context.Background(), "bg"); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if err := s.Render(nil); err != nil {
		t.Fatalf("Render() failed: %v", err)
	}
	got, err := s.Export(DefaultQuality)
	if err != nil {
		t.Fatalf("Export() failed: %v", err)
	}

	var want bytes.Buffer
	if err := imaging.Encode(&want, bgImage, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		t.Fatalf("encode reference: %v", err)
	}

	if !bytes.Equal(got, want.Bytes()) {
		t.Error("export with no layers differs from a plain re-encode of the source")
	}
}

func TestSurface_TaintedSourceCannotExport(t *testing.T) {
	bg := grayBackground()
	bg.Tainted = true
	s := newTestSurface(t, map[string]*Source{bg.URL: bg})

	if err := s.Load(context.Background(), bg.URL); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if err := s.Render(nil); err != nil {
		t.Fatalf("Render() failed: %v", err)
	}

	if _, err := s.Export(DefaultQuality); !errors.Is(err, ErrTainted) {
		t.Errorf("Export() error = %v, want ErrTainted", err)
	}
	if _, err := s.RenderAndExport(nil, DefaultQuality); !errors.Is(err, ErrTainted) {
		t.Errorf("RenderAndExport() error = %v, want ErrTainted", err)
	}

	if _, err := s.Preview(DefaultQuality, nil); err != nil {
		t.Errorf("Preview() of tainted canvas failed: %v", err)
	}
}

func TestSurface_PreviewDoesNotTouchCanvas(t *testing.T) {
	bg := grayBackground()
	s := newTestSurface(t, map[string]*Source{bg.URL: bg})
	if err := s.Load(context.Background(), bg.URL); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if err := s.Render(nil); err != nil {
		t.Fatalf("Render() failed: %v", err)
	}
	before, _ := s.Export(DefaultQuality)

	_, err := s.Preview(DefaultQuality, func(dc *gg.Context) {
		dc.SetRGB(1, 0, 0)
		dc.DrawRectangle(0, 0, 50, 50)
		dc.Fill()
	})
	if err != nil {
		t.Fatalf("Preview() failed: %v", err)
	}

	after, _ := s.Export(DefaultQuality)
	if !bytes.Equal(before, after) {
		t.Error("Preview() decorations leaked into the export canvas")
	}
}

func TestSurface_UnknownFontFallsBack(t *testing.T) {
	bg := grayBackground()
	s := newTestSurface(t, map[string]*Source{bg.URL: bg})
	if err := s.Load(context.Background(), bg.URL); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	err := s.Render([]core.TextLayer{{ID: "x", Content: "x", X: 5, Y: 50, Size: 20, Color: "#000", Font: "Comic Sans MS"}})
	if err != nil {
		t.Errorf("Render() with unknown font failed: %v", err)
	}
}

func TestJPEGQuality(t *testing.T) {
	testCases := []struct {
		in   float64
		want int
	}{
		{0.9, 90},
		{1, 100},
		{2, 100},
		{0, 90},
		{-1, 90},
		{0.001, 1},
	}
	for _, tc := range testCases {
		if got := JPEGQuality(tc.in); got != tc.want {
			t.Errorf("JPEGQuality(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
