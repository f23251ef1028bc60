package compositor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/freetype/truetype"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goitalic"
	"golang.org/x/image/font/gofont/gomedium"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/gofont/gosmallcaps"
)

// DefaultFamily is used for new layers.
const DefaultFamily = "Arial"

// Families is the allow-list of font families a layer may use.
var Families = []string{"Arial", "Verdana", "Times New Roman", "Courier New", "Georgia"}

// Go font substitutes used when FONT_DIR does not provide the real face.
var fallbackFaces = map[string][]byte{
	"Arial":           goregular.TTF,
	"Verdana":         gomedium.TTF,
	"Times New Roman": gosmallcaps.TTF,
	"Courier New":     gomono.TTF,
	"Georgia":         goitalic.TTF,
}

// FontBook holds the parsed fonts for every allowed family. Parsed fonts are
// read-only and shared; faces are not and must be created per surface.
type FontBook struct {
	fonts map[string]*truetype.Font
}

// NewFontBook parses "<family>.ttf" from dir for each allowed family and falls
// back to a bundled Go font when dir is empty or the file is missing.
func NewFontBook(dir string) (*FontBook, error) {
	book := &FontBook{fonts: make(map[string]*truetype.Font, len(Families))}
	for _, family := range Families {
		data := fallbackFaces[family]
		if dir != "" {
			path := filepath.Join(dir, family+".ttf")
			custom, err := os.ReadFile(path)
			switch {
			case err == nil:
				data = custom
			case os.IsNotExist(err):
				logrus.WithField("font_path", path).Debug("Font file not found, using bundled substitute")
			default:
				return nil, fmt.Errorf("read font %s: %w", path, err)
			}
		}

		parsed, err := truetype.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("parse font %s: %w", family, err)
		}
		book.fonts[family] = parsed
	}
	return book, nil
}

// Known reports whether family is on the allow-list.
func (b *FontBook) Known(family string) bool {
	_, ok := b.fonts[family]
	return ok
}

// NewFace returns a face for family at size pixels. At 72 DPI one point is
// one pixel, matching the canvas "<size>px <family>" font string.
func (b *FontBook) NewFace(family string, size int) (font.Face, error) {
	f, ok := b.fonts[family]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFont, family)
	}
	return truetype.NewFace(f, &truetype.Options{
		Size:    float64(size),
		DPI:     72,
		Hinting: font.HintingFull,
	}), nil
}
