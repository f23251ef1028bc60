package core

type (
	// TextLayer is one positioned, styled string painted over a source image.
	// X and Y are canvas pixels with the origin at the top-left corner; Y is
	// the text baseline.
	TextLayer struct {
		ID      string  `json:"id" yaml:"id"`
		Content string  `json:"content" yaml:"content"`
		X       float64 `json:"x" yaml:"x"`
		Y       float64 `json:"y" yaml:"y"`
		Size    int     `json:"size" yaml:"size"`
		Color   string  `json:"color" yaml:"color"`
		Font    string  `json:"font" yaml:"font"`
	}

	// Point is a location in canvas pixel space.
	Point struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
)

const (
	MinLayerSize = 10
	MaxLayerSize = 100
)

// Position returns the layer's anchor point.
func (l TextLayer) Position() Point {
	return Point{X: l.X, Y: l.Y}
}

// CloneLayers copies a layer list so callers cannot alias controller state.
func CloneLayers(layers []TextLayer) []TextLayer {
	if layers == nil {
		return []TextLayer{}
	}
	out := make([]TextLayer, len(layers))
	copy(out, layers)
	return out
}
