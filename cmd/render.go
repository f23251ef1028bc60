package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/soham-khedkar/humourhub/compositor"
	"github.com/soham-khedkar/humourhub/core"
	"github.com/soham-khedkar/humourhub/editor"
)

// recipe describes an offline render: one source image and its text layers.
type recipe struct {
	Source  string           `yaml:"source"`
	Output  string           `yaml:"output"`
	Quality float64          `yaml:"quality"`
	Layers  []core.TextLayer `yaml:"layers"`
}

func loadRecipe(path string) (*recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recipe: %w", err)
	}
	var r recipe
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse recipe %s: %w", path, err)
	}
	if err := r.normalize(); err != nil {
		return nil, fmt.Errorf("recipe %s: %w", path, err)
	}
	return &r, nil
}

// normalize fills in the editor's defaults for omitted layer fields and
// rejects layers the editor would refuse.
func (r *recipe) normalize() error {
	if r.Source == "" {
		return fmt.Errorf("source is required")
	}
	if r.Quality == 0 {
		r.Quality = compositor.DefaultQuality
	}
	if r.Quality < 0 || r.Quality > 1 {
		return fmt.Errorf("quality %v is outside 0-1", r.Quality)
	}

	for i := range r.Layers {
		l := &r.Layers[i]
		if l.ID == "" {
			l.ID = ulid.Make().String()
		}
		if l.Size == 0 {
			l.Size = editor.DefaultSize
		}
		if l.Color == "" {
			l.Color = editor.DefaultColor
		}
		if l.Font == "" {
			l.Font = compositor.DefaultFamily
		}
		if err := editor.ValidateLayer(*l); err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
	}
	return nil
}

// fetcherFor picks HTTP for URLs and the filesystem, relative to the recipe,
// for everything else.
func fetcherFor(source, recipeDir, origin string) compositor.Fetcher {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return compositor.NewHTTPFetcher(origin)
	}
	return compositor.FileFetcher{Root: recipeDir}
}

func renderRecipe(ctx context.Context, r *recipe, fetcher compositor.Fetcher, fonts *compositor.FontBook) ([]byte, error) {
	surface := compositor.NewSurface(fetcher, fonts)
	if err := surface.Load(ctx, r.Source); err != nil {
		return nil, err
	}
	return surface.RenderAndExport(r.Layers, r.Quality)
}

func newRenderCmd() *cobra.Command {
	var (
		output  string
		fontDir string
		origin  string
	)

	cmd := &cobra.Command{
		Use:   "render <recipe.yaml>",
		Short: "Composite text layers onto an image from a YAML recipe",
		Example: `  # recipe.yaml
  # source: cat.png
  # output: cat-meme.jpg
  # layers:
  #   - content: ONE DOES NOT SIMPLY
  #     x: 20
  #     y: 60
  #     size: 48
  #     font: Georgia
  humourhub render recipe.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := loadRecipe(args[0])
			if err != nil {
				return err
			}
			if output != "" {
				r.Output = output
			}
			if r.Output == "" {
				r.Output = strings.TrimSuffix(args[0], filepath.Ext(args[0])) + ".jpg"
			}
			if fontDir == "" {
				fontDir = os.Getenv("FONT_DIR")
			}

			fonts, err := compositor.NewFontBook(fontDir)
			if err != nil {
				return err
			}
			data, err := renderRecipe(cmd.Context(), r, fetcherFor(r.Source, filepath.Dir(args[0]), origin), fonts)
			if err != nil {
				return err
			}
			if err := os.WriteFile(r.Output, data, 0644); err != nil {
				return fmt.Errorf("write output: %w", err)
			}

			logrus.WithFields(logrus.Fields{
				"output": r.Output,
				"layers": len(r.Layers),
				"size":   len(data),
			}).Info("Meme rendered")
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output JPEG path (overrides the recipe).")
	cmd.Flags().StringVar(&fontDir, "font-dir", "", "Directory of <family>.ttf files (default $FONT_DIR).")
	cmd.Flags().StringVar(&origin, "origin", "", "Origin used for cross-origin checks on HTTP sources.")

	return cmd
}
