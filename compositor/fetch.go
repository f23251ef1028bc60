package compositor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

const defaultMaxImageBytes = 20 << 20

// MaxPixels bounds width*height of any image decoded by this package.
const MaxPixels = 50_000_000

// ErrTooLarge is returned for images above MaxPixels.
var ErrTooLarge = errors.New("image dimensions too large")

// CheckDimensions reads only the image header and rejects images whose
// pixel count exceeds MaxPixels.
func CheckDimensions(data []byte) error {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("decode image header: empty size %dx%d", cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return fmt.Errorf("%w: %dx%d", ErrTooLarge, cfg.Width, cfg.Height)
	}
	return nil
}

type (
	// Source is a decoded background image.
	Source struct {
		URL   string
		Image image.Image
		// Tainted marks an image drawn without cross-origin permission.
		Tainted bool
	}

	// Fetcher retrieves and decodes a source image.
	Fetcher interface {
		Fetch(ctx context.Context, rawURL string) (*Source, error)
	}

	// FetcherFunc adapts a function to the Fetcher interface.
	FetcherFunc func(ctx context.Context, rawURL string) (*Source, error)
)

func (f FetcherFunc) Fetch(ctx context.Context, rawURL string) (*Source, error) {
	return f(ctx, rawURL)
}

// HTTPFetcher loads images over HTTP. When Origin is set, responses for other
// origins must carry a matching Access-Control-Allow-Origin header or the
// resulting source is tainted.
type HTTPFetcher struct {
	Client   *http.Client
	Origin   string
	MaxBytes int64
}

func NewHTTPFetcher(origin string) *HTTPFetcher {
	return &HTTPFetcher{
		Client:   &http.Client{Timeout: 15 * time.Second},
		Origin:   strings.TrimSuffix(origin, "/"),
		MaxBytes: defaultMaxImageBytes,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*Source, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if f.Origin != "" {
		req.Header.Set("Origin", f.Origin)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image URL returned status %d", resp.StatusCode)
	}

	limit := f.MaxBytes
	if limit <= 0 {
		limit = defaultMaxImageBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read image data: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("image larger than %d bytes", limit)
	}

	img, err := decode(data)
	if err != nil {
		return nil, err
	}

	return &Source{
		URL:     rawURL,
		Image:   img,
		Tainted: f.crossOrigin(rawURL) && !f.granted(resp.Header.Get("Access-Control-Allow-Origin")),
	}, nil
}

func (f *HTTPFetcher) crossOrigin(rawURL string) bool {
	if f.Origin == "" {
		return false
	}
	target, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	origin, err := url.Parse(f.Origin)
	if err != nil {
		return true
	}
	return !strings.EqualFold(target.Scheme, origin.Scheme) || !strings.EqualFold(target.Host, origin.Host)
}

func (f *HTTPFetcher) granted(allowOrigin string) bool {
	allowOrigin = strings.TrimSpace(allowOrigin)
	return allowOrigin == "*" || strings.EqualFold(strings.TrimSuffix(allowOrigin, "/"), f.Origin)
}

// FileFetcher loads images from the local filesystem. Paths may be given as
// plain paths or file:// URLs and are resolved against Root when relative.
type FileFetcher struct {
	Root string
}

func (f FileFetcher) Fetch(ctx context.Context, rawURL string) (*Source, error) {
	path := strings.TrimPrefix(rawURL, "file://")
	if f.Root != "" && !strings.HasPrefix(path, "/") {
		path = f.Root + "/" + path
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image file: %w", err)
	}
	img, err := decode(data)
	if err != nil {
		return nil, err
	}
	return &Source{URL: rawURL, Image: img}, nil
}

// BlobReader reads stored media by key.
type BlobReader interface {
	GetBlob(ctx context.Context, key string) ([]byte, string, error)
}

// BlobFetcher reads URLs under Prefix straight from blob storage. Those
// images belong to this service and are never tainted. Any other URL goes to
// Next.
type BlobFetcher struct {
	Blobs  BlobReader
	Prefix string
	Next   Fetcher
}

func (f BlobFetcher) Fetch(ctx context.Context, rawURL string) (*Source, error) {
	key, ok := strings.CutPrefix(rawURL, f.Prefix)
	if !ok || f.Prefix == "" {
		if f.Next == nil {
			return nil, fmt.Errorf("no fetcher for %q", rawURL)
		}
		return f.Next.Fetch(ctx, rawURL)
	}

	data, _, err := f.Blobs.GetBlob(ctx, strings.TrimPrefix(key, "/"))
	if err != nil {
		return nil, fmt.Errorf("read stored image: %w", err)
	}
	img, err := decode(data)
	if err != nil {
		return nil, err
	}
	return &Source{URL: rawURL, Image: img}, nil
}

func decode(data []byte) (image.Image, error) {
	if err := CheckDimensions(data); err != nil {
		return nil, err
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("decode image: empty bounds %v", b)
	}
	return img, nil
}
