// Package gateway persists finished image files and their meme metadata.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/soham-khedkar/humourhub/compositor"
	"github.com/soham-khedkar/humourhub/core"
)

// ThumbnailWidth is the width of gallery thumbnails in pixels.
const ThumbnailWidth = 320

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("not the owner of this meme")
)

// Upload failure reasons.
const (
	ReasonUnauthenticated = "unauthenticated"
	ReasonInvalid         = "invalid"
	ReasonStorage         = "storage"
)

type (
	// File is an encoded image ready to be stored.
	File struct {
		Name     string
		MimeType string
		Data     []byte
	}

	UploadRequest struct {
		File     File
		Category core.Category
		Title    string
		Tags     []string
		Public   bool
		Owner    core.Identity
	}

	// Uploader stores a file and returns the created meme record.
	Uploader interface {
		Upload(ctx context.Context, req UploadRequest) (*core.Meme, error)
	}
)

// UploadError is returned for every failed upload.
type UploadError struct {
	Reason string
	Err    error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload failed (%s): %v", e.Reason, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// Service writes blobs first and the meme row second, removing the blobs
// again when the row cannot be created.
type Service struct {
	blobs         core.BlobStore
	memes         core.MemeStore
	publicBaseURL string
}

func NewService(blobs core.BlobStore, memes core.MemeStore, publicBaseURL string) *Service {
	return &Service{
		blobs:         blobs,
		memes:         memes,
		publicBaseURL: strings.TrimSuffix(publicBaseURL, "/"),
	}
}

func (s *Service) Upload(ctx context.Context, req UploadRequest) (*core.Meme, error) {
	if req.Owner.Anonymous() {
		return nil, &UploadError{Reason: ReasonUnauthenticated, Err: ErrUnauthenticated}
	}
	if !req.Category.Valid() {
		return nil, &UploadError{Reason: ReasonInvalid, Err: fmt.Errorf("unknown type %q", req.Category)}
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, &UploadError{Reason: ReasonInvalid, Err: errors.New("title is required")}
	}
	if !strings.HasPrefix(req.File.MimeType, "image/") {
		return nil, &UploadError{Reason: ReasonInvalid, Err: fmt.Errorf("unsupported content type %q", req.File.MimeType)}
	}
	if len(req.File.Data) == 0 {
		return nil, &UploadError{Reason: ReasonInvalid, Err: errors.New("file is empty")}
	}

	if err := compositor.CheckDimensions(req.File.Data); err != nil {
		return nil, &UploadError{Reason: ReasonInvalid, Err: err}
	}
	img, err := imaging.Decode(bytes.NewReader(req.File.Data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, &UploadError{Reason: ReasonInvalid, Err: fmt.Errorf("decode image: %w", err)}
	}

	id := ulid.Make().String()
	key := fmt.Sprintf("%s/%s.%s", req.Category, id, extension(req.File))
	thumbKey := fmt.Sprintf("thumbs/%s.jpg", id)
	log := logrus.WithFields(logrus.Fields{
		"user_id":  req.Owner.Subject,
		"blob_key": key,
		"size":     len(req.File.Data),
	})

	var thumb bytes.Buffer
	small := imaging.Resize(img, ThumbnailWidth, 0, imaging.Lanczos)
	if img.Bounds().Dx() <= ThumbnailWidth {
		small = imaging.Clone(img)
	}
	if err := imaging.Encode(&thumb, small, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return nil, &UploadError{Reason: ReasonInvalid, Err: fmt.Errorf("encode thumbnail: %w", err)}
	}

	if err := s.blobs.PutBlob(ctx, key, req.File.Data, req.File.MimeType); err != nil {
		log.WithError(err).Error("Failed to store image")
		return nil, &UploadError{Reason: ReasonStorage, Err: err}
	}
	if err := s.blobs.PutBlob(ctx, thumbKey, thumb.Bytes(), "image/jpeg"); err != nil {
		log.WithError(err).Error("Failed to store thumbnail")
		s.discard(ctx, key)
		return nil, &UploadError{Reason: ReasonStorage, Err: err}
	}

	meme := &core.Meme{
		ID:           id,
		Title:        title,
		URL:          s.MediaURL(key),
		BlobKey:      key,
		ThumbnailURL: s.MediaURL(thumbKey),
		ThumbKey:     thumbKey,
		Category:     req.Category,
		UserID:       req.Owner.Subject,
		Tags:         NormalizeTags(req.Tags),
		Public:       req.Public,
	}
	if err := s.memes.Create(ctx, meme); err != nil {
		log.WithError(err).Error("Failed to create meme record")
		s.discard(ctx, key, thumbKey)
		return nil, &UploadError{Reason: ReasonStorage, Err: err}
	}

	log.WithField("meme_id", meme.ID).Info("Meme uploaded successfully")
	return meme, nil
}

// Remove deletes a meme owned by owner together with its blobs.
func (s *Service) Remove(ctx context.Context, id string, owner core.Identity) error {
	if owner.Anonymous() {
		return ErrUnauthenticated
	}
	meme, err := s.memes.Get(ctx, id)
	if err != nil {
		return err
	}
	if meme.UserID != owner.Subject {
		return ErrForbidden
	}
	if err := s.memes.Delete(ctx, id); err != nil {
		return err
	}
	s.discard(ctx, meme.BlobKey, meme.ThumbKey)
	logrus.WithFields(logrus.Fields{"meme_id": id, "user_id": owner.Subject}).Info("Meme deleted")
	return nil
}

// MediaURL returns the public URL under which key is served.
func (s *Service) MediaURL(key string) string {
	return s.publicBaseURL + "/media/" + key
}

func (s *Service) discard(ctx context.Context, keys ...string) {
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := s.blobs.DeleteBlob(ctx, key); err != nil && !errors.Is(err, core.ErrNotFound) {
			logrus.WithError(err).WithField("blob_key", key).Warn("Failed to remove blob")
		}
	}
}

// NormalizeTags trims and lower-cases tags and drops empty ones.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

var mimeExtensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
	"image/bmp":  "bmp",
	"image/tiff": "tiff",
}

func extension(f File) string {
	if ext := strings.TrimPrefix(path.Ext(f.Name), "."); ext != "" && !strings.ContainsAny(ext, "/\\") {
		return strings.ToLower(ext)
	}
	if ext, ok := mimeExtensions[f.MimeType]; ok {
		return ext
	}
	return "bin"
}
