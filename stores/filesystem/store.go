package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/soham-khedkar/humourhub/core"
)

// memeRow is the on-disk form of a meme. Blob keys are kept here but never
// sent to clients.
type memeRow struct {
	core.Meme
	BlobKey  string `json:"blob_key"`
	ThumbKey string `json:"thumb_key,omitempty"`
}

// fsStore keeps one JSON file per meme, one empty marker file per like and
// blob bytes under their keys:
//
//	<base>/memes/<id>.json
//	<base>/likes/<meme id>/<escaped user id>
//	<base>/blobs/<key>
type fsStore struct {
	basePath string
}

// NewStore creates a new filesystem-based store.
func NewStore(basePath string) (*fsStore, error) {
	for _, dir := range []string{"memes", "likes", "blobs"} {
		if err := os.MkdirAll(filepath.Join(basePath, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}
	return &fsStore{basePath: basePath}, nil
}

func (s *fsStore) memePath(id string) (string, error) {
	if id == "" || path.Base(id) != id || id == "." || id == ".." {
		return "", fmt.Errorf("invalid meme id %q", id)
	}
	return filepath.Join(s.basePath, "memes", id+".json"), nil
}

func (s *fsStore) likesDir(memeID string) string {
	return filepath.Join(s.basePath, "likes", url.PathEscape(memeID))
}

// blobPath resolves key inside the blobs directory and rejects keys that
// would escape it.
func (s *fsStore) blobPath(key string) (string, error) {
	root, err := filepath.Abs(filepath.Join(s.basePath, "blobs"))
	if err != nil {
		return "", err
	}
	full, err := filepath.Abs(filepath.Join(root, filepath.FromSlash(key)))
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid blob key %q: access denied", key)
	}
	return full, nil
}

func (s *fsStore) List(ctx context.Context, filter core.MemeFilter) ([]*core.Meme, error) {
	dir := filepath.Join(s.basePath, "memes")
	log := logrus.WithField("path", dir)

	files, err := os.ReadDir(dir)
	if err != nil {
		log.WithError(err).Error("Failed to read memes directory")
		return nil, err
	}

	memes := make([]*core.Meme, 0, len(files))
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		row, err := s.readRow(filepath.Join(dir, file.Name()))
		if err != nil {
			log.WithError(err).Warnf("Failed to read meme file %s, skipping", file.Name())
			continue
		}
		m := s.toMeme(row)
		if filter.Matches(m) {
			memes = append(memes, m)
		}
	}

	memes = filter.Arrange(memes)
	log.Debugf("Listed %d memes", len(memes))
	return memes, nil
}

func (s *fsStore) Get(ctx context.Context, id string) (*core.Meme, error) {
	filePath, err := s.memePath(id)
	if err != nil {
		return nil, err
	}
	row, err := s.readRow(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logrus.WithField("meme_id", id).Warn("Meme file not found")
			return nil, fmt.Errorf("meme %s: %w", id, core.ErrNotFound)
		}
		return nil, err
	}
	return s.toMeme(row), nil
}

func (s *fsStore) Create(ctx context.Context, meme *core.Meme) error {
	if meme.ID == "" {
		meme.ID = ulid.Make().String()
	}
	if meme.CreatedAt.IsZero() {
		meme.CreatedAt = time.Now().UTC()
	}
	filePath, err := s.memePath(meme.ID)
	if err != nil {
		return err
	}
	log := logrus.WithFields(logrus.Fields{"meme_id": meme.ID, "file_path": filePath})

	row := memeRow{Meme: *meme, BlobKey: meme.BlobKey, ThumbKey: meme.ThumbKey}
	row.Likes = 0
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal meme: %w", err)
	}

	f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		log.WithError(err).Error("Failed to create meme file")
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		log.WithError(err).Error("Failed to write meme file")
		return err
	}

	log.Info("Meme created successfully")
	return nil
}

func (s *fsStore) Delete(ctx context.Context, id string) error {
	filePath, err := s.memePath(id)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("meme %s: %w", id, core.ErrNotFound)
		}
		return err
	}
	if err := os.RemoveAll(s.likesDir(id)); err != nil {
		logrus.WithError(err).WithField("meme_id", id).Warn("Failed to remove likes")
	}
	logrus.WithField("meme_id", id).Info("Meme deleted successfully")
	return nil
}

func (s *fsStore) Like(ctx context.Context, memeID, userID string) error {
	filePath, err := s.memePath(memeID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("meme %s: %w", memeID, core.ErrNotFound)
		}
		return err
	}

	dir := s.likesDir(memeID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, url.PathEscape(userID)), nil, 0644)
}

func (s *fsStore) Unlike(ctx context.Context, memeID, userID string) error {
	err := os.Remove(filepath.Join(s.likesDir(memeID), url.PathEscape(userID)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fsStore) LikedBy(ctx context.Context, userID string) ([]string, error) {
	dirs, err := os.ReadDir(filepath.Join(s.basePath, "likes"))
	if err != nil {
		return nil, err
	}

	marker := url.PathEscape(userID)
	ids := []string{}
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.basePath, "likes", dir.Name(), marker)); err == nil {
			id, err := url.PathUnescape(dir.Name())
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

func (s *fsStore) PutBlob(ctx context.Context, key string, data []byte, contentType string) error {
	filePath, err := s.blobPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		logrus.WithError(err).WithField("blob_key", key).Error("Failed to write blob")
		return err
	}
	return nil
}

func (s *fsStore) GetBlob(ctx context.Context, key string) ([]byte, string, error) {
	filePath, err := s.blobPath(key)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", fmt.Errorf("blob %s: %w", key, core.ErrNotFound)
		}
		return nil, "", err
	}

	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

func (s *fsStore) DeleteBlob(ctx context.Context, key string) error {
	filePath, err := s.blobPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("blob %s: %w", key, core.ErrNotFound)
		}
		return err
	}
	return nil
}

func (s *fsStore) readRow(filePath string) (*memeRow, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var row memeRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", filepath.Base(filePath), err)
	}
	return &row, nil
}

func (s *fsStore) toMeme(row *memeRow) *core.Meme {
	m := row.Meme
	m.BlobKey = row.BlobKey
	m.ThumbKey = row.ThumbKey
	if m.Tags == nil {
		m.Tags = []string{}
	}
	if entries, err := os.ReadDir(s.likesDir(m.ID)); err == nil {
		m.Likes = len(entries)
	}
	return &m
}
