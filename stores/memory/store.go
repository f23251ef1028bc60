package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/soham-khedkar/humourhub/core"
)

type blob struct {
	data        []byte
	contentType string
}

// memStore implements MemeStore and BlobStore in process memory.
type memStore struct {
	mu    sync.RWMutex
	memes map[string]*core.Meme
	// likes maps a meme id to the set of users who like it.
	likes map[string]map[string]struct{}
	blobs map[string]blob
}

// NewStore creates a new in-memory store.
func NewStore() *memStore {
	return &memStore{
		memes: make(map[string]*core.Meme),
		likes: make(map[string]map[string]struct{}),
		blobs: make(map[string]blob),
	}
}

func (s *memStore) List(ctx context.Context, filter core.MemeFilter) ([]*core.Meme, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	memes := make([]*core.Meme, 0, len(s.memes))
	for _, m := range s.memes {
		if filter.Matches(m) {
			memes = append(memes, s.copyMeme(m))
		}
	}
	memes = filter.Arrange(memes)

	logrus.WithField("type", filter.Category).Debugf("Listed %d memes", len(memes))
	return memes, nil
}

func (s *memStore) Get(ctx context.Context, id string) (*core.Meme, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.memes[id]
	if !ok {
		logrus.WithField("meme_id", id).Warn("Meme not found")
		return nil, fmt.Errorf("meme %s: %w", id, core.ErrNotFound)
	}
	return s.copyMeme(m), nil
}

func (s *memStore) Create(ctx context.Context, meme *core.Meme) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if meme.ID == "" {
		meme.ID = ulid.Make().String()
	}
	if meme.CreatedAt.IsZero() {
		meme.CreatedAt = time.Now().UTC()
	}
	if _, exists := s.memes[meme.ID]; exists {
		return fmt.Errorf("meme %s already exists", meme.ID)
	}

	stored := *meme
	stored.Tags = slices.Clone(meme.Tags)
	stored.Likes = 0
	s.memes[meme.ID] = &stored

	logrus.WithFields(logrus.Fields{"meme_id": meme.ID, "user_id": meme.UserID}).Info("Meme created successfully")
	return nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.memes[id]; !ok {
		return fmt.Errorf("meme %s: %w", id, core.ErrNotFound)
	}
	delete(s.memes, id)
	delete(s.likes, id)

	logrus.WithField("meme_id", id).Info("Meme deleted successfully")
	return nil
}

func (s *memStore) Like(ctx context.Context, memeID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.memes[memeID]; !ok {
		return fmt.Errorf("meme %s: %w", memeID, core.ErrNotFound)
	}
	users, ok := s.likes[memeID]
	if !ok {
		users = make(map[string]struct{})
		s.likes[memeID] = users
	}
	users[userID] = struct{}{}
	return nil
}

func (s *memStore) Unlike(ctx context.Context, memeID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.likes[memeID], userID)
	return nil
}

func (s *memStore) LikedBy(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := []string{}
	for memeID, users := range s.likes {
		if _, ok := users[userID]; ok {
			ids = append(ids, memeID)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

func (s *memStore) PutBlob(ctx context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blobs[key] = blob{data: slices.Clone(data), contentType: contentType}
	logrus.WithFields(logrus.Fields{"blob_key": key, "data_length": len(data)}).Debug("Blob stored")
	return nil
}

func (s *memStore) GetBlob(ctx context.Context, key string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blobs[key]
	if !ok {
		return nil, "", fmt.Errorf("blob %s: %w", key, core.ErrNotFound)
	}
	return b.data, b.contentType, nil
}

func (s *memStore) DeleteBlob(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[key]; !ok {
		return fmt.Errorf("blob %s: %w", key, core.ErrNotFound)
	}
	delete(s.blobs, key)
	return nil
}

// copyMeme must be called with s.mu held.
func (s *memStore) copyMeme(m *core.Meme) *core.Meme {
	c := *m
	c.Tags = slices.Clone(m.Tags)
	if c.Tags == nil {
		c.Tags = []string{}
	}
	c.Likes = len(s.likes[m.ID])
	return &c
}
