package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrNotFound is returned by stores when a record or blob does not exist.
var ErrNotFound = errors.New("not found")

type Category string

// SortOrder selects the ordering of a listing.
type SortOrder string

const (
	SortNewest SortOrder = ""
	SortLikes  SortOrder = "likes"
)

// ParseSortOrder accepts "", "newest" and "likes".
func ParseSortOrder(s string) (SortOrder, error) {
	switch s {
	case "", "newest":
		return SortNewest, nil
	case string(SortLikes):
		return SortLikes, nil
	}
	return "", fmt.Errorf("unknown sort order %q", s)
}

const (
	CategoryMeme     Category = "meme"
	CategoryTemplate Category = "template"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	return c == CategoryMeme || c == CategoryTemplate
}

type (
	// Meme is a stored image plus the metadata shown in the gallery.
	// ThumbnailURL points at a downscaled copy used by listings.
	Meme struct {
		ID           string    `json:"id"`
		Title        string    `json:"title"`
		URL          string    `json:"url"`
		BlobKey      string    `json:"-"`
		ThumbnailURL string    `json:"thumbnail_url,omitempty"`
		ThumbKey     string    `json:"-"`
		Category     Category  `json:"type"`
		UserID       string    `json:"user_id"`
		Tags         []string  `json:"tags"`
		Likes        int       `json:"likes"`
		Public       bool      `json:"public"`
		CreatedAt    time.Time `json:"created_at"`
	}

	// MemeFilter narrows a listing. Private memes are only returned to their
	// owner, identified by Viewer. A zero Limit means no limit.
	MemeFilter struct {
		Category Category
		Viewer   string
		OwnerID  string
		Sort     SortOrder
		Limit    int
	}

	// MemeStore persists meme rows and the per-user like relation.
	MemeStore interface {
		// List returns matching memes in filter.Sort order, at most
		// filter.Limit of them.
		List(ctx context.Context, filter MemeFilter) ([]*Meme, error)

		// Get returns a single meme by id or ErrNotFound.
		Get(ctx context.Context, id string) (*Meme, error)

		// Create stores a new meme. ID and CreatedAt are filled in when empty.
		Create(ctx context.Context, meme *Meme) error

		// Delete removes a meme and its likes.
		Delete(ctx context.Context, id string) error

		// Like records that userID likes memeID. Liking twice is a no-op.
		Like(ctx context.Context, memeID, userID string) error

		// Unlike removes the like, if any.
		Unlike(ctx context.Context, memeID, userID string) error

		// LikedBy returns the ids of memes liked by userID.
		LikedBy(ctx context.Context, userID string) ([]string, error)
	}

	// BlobStore persists the encoded image bytes behind a meme.
	BlobStore interface {
		PutBlob(ctx context.Context, key string, data []byte, contentType string) error
		GetBlob(ctx context.Context, key string) ([]byte, string, error)
		DeleteBlob(ctx context.Context, key string) error
	}
)

// Visible reports whether m may be shown to viewer.
func (m *Meme) Visible(viewer string) bool {
	return m.Public || (viewer != "" && m.UserID == viewer)
}

// Matches reports whether m passes every criterion of f.
func (f MemeFilter) Matches(m *Meme) bool {
	if f.Category != "" && m.Category != f.Category {
		return false
	}
	if f.OwnerID != "" && m.UserID != f.OwnerID {
		return false
	}
	return m.Visible(f.Viewer)
}

// Arrange orders memes as requested by f and truncates them to f.Limit.
// Ties are broken by creation time, then id, both descending.
func (f MemeFilter) Arrange(memes []*Meme) []*Meme {
	sort.Slice(memes, func(i, j int) bool {
		a, b := memes[i], memes[j]
		if f.Sort == SortLikes && a.Likes != b.Likes {
			return a.Likes > b.Likes
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	if f.Limit > 0 && len(memes) > f.Limit {
		memes = memes[:f.Limit]
	}
	return memes
}
