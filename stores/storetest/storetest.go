// Package storetest holds behaviour checks shared by every store backend.
package storetest

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/soham-khedkar/humourhub/core"
)

// Store is what every backend implements.
type Store interface {
	core.MemeStore
	core.BlobStore
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func meme(id string, category core.Category, owner string, public bool, age time.Duration) *core.Meme {
	return &core.Meme{
		ID:           id,
		Title:        "title " + id,
		URL:          "https://humour.test/media/" + string(category) + "/" + id + ".jpg",
		BlobKey:      string(category) + "/" + id + ".jpg",
		ThumbnailURL: "https://humour.test/media/thumbs/" + id + ".jpg",
		ThumbKey:     "thumbs/" + id + ".jpg",
		Category:     category,
		UserID:       owner,
		Tags:         []string{"funny", id},
		Public:       public,
		CreatedAt:    base.Add(-age),
	}
}

func ids(memes []*core.Meme) []string {
	out := make([]string, 0, len(memes))
	for _, m := range memes {
		out = append(out, m.ID)
	}
	return out
}

// Run exercises the meme, like and blob operations of store. The store must
// start empty.
func Run(t *testing.T, store Store) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, store) })
	t.Run("List", func(t *testing.T) { testList(t, store) })
	t.Run("Likes", func(t *testing.T) { testLikes(t, store) })
	t.Run("MostLiked", func(t *testing.T) { testMostLiked(t, store) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, store) })
	t.Run("Blobs", func(t *testing.T) { testBlobs(t, store) })
}

func testCreateAndGet(t *testing.T, store Store) {
	ctx := context.Background()
	want := meme("01CREATE", core.CategoryMeme, "github:1", true, 0)
	if err := store.Create(ctx, want); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	got, err := store.Get(ctx, want.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Title != want.Title || got.URL != want.URL || got.Category != want.Category || got.UserID != want.UserID || !got.Public {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}
	if got.BlobKey != want.BlobKey || got.ThumbKey != want.ThumbKey || got.ThumbnailURL != want.ThumbnailURL {
		t.Errorf("blob keys not persisted: %+v", got)
	}
	if !reflect.DeepEqual(got.Tags, want.Tags) {
		t.Errorf("Tags = %v, want %v", got.Tags, want.Tags)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
	}

	generated := &core.Meme{Title: "no id", URL: "u", Category: core.CategoryTemplate, UserID: "github:1", Public: true}
	if err := store.Create(ctx, generated); err != nil {
		t.Fatalf("Create() without id failed: %v", err)
	}
	if generated.ID == "" || generated.CreatedAt.IsZero() {
		t.Errorf("Create() did not fill id and timestamp: %+v", generated)
	}
	if _, err := store.Get(ctx, generated.ID); err != nil {
		t.Errorf("Get() generated id failed: %v", err)
	}
	if err := store.Delete(ctx, generated.ID); err != nil {
		t.Errorf("Delete() failed: %v", err)
	}

	if _, err := store.Get(ctx, "01MISSING"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Get() missing error = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, want.ID); err != nil {
		t.Errorf("cleanup Delete() failed: %v", err)
	}
}

func testList(t *testing.T, store Store) {
	ctx := context.Background()
	fixtures := []*core.Meme{
		meme("01LISTA", core.CategoryMeme, "github:1", true, 3*time.Hour),
		meme("01LISTB", core.CategoryTemplate, "github:1", true, 2*time.Hour),
		meme("01LISTC", core.CategoryMeme, "github:2", false, time.Hour),
		meme("01LISTD", core.CategoryMeme, "github:2", true, 0),
	}
	for _, m := range fixtures {
		if err := store.Create(ctx, m); err != nil {
			t.Fatalf("Create(%s) failed: %v", m.ID, err)
		}
	}
	defer func() {
		for _, m := range fixtures {
			store.Delete(ctx, m.ID)
		}
	}()

	testCases := []struct {
		name   string
		filter core.MemeFilter
		want   []string
	}{
		{"anonymous sees public newest first", core.MemeFilter{}, []string{"01LISTD", "01LISTB", "01LISTA"}},
		{"owner sees private", core.MemeFilter{Viewer: "github:2"}, []string{"01LISTD", "01LISTC", "01LISTB", "01LISTA"}},
		{"type filter", core.MemeFilter{Category: core.CategoryTemplate}, []string{"01LISTB"}},
		{"owner filter", core.MemeFilter{OwnerID: "github:2", Viewer: "github:1"}, []string{"01LISTD"}},
		{"own profile", core.MemeFilter{OwnerID: "github:2", Viewer: "github:2", Category: core.CategoryMeme}, []string{"01LISTD", "01LISTC"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			memes, err := store.List(ctx, tc.filter)
			if err != nil {
				t.Fatalf("List() failed: %v", err)
			}
			if got := ids(memes); !reflect.DeepEqual(got, tc.want) {
				t.Errorf("List() = %v, want %v", got, tc.want)
			}
		})
	}
}

func testMostLiked(t *testing.T, store Store) {
	ctx := context.Background()
	fixtures := []*core.Meme{
		meme("01RANKA", core.CategoryMeme, "github:1", true, 3*time.Hour),
		meme("01RANKB", core.CategoryMeme, "github:1", true, 2*time.Hour),
		meme("01RANKC", core.CategoryMeme, "github:2", false, time.Hour),
		meme("01RANKD", core.CategoryMeme, "github:2", true, 0),
	}
	for _, m := range fixtures {
		if err := store.Create(ctx, m); err != nil {
			t.Fatalf("Create(%s) failed: %v", m.ID, err)
		}
	}
	defer func() {
		for _, m := range fixtures {
			store.Delete(ctx, m.ID)
		}
	}()

	likes := map[string][]string{
		"01RANKA": {"github:7", "github:8", "github:9"},
		"01RANKB": {"github:7"},
		"01RANKC": {"github:7", "github:8", "github:9", "github:10"},
	}
	for id, users := range likes {
		for _, user := range users {
			if err := store.Like(ctx, id, user); err != nil {
				t.Fatalf("Like(%s, %s) failed: %v", id, user, err)
			}
		}
	}

	testCases := []struct {
		name   string
		filter core.MemeFilter
		want   []string
	}{
		{"most liked first", core.MemeFilter{Sort: core.SortLikes}, []string{"01RANKA", "01RANKB", "01RANKD"}},
		{"private counted for owner", core.MemeFilter{Sort: core.SortLikes, Viewer: "github:2"}, []string{"01RANKC", "01RANKA", "01RANKB", "01RANKD"}},
		{"limit", core.MemeFilter{Sort: core.SortLikes, Limit: 2}, []string{"01RANKA", "01RANKB"}},
		{"limit on newest", core.MemeFilter{Limit: 1}, []string{"01RANKD"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			memes, err := store.List(ctx, tc.filter)
			if err != nil {
				t.Fatalf("List() failed: %v", err)
			}
			if got := ids(memes); !reflect.DeepEqual(got, tc.want) {
				t.Errorf("List() = %v, want %v", got, tc.want)
			}
		})
	}
}

func testLikes(t *testing.T, store Store) {
	ctx := context.Background()
	a := meme("01LIKEA", core.CategoryMeme, "github:1", true, time.Hour)
	b := meme("01LIKEB", core.CategoryMeme, "github:1", true, 0)
	for _, m := range []*core.Meme{a, b} {
		if err := store.Create(ctx, m); err != nil {
			t.Fatalf("Create() failed: %v", err)
		}
	}
	defer store.Delete(ctx, a.ID)
	defer store.Delete(ctx, b.ID)

	for _, user := range []string{"github:7", "github:7", "oidc:a/b"} {
		if err := store.Like(ctx, a.ID, user); err != nil {
			t.Fatalf("Like() failed: %v", err)
		}
	}
	if err := store.Like(ctx, b.ID, "github:7"); err != nil {
		t.Fatalf("Like() failed: %v", err)
	}
	if err := store.Like(ctx, "01MISSING", "github:7"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Like() missing meme error = %v, want ErrNotFound", err)
	}

	got, err := store.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Likes != 2 {
		t.Errorf("Likes = %d, want 2 (liking twice counts once)", got.Likes)
	}

	liked, err := store.LikedBy(ctx, "github:7")
	if err != nil {
		t.Fatalf("LikedBy() failed: %v", err)
	}
	if want := []string{"01LIKEB", "01LIKEA"}; !reflect.DeepEqual(liked, want) {
		t.Errorf("LikedBy() = %v, want %v", liked, want)
	}

	if err := store.Unlike(ctx, a.ID, "github:7"); err != nil {
		t.Fatalf("Unlike() failed: %v", err)
	}
	if err := store.Unlike(ctx, a.ID, "github:7"); err != nil {
		t.Errorf("second Unlike() failed: %v", err)
	}
	got, _ = store.Get(ctx, a.ID)
	if got.Likes != 1 {
		t.Errorf("Likes after unlike = %d, want 1", got.Likes)
	}
	liked, _ = store.LikedBy(ctx, "oidc:a/b")
	if want := []string{"01LIKEA"}; !reflect.DeepEqual(liked, want) {
		t.Errorf("LikedBy(oidc:a/b) = %v, want %v", liked, want)
	}
}

func testDelete(t *testing.T, store Store) {
	ctx := context.Background()
	m := meme("01DELETE", core.CategoryMeme, "github:1", true, 0)
	if err := store.Create(ctx, m); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if err := store.Like(ctx, m.ID, "github:9"); err != nil {
		t.Fatalf("Like() failed: %v", err)
	}

	if err := store.Delete(ctx, m.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := store.Get(ctx, m.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
	if liked, _ := store.LikedBy(ctx, "github:9"); len(liked) != 0 {
		t.Errorf("likes survived delete: %v", liked)
	}
	if err := store.Delete(ctx, m.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func testBlobs(t *testing.T, store Store) {
	ctx := context.Background()
	key := "meme/01BLOB.jpg"
	data := []byte{0xff, 0xd8, 0xff, 0xe0, 1, 2, 3}

	if err := store.PutBlob(ctx, key, data, "image/jpeg"); err != nil {
		t.Fatalf("PutBlob() failed: %v", err)
	}
	got, contentType, err := store.GetBlob(ctx, key)
	if err != nil {
		t.Fatalf("GetBlob() failed: %v", err)
	}
	if !reflect.DeepEqual(got, data) {
		t.Errorf("GetBlob() data = %v, want %v", got, data)
	}
	if contentType != "image/jpeg" {
		t.Errorf("GetBlob() content type = %q, want image/jpeg", contentType)
	}

	if err := store.DeleteBlob(ctx, key); err != nil {
		t.Fatalf("DeleteBlob() failed: %v", err)
	}
	if _, _, err := store.GetBlob(ctx, key); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("GetBlob() after delete error = %v, want ErrNotFound", err)
	}
}
