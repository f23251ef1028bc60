package memes

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"

	"github.com/soham-khedkar/humourhub/core"
	"github.com/soham-khedkar/humourhub/gateway"
	"github.com/soham-khedkar/humourhub/middleware"
)

const (
	maxUploadBytes = 20 << 20
	defaultQRSize  = 256
	maxQRSize      = 1024
	maxListLimit   = 100
	likesPerLevel  = 10
)

// Remover deletes a meme on behalf of its owner.
type Remover interface {
	Remove(ctx context.Context, id string, owner core.Identity) error
}

func respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error": message})
}

// visibleMeme loads {id} and hides memes the caller may not see.
func visibleMeme(w http.ResponseWriter, r *http.Request, store core.MemeStore) (*core.Meme, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		respondError(w, r, http.StatusBadRequest, "Meme id is required")
		return nil, false
	}

	meme, err := store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			respondError(w, r, http.StatusNotFound, "Meme not found")
			return nil, false
		}
		logrus.WithError(err).WithField("meme_id", id).Error("Failed to get meme")
		respondError(w, r, http.StatusInternalServerError, "Failed to get meme")
		return nil, false
	}
	if !meme.Visible(middleware.IdentityFrom(r.Context()).Subject) {
		respondError(w, r, http.StatusNotFound, "Meme not found")
		return nil, false
	}
	return meme, true
}

// HandleList serves GET /memes?type=meme|template&owner=<subject>&sort=newest|likes&limit=<n>.
func HandleList(store core.MemeStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		filter := core.MemeFilter{
			Category: core.Category(query.Get("type")),
			OwnerID:  query.Get("owner"),
			Viewer:   middleware.IdentityFrom(r.Context()).Subject,
		}
		if filter.Category != "" && !filter.Category.Valid() {
			respondError(w, r, http.StatusBadRequest, "type must be meme or template")
			return
		}
		sortOrder, err := core.ParseSortOrder(query.Get("sort"))
		if err != nil {
			respondError(w, r, http.StatusBadRequest, "sort must be newest or likes")
			return
		}
		filter.Sort = sortOrder
		if v := query.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > maxListLimit {
				respondError(w, r, http.StatusBadRequest, "limit must be between 1 and 100")
				return
			}
			filter.Limit = n
		}

		memes, err := store.List(r.Context(), filter)
		if err != nil {
			logrus.WithError(err).Error("Failed to list memes")
			respondError(w, r, http.StatusInternalServerError, "Failed to fetch memes")
			return
		}
		if memes == nil {
			memes = []*core.Meme{}
		}
		render.JSON(w, r, memes)
	}
}

func HandleGet(store core.MemeStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meme, ok := visibleMeme(w, r, store)
		if !ok {
			return
		}
		render.JSON(w, r, meme)
	}
}

// HandleUpload accepts a multipart form with file, type, title, tags
// (comma separated) and public.
func HandleUpload(uploader gateway.Uploader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			respondError(w, r, http.StatusBadRequest, "Invalid multipart form")
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			respondError(w, r, http.StatusBadRequest, "Please provide a title and select a file")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			respondError(w, r, http.StatusBadRequest, "Failed to read file")
			return
		}

		mimeType := header.Header.Get("Content-Type")
		if mimeType == "" || mimeType == "application/octet-stream" {
			mimeType = http.DetectContentType(data)
		}

		public := true
		if v := r.FormValue("public"); v != "" {
			if public, err = strconv.ParseBool(v); err != nil {
				respondError(w, r, http.StatusBadRequest, "public must be a boolean")
				return
			}
		}
		category := core.Category(r.FormValue("type"))
		if category == "" {
			category = core.CategoryMeme
		}

		meme, err := uploader.Upload(r.Context(), gateway.UploadRequest{
			File: gateway.File{
				Name:     header.Filename,
				MimeType: mimeType,
				Data:     data,
			},
			Category: category,
			Title:    r.FormValue("title"),
			Tags:     splitTags(r.MultipartForm.Value["tags"]),
			Public:   public,
			Owner:    middleware.IdentityFrom(r.Context()),
		})
		if err != nil {
			respondUploadError(w, r, err)
			return
		}

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, meme)
	}
}

func respondUploadError(w http.ResponseWriter, r *http.Request, err error) {
	var uploadErr *gateway.UploadError
	if !errors.As(err, &uploadErr) {
		respondError(w, r, http.StatusInternalServerError, "Error uploading file")
		return
	}
	switch uploadErr.Reason {
	case gateway.ReasonUnauthenticated:
		respondError(w, r, http.StatusUnauthorized, "Authentication required")
	case gateway.ReasonInvalid:
		respondError(w, r, http.StatusBadRequest, uploadErr.Err.Error())
	default:
		respondError(w, r, http.StatusBadGateway, "Error uploading file")
	}
}

func splitTags(values []string) []string {
	var tags []string
	for _, v := range values {
		tags = append(tags, strings.Split(v, ",")...)
	}
	return gateway.NormalizeTags(tags)
}

func HandleDelete(remover Remover) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := remover.Remove(r.Context(), chi.URLParam(r, "id"), middleware.IdentityFrom(r.Context()))
		switch {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, core.ErrNotFound):
			respondError(w, r, http.StatusNotFound, "Meme not found")
		case errors.Is(err, gateway.ErrForbidden):
			respondError(w, r, http.StatusForbidden, "You can only delete your own memes")
		case errors.Is(err, gateway.ErrUnauthenticated):
			respondError(w, r, http.StatusUnauthorized, "Authentication required")
		default:
			logrus.WithError(err).Error("Failed to delete meme")
			respondError(w, r, http.StatusInternalServerError, "Failed to delete meme")
		}
	}
}

// HandleLike likes the meme when liked is true and unlikes it otherwise,
// then returns the updated meme.
func HandleLike(store core.MemeStore, liked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meme, ok := visibleMeme(w, r, store)
		if !ok {
			return
		}
		user := middleware.IdentityFrom(r.Context()).Subject

		var err error
		if liked {
			err = store.Like(r.Context(), meme.ID, user)
		} else {
			err = store.Unlike(r.Context(), meme.ID, user)
		}
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{"meme_id": meme.ID, "user_id": user}).Error("Failed to update like")
			respondError(w, r, http.StatusInternalServerError, "Failed to update like")
			return
		}

		updated, err := store.Get(r.Context(), meme.ID)
		if err != nil {
			respondError(w, r, http.StatusInternalServerError, "Failed to get meme")
			return
		}
		render.JSON(w, r, updated)
	}
}

// HandleLiked lists the visible memes the caller has liked.
func HandleLiked(store core.MemeStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		memes, ok := likedMemes(w, r, store)
		if !ok {
			return
		}
		render.JSON(w, r, memes)
	}
}

// Stats is the profile summary of the caller's likes.
type Stats struct {
	Likes int `json:"likes"`
	Level int `json:"level"`
}

// HandleStats serves GET /me/stats. Every ten liked memes raise the level by one.
func HandleStats(store core.MemeStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		memes, ok := likedMemes(w, r, store)
		if !ok {
			return
		}
		render.JSON(w, r, Stats{Likes: len(memes), Level: len(memes) / likesPerLevel})
	}
}

// likedMemes returns the memes the caller liked that are still visible to them.
func likedMemes(w http.ResponseWriter, r *http.Request, store core.MemeStore) ([]*core.Meme, bool) {
	user := middleware.IdentityFrom(r.Context()).Subject
	ids, err := store.LikedBy(r.Context(), user)
	if err != nil {
		logrus.WithError(err).WithField("user_id", user).Error("Failed to list likes")
		respondError(w, r, http.StatusInternalServerError, "Failed to fetch liked memes")
		return nil, false
	}

	memes := make([]*core.Meme, 0, len(ids))
	for _, id := range ids {
		meme, err := store.Get(r.Context(), id)
		if err != nil {
			logrus.WithError(err).WithField("meme_id", id).Warn("Liked meme unavailable, skipping")
			continue
		}
		if meme.Visible(user) {
			memes = append(memes, meme)
		}
	}
	return memes, true
}

// HandleQR renders a PNG QR code of the meme's URL. ?size= sets the edge
// length in pixels.
func HandleQR(store core.MemeStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meme, ok := visibleMeme(w, r, store)
		if !ok {
			return
		}

		size := defaultQRSize
		if v := r.URL.Query().Get("size"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 64 || n > maxQRSize {
				respondError(w, r, http.StatusBadRequest, "size must be between 64 and 1024")
				return
			}
			size = n
		}

		png, err := qrcode.Encode(meme.URL, qrcode.Medium, size)
		if err != nil {
			logrus.WithError(err).WithField("meme_id", meme.ID).Error("Failed to encode QR code")
			respondError(w, r, http.StatusInternalServerError, "Failed to create QR code")
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.Write(png)
	}
}

// HandleMedia streams the blob stored under the wildcard path.
func HandleMedia(blobs core.BlobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "*")
		if key == "" || strings.Contains(key, "..") {
			respondError(w, r, http.StatusBadRequest, "Invalid media key")
			return
		}

		data, contentType, err := blobs.GetBlob(r.Context(), key)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				http.NotFound(w, r)
				return
			}
			logrus.WithError(err).WithField("blob_key", key).Error("Failed to read blob")
			respondError(w, r, http.StatusInternalServerError, "Failed to read media")
			return
		}
		if contentType == "" {
			contentType = http.DetectContentType(data)
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		w.Write(data)
	}
}
