// Package sessions exposes the caller's editor session over HTTP.
package sessions

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"

	"github.com/soham-khedkar/humourhub/compositor"
	"github.com/soham-khedkar/humourhub/core"
	"github.com/soham-khedkar/humourhub/editor"
	"github.com/soham-khedkar/humourhub/gateway"
	"github.com/soham-khedkar/humourhub/middleware"
)

type (
	SelectSourceRequest struct {
		MemeID string `json:"meme_id"`
	}

	SelectLayerRequest struct {
		LayerID string `json:"layer_id"`
	}

	VisibilityRequest struct {
		Public bool `json:"public"`
	}

	// SaveRequest overrides the session's public flag when Public is set.
	SaveRequest struct {
		Public *bool `json:"public,omitempty"`
	}
)

func respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error": message})
}

// respondEditorError maps controller, canvas and gateway failures to HTTP
// statuses.
func respondEditorError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *editor.ValidationError
		load       *compositor.ImageLoadError
		export     *compositor.ExportError
		upload     *gateway.UploadError
	)
	switch {
	case errors.Is(err, editor.ErrUnauthenticated):
		respondError(w, r, http.StatusUnauthorized, "Authentication required")
	case errors.Is(err, editor.ErrNoSession):
		respondError(w, r, http.StatusBadRequest, "Please select a meme first")
	case errors.As(err, &validation):
		respondError(w, r, http.StatusUnprocessableEntity, validation.Error())
	case errors.Is(err, editor.ErrSaveInProgress):
		respondError(w, r, http.StatusConflict, "A save is already in progress")
	case errors.As(err, &load):
		respondError(w, r, http.StatusBadRequest, "Failed to load image")
	case errors.As(err, &upload) && upload.Reason == gateway.ReasonUnauthenticated:
		respondError(w, r, http.StatusUnauthorized, "Authentication required")
	case errors.As(err, &export), errors.As(err, &upload):
		respondError(w, r, http.StatusBadGateway, "Failed to save meme. Please try again.")
	default:
		logrus.WithError(err).Error("Editor operation failed")
		respondError(w, r, http.StatusInternalServerError, "Editor operation failed")
	}
}

func controller(w http.ResponseWriter, r *http.Request, registry *editor.Registry) (*editor.Controller, bool) {
	c, err := registry.Controller(middleware.IdentityFrom(r.Context()))
	if err != nil {
		respondEditorError(w, r, err)
		return nil, false
	}
	return c, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, r, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// HandleSnapshot returns the session state.
func HandleSnapshot(registry *editor.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := controller(w, r, registry)
		if !ok {
			return
		}
		render.JSON(w, r, c.Snapshot())
	}
}

// HandleSelectSource starts a session on a meme the caller can see.
func HandleSelectSource(registry *editor.Registry, memes core.MemeStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := controller(w, r, registry)
		if !ok {
			return
		}
		var req SelectSourceRequest
		if !decode(w, r, &req) {
			return
		}

		meme, err := memes.Get(r.Context(), req.MemeID)
		if err != nil || !meme.Visible(c.Owner().Subject) {
			if err != nil && !errors.Is(err, core.ErrNotFound) {
				logrus.WithError(err).WithField("meme_id", req.MemeID).Error("Failed to get meme")
			}
			respondError(w, r, http.StatusNotFound, "Meme not found")
			return
		}

		if err := c.SelectSource(r.Context(), meme); err != nil {
			respondEditorError(w, r, err)
			return
		}
		render.JSON(w, r, c.Snapshot())
	}
}

// HandleClose discards the session without saving.
func HandleClose(registry *editor.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := registry.Close(middleware.IdentityFrom(r.Context()).Subject); err != nil {
			respondEditorError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func HandleAddLayer(registry *editor.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := controller(w, r, registry)
		if !ok {
			return
		}
		layer, err := c.AddLayer()
		if err != nil {
			respondEditorError(w, r, err)
			return
		}
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, layer)
	}
}

// HandleUpdateLayer applies a partial update to layer {id}.
func HandleUpdateLayer(registry *editor.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := controller(w, r, registry)
		if !ok {
			return
		}
		var patch editor.LayerPatch
		if !decode(w, r, &patch) {
			return
		}
		if err := c.UpdateLayer(chi.URLParam(r, "id"), patch); err != nil {
			respondEditorError(w, r, err)
			return
		}
		render.JSON(w, r, c.Snapshot())
	}
}

// HandleMoveLayer commits the end of a drag.
func HandleMoveLayer(registry *editor.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := controller(w, r, registry)
		if !ok {
			return
		}
		var p core.Point
		if !decode(w, r, &p) {
			return
		}
		if err := c.MoveLayer(chi.URLParam(r, "id"), p); err != nil {
			respondEditorError(w, r, err)
			return
		}
		render.JSON(w, r, c.Snapshot())
	}
}

func HandleDeleteLayer(registry *editor.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := controller(w, r, registry)
		if !ok {
			return
		}
		if err := c.DeleteLayer(chi.URLParam(r, "id")); err != nil {
			respondEditorError(w, r, err)
			return
		}
		render.JSON(w, r, c.Snapshot())
	}
}

// HandleSelectLayer selects a layer, or clears the selection when layer_id
// is empty.
func HandleSelectLayer(registry *editor.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := controller(w, r, registry)
		if !ok {
			return
		}
		var req SelectLayerRequest
		if !decode(w, r, &req) {
			return
		}

		var err error
		if req.LayerID == "" {
			err = c.ClearSelection()
		} else {
			err = c.SelectLayer(req.LayerID)
		}
		if err != nil {
			respondEditorError(w, r, err)
			return
		}
		render.JSON(w, r, c.Snapshot())
	}
}

func HandleVisibility(registry *editor.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := controller(w, r, registry)
		if !ok {
			return
		}
		var req VisibilityRequest
		if !decode(w, r, &req) {
			return
		}
		if err := c.SetPublic(req.Public); err != nil {
			respondEditorError(w, r, err)
			return
		}
		render.JSON(w, r, c.Snapshot())
	}
}

// HandlePreview returns the current render as JPEG with the selected layer
// outlined. The X-Revision header carries the revision it shows.
func HandlePreview(registry *editor.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := controller(w, r, registry)
		if !ok {
			return
		}
		quality := compositor.DefaultQuality
		if v := r.URL.Query().Get("quality"); v != "" {
			q, err := strconv.ParseFloat(v, 64)
			if err != nil {
				respondError(w, r, http.StatusBadRequest, "quality must be a number")
				return
			}
			quality = q
		}

		frame, err := c.Preview(quality)
		if err != nil {
			respondEditorError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Revision", strconv.FormatUint(frame.Revision, 10))
		w.Write(frame.JPEG)
	}
}

// HandleSave renders, exports and uploads the session as a new meme.
func HandleSave(registry *editor.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := controller(w, r, registry)
		if !ok {
			return
		}
		var req SaveRequest
		if r.ContentLength != 0 && !decode(w, r, &req) {
			return
		}
		public := c.Snapshot().Public
		if req.Public != nil {
			public = *req.Public
		}

		meme, err := c.Save(r.Context(), middleware.IdentityFrom(r.Context()), public)
		if err != nil {
			respondEditorError(w, r, err)
			return
		}
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, meme)
	}
}
