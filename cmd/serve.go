package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	socketio "github.com/zishang520/socket.io/v2/socket"

	"github.com/soham-khedkar/humourhub/compositor"
	"github.com/soham-khedkar/humourhub/core"
	"github.com/soham-khedkar/humourhub/editor"
	"github.com/soham-khedkar/humourhub/gateway"
	"github.com/soham-khedkar/humourhub/handlers/api/memes"
	"github.com/soham-khedkar/humourhub/handlers/api/sessions"
	"github.com/soham-khedkar/humourhub/handlers/auth"
	"github.com/soham-khedkar/humourhub/handlers/websocket"
	authMiddleware "github.com/soham-khedkar/humourhub/middleware"
	"github.com/soham-khedkar/humourhub/stores"
)

// app holds everything the router serves.
type app struct {
	store    stores.Store
	auth     *auth.Service
	gateway  *gateway.Service
	uploader gateway.Uploader
	registry *editor.Registry
	hub      *websocket.Hub
	origin   string
}

type appConfig struct {
	publicBaseURL string
	editorOrigin  string
	fontDir       string
	retries       int
}

func configFromEnv() appConfig {
	return appConfig{
		publicBaseURL: os.Getenv("PUBLIC_BASE_URL"),
		editorOrigin:  os.Getenv("EDITOR_ORIGIN"),
		fontDir:       os.Getenv("FONT_DIR"),
	}
}

// newApp wires the stores, gateway and editor together. notifier receives
// every controller notification.
func newApp(store stores.Store, authService *auth.Service, cfg appConfig, notifier editor.Notifier) (*app, error) {
	fonts, err := compositor.NewFontBook(cfg.fontDir)
	if err != nil {
		return nil, err
	}

	gw := gateway.NewService(store, store, cfg.publicBaseURL)
	var uploader gateway.Uploader = gw
	if cfg.retries > 1 {
		uploader = gateway.Retrying{Next: gw, Attempts: cfg.retries, Backoff: 500 * time.Millisecond}
	}

	fetcher := compositor.BlobFetcher{
		Blobs:  store,
		Prefix: gw.MediaURL(""),
		Next:   compositor.NewHTTPFetcher(cfg.editorOrigin),
	}
	registry := editor.NewRegistry(func(owner core.Identity) *editor.Controller {
		return editor.NewController(owner, compositor.NewSurface(fetcher, fonts), uploader, notifier)
	})

	return &app{
		store:    store,
		auth:     authService,
		gateway:  gw,
		uploader: uploader,
		registry: registry,
		hub:      websocket.NewHub(registry, authService),
		origin:   cfg.editorOrigin,
	}, nil
}

func (a *app) allowedOrigins() []string {
	if a.origin != "" {
		return []string{a.origin}
	}
	return []string{"https://*", "http://*"}
}

func setupRouter(a *app) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.allowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length", "X-CSRF-Token", "Origin", "X-Requested-With"},
		ExposedHeaders:   []string{"X-Revision"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))

	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logrus.WithError(err).Error("Unable to write healthcheck")
		}
	})

	r.Route("/api/v2", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.OptionalAuth(a.auth))
			r.Get("/memes", memes.HandleList(a.store))
			r.Get("/memes/{id}", memes.HandleGet(a.store))
			r.Get("/memes/{id}/qr", memes.HandleQR(a.store))
		})

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.AuthJWT(a.auth))
			r.Post("/memes", memes.HandleUpload(a.uploader))
			r.Delete("/memes/{id}", memes.HandleDelete(a.gateway))
			r.Post("/memes/{id}/like", memes.HandleLike(a.store, true))
			r.Delete("/memes/{id}/like", memes.HandleLike(a.store, false))
			r.Get("/me/likes", memes.HandleLiked(a.store))
			r.Get("/me/stats", memes.HandleStats(a.store))

			r.Route("/editor", func(r chi.Router) {
				r.Get("/", sessions.HandleSnapshot(a.registry))
				r.Delete("/", sessions.HandleClose(a.registry))
				r.Post("/source", sessions.HandleSelectSource(a.registry, a.store))
				r.Post("/layers", sessions.HandleAddLayer(a.registry))
				r.Route("/layers/{id}", func(r chi.Router) {
					r.Patch("/", sessions.HandleUpdateLayer(a.registry))
					r.Delete("/", sessions.HandleDeleteLayer(a.registry))
					r.Post("/move", sessions.HandleMoveLayer(a.registry))
				})
				r.Put("/selection", sessions.HandleSelectLayer(a.registry))
				r.Put("/visibility", sessions.HandleVisibility(a.registry))
				r.Get("/preview", sessions.HandlePreview(a.registry))
				r.Post("/save", sessions.HandleSave(a.registry))
			})
		})
	})

	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", a.auth.HandleLogin)
		r.Get("/callback", a.auth.HandleCallback)
	})

	r.Get("/media/*", memes.HandleMedia(a.store))

	return r
}

func newServeCmd() *cobra.Command {
	var (
		listenAddress string
		retries       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the humourhub API and editor server",
		Example: `  # Serve on the default address with in-memory storage
  humourhub serve

  # Persist to SQLite and retry failed uploads
  STORAGE_TYPE=sqlite humourhub serve --listen :8080 --upload-retries 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := stores.GetStore()
			authService := auth.NewService(cmd.Context(), auth.ConfigFromEnv())

			cfg := configFromEnv()
			cfg.retries = retries

			var ioo *socketio.Server
			toaster := websocket.Toaster{Emit: func(room, event string, payload any) {
				if ioo != nil {
					_ = ioo.To(socketio.Room(room)).Emit(event, payload)
				}
			}}

			a, err := newApp(store, authService, cfg, editor.Notifiers(editor.LogNotifier{}, toaster))
			if err != nil {
				return err
			}

			r := setupRouter(a)
			var socketOrigin any = "*"
			if a.origin != "" {
				socketOrigin = a.origin
			}
			ioo = websocket.SetupSocketIO(a.hub, socketOrigin)
			r.Mount("/socket.io/", ioo.ServeHandler(nil))

			server := &http.Server{
				Addr:    listenAddress,
				Handler: r,
			}

			serverErr := make(chan error, 1)
			go func() {
				logrus.WithField("addr", listenAddress).Info("starting server")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()

			select {
			case <-cmd.Context().Done():
				logrus.Info("Shutting down...")
				ioo.Close(nil)
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					logrus.WithError(err).Error("Server shutdown failed")
					return err
				}
				if closer, ok := store.(interface{ Close() error }); ok {
					if err := closer.Close(); err != nil {
						logrus.WithError(err).Warn("Failed to close store")
					}
				}
				logrus.Info("Server stopped")
				return nil
			case err := <-serverErr:
				logrus.WithField("event", "start server").WithError(err).Error("Server failed")
				return err
			}
		},
	}

	cmd.Flags().StringVar(&listenAddress, "listen", ":3002", "The address to listen on.")
	cmd.Flags().IntVar(&retries, "upload-retries", 1, "Attempts per upload when storage fails.")

	return cmd
}
