// Package server implements the HTTP server and routing logic.
package server

import (
	"net/http"
	"time"

	"github.com/maheux/kintree/internal/server/handlers"
	"github.com/maheux/kintree/internal/server/ratelimit"
)

// NewRouter creates and configures the HTTP router.
// API endpoints live under /api/*, uploaded avatars are served at /images/*.
func NewRouter(svc *handlers.Services, cfg *handlers.Config) http.Handler {
	mux := &http.ServeMux{}

	rl := cfg.ServerConfig.RateLimit
	limiter := ratelimit.NewLimiter(rl.Requests, time.Duration(rl.WindowSeconds)*time.Second, rl.Burst)

	hh := handlers.NewHealthHandler(cfg.Version)
	th := handlers.NewTreeHandler(svc)
	ih := handlers.NewImageHandler(svc, cfg)

	// Health check
	mux.Handle("GET /api/health", Wrap(hh.Health, cfg, limiter))

	// Tree endpoints
	mux.Handle("GET /api/initial/{treeId}", Wrap(th.Initial, cfg, limiter))
	mux.Handle("GET /api/trees", Wrap(th.ListTrees, cfg, limiter))
	mux.Handle("GET /api/trees/{treeId}", Wrap(th.GetTree, cfg, limiter))
	mux.Handle("POST /api/trees/{treeId}", Wrap(th.SaveTree, cfg, limiter))
	mux.Handle("PUT /api/trees/{treeId}/autosave", Wrap(th.AutoSaveTree, cfg, limiter))
	mux.Handle("DELETE /api/trees/{treeId}", Wrap(th.DeleteTree, cfg, limiter))

	// Backup endpoints
	mux.Handle("GET /api/trees/{treeId}/backups", Wrap(th.ListBackups, cfg, limiter))
	mux.Handle("POST /api/trees/{treeId}/restore/{backupFilename}", Wrap(th.Restore, cfg, limiter))

	// Image endpoints (multipart upload is a raw handler)
	mux.Handle("POST /api/images/{treeId}/upload", WrapRaw(ih.UploadImageHandler, cfg, limiter))
	mux.Handle("GET /api/images/{treeId}", Wrap(ih.ListImages, cfg, limiter))
	mux.Handle("DELETE /api/images/{treeId}/{filename}", Wrap(ih.DeleteImage, cfg, limiter))

	// File serving (raw avatar bytes)
	mux.HandleFunc("GET /images/{treeId}/{filename}", ih.ServeImageFile)

	// Unmatched routes answer with the failure envelope, echoing the path.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, http.StatusNotFound, "Endpoint not found", "", r.URL.Path)
	})

	return WithLogging(mux)
}
