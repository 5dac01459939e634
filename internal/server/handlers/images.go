package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/maheux/kintree/internal/server/dto"
	"github.com/maheux/kintree/internal/storage/imagestore"
)

// ImageHandler handles avatar image requests.
type ImageHandler struct {
	Svc *Services
	Cfg *Config
}

// NewImageHandler creates a new image handler.
func NewImageHandler(svc *Services, cfg *Config) *ImageHandler {
	return &ImageHandler{Svc: svc, Cfg: cfg}
}

// UploadImageHandler handles avatar uploading (multipart/form-data).
// This is a raw http.HandlerFunc because it handles multipart forms.
func (h *ImageHandler) UploadImageHandler(w http.ResponseWriter, r *http.Request) {
	treeID := r.PathValue("treeId")
	req := dto.ListImagesRequest{TreeID: treeID}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}

	maxBytes := h.Cfg.ServerConfig.MaxUploadBytes
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, dto.PayloadTooLarge("File too large"))
			return
		}
		writeError(w, dto.BadRequest("Invalid multipart form"))
		return
	}

	file, header, err := r.FormFile("avatar")
	if err != nil {
		writeError(w, dto.BadRequest("No file uploaded"))
		return
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Error("Failed to close uploaded file", "err", err)
		}
	}()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, dto.InternalWithError("Failed to read uploaded file", err))
		return
	}

	img, err := h.Svc.Images.Upload(treeID, data, header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, imageErr(err, "Image not found", "Only image files are allowed", "Failed to upload image"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	resp := dto.UploadImageResponse{
		Success:      true,
		ImageURL:     img.URL,
		Filename:     img.Filename,
		OriginalName: header.Filename,
		Size:         int64(len(data)),
	}
	if err := json.NewEncoder(w).Encode(&resp); err != nil {
		slog.Error("Failed to encode upload response", "err", err)
	}
}

// ServeImageFile serves a stored avatar file.
func (h *ImageHandler) ServeImageFile(w http.ResponseWriter, r *http.Request) {
	treeID := r.PathValue("treeId")
	filename := r.PathValue("filename")

	path, err := h.Svc.Images.FilePath(treeID, filename)
	if err != nil {
		writeError(w, imageErr(err, "Image not found", "Invalid filename", "Failed to serve image"))
		return
	}
	if _, err := os.Stat(path); err != nil {
		writeError(w, dto.NotFound("Image not found"))
		return
	}
	http.ServeFile(w, r, path)
}

// ListImages enumerates a tree's uploaded avatars.
func (h *ImageHandler) ListImages(ctx context.Context, req *dto.ListImagesRequest) (*dto.ListImagesResponse, error) {
	images, err := h.Svc.Images.List(req.TreeID)
	if err != nil {
		return nil, imageErr(err, "Image not found", "Invalid tree ID", "Failed to list images")
	}
	out := make([]dto.ImageInfo, len(images))
	for i, img := range images {
		out[i] = dto.ImageInfo{
			Filename: img.Filename,
			URL:      img.URL,
			Path:     img.Path,
		}
	}
	return &dto.ListImagesResponse{
		Success: true,
		Images:  out,
		Count:   len(out),
	}, nil
}

// DeleteImage removes one uploaded avatar.
func (h *ImageHandler) DeleteImage(ctx context.Context, req *dto.DeleteImageRequest) (*dto.DeleteImageResponse, error) {
	if err := h.Svc.Images.Delete(req.TreeID, req.Filename); err != nil {
		return nil, imageErr(err, "Image not found", "Invalid filename", "Failed to delete image")
	}
	return &dto.DeleteImageResponse{
		Success:  true,
		Message:  "Image deleted successfully",
		Filename: req.Filename,
	}, nil
}

// imageErr maps image store sentinel errors onto API errors. notFound,
// invalid and failure are the public messages for the respective classes.
func imageErr(err error, notFound, invalid, failure string) error {
	switch {
	case errors.Is(err, imagestore.ErrNotFound):
		return dto.NotFound(notFound)
	case errors.Is(err, imagestore.ErrTooLarge):
		return dto.PayloadTooLarge("File too large")
	case errors.Is(err, imagestore.ErrInvalidInput):
		return dto.BadRequest(invalid)
	default:
		return dto.InternalWithError(failure, err)
	}
}

// writeError writes the failure envelope for raw handlers.
func writeError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError
	public := "Internal server error"
	message := err.Error()

	var ewsErr dto.ErrorWithStatus
	if errors.As(err, &ewsErr) {
		statusCode = ewsErr.StatusCode()
		public = ewsErr.Public()
		message = ""
		if cause := errors.Unwrap(err); cause != nil {
			message = cause.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	resp := dto.ErrorResponse{Success: false, Error: public, Message: message}
	if err := json.NewEncoder(w).Encode(&resp); err != nil {
		slog.Error("Failed to encode error response", "err", err)
	}
}
