package dto

import (
	"encoding/json"
	"time"
)

// HealthResponse reports liveness. It keeps the original shape without the
// success field.
type HealthResponse struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// InitialResponse is a tree's raw seed data: the bare legacy array shape.
type InitialResponse []json.RawMessage

// ListTreesResponse enumerates persisted tree IDs.
type ListTreesResponse struct {
	Success bool     `json:"success"`
	Trees   []string `json:"trees"`
	Count   int      `json:"count"`
}

// TreeResponse is a loaded tree document. A tree that was never saved
// comes back with empty data, empty metadata and a null lastModified.
type TreeResponse struct {
	Success      bool              `json:"success"`
	TreeID       string            `json:"treeId"`
	Data         []json.RawMessage `json:"data"`
	Metadata     map[string]any    `json:"metadata"`
	LastModified *time.Time        `json:"lastModified"`
}

// SaveTreeResponse confirms a full save.
type SaveTreeResponse struct {
	Success       bool           `json:"success"`
	TreeID        string         `json:"treeId"`
	Message       string         `json:"message"`
	Metadata      map[string]any `json:"metadata"`
	LastModified  *time.Time     `json:"lastModified"`
	BackupCreated bool           `json:"backupCreated"`
}

// AutoSaveTreeResponse confirms an autosave. BackupCreated is always
// false.
type AutoSaveTreeResponse struct {
	Success       bool       `json:"success"`
	TreeID        string     `json:"treeId"`
	Message       string     `json:"message"`
	LastModified  *time.Time `json:"lastModified"`
	BackupCreated bool       `json:"backupCreated"`
}

// DeleteTreeResponse confirms a deletion.
type DeleteTreeResponse struct {
	Success       bool   `json:"success"`
	TreeID        string `json:"treeId"`
	Message       string `json:"message"`
	BackupCreated bool   `json:"backupCreated"`
}

// Backup describes one backup file in a listing.
type Backup struct {
	Filename  string `json:"filename"`
	Timestamp string `json:"timestamp"`
	HumanDate string `json:"humanDate"`
}

// ListBackupsResponse enumerates a tree's backups, most recent first.
type ListBackupsResponse struct {
	Success bool     `json:"success"`
	TreeID  string   `json:"treeId"`
	Backups []Backup `json:"backups"`
	Count   int      `json:"count"`
}

// RestoreResponse carries the restored document.
type RestoreResponse struct {
	Success      bool              `json:"success"`
	TreeID       string            `json:"treeId"`
	Message      string            `json:"message"`
	Data         []json.RawMessage `json:"data"`
	Metadata     map[string]any    `json:"metadata"`
	LastModified *time.Time        `json:"lastModified"`
}

// UploadImageResponse confirms an avatar upload.
type UploadImageResponse struct {
	Success      bool   `json:"success"`
	ImageURL     string `json:"imageUrl"`
	Filename     string `json:"filename"`
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size"`
}

// ImageInfo describes one stored image in a listing.
type ImageInfo struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Path     string `json:"path"`
}

// ListImagesResponse enumerates a tree's images.
type ListImagesResponse struct {
	Success bool        `json:"success"`
	Images  []ImageInfo `json:"images"`
	Count   int         `json:"count"`
}

// DeleteImageResponse confirms an image deletion.
type DeleteImageResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Filename string `json:"filename"`
}
