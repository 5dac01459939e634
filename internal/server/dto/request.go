package dto

import "encoding/json"

// Validatable is implemented by every request type so the handler wrapper
// can reject bad input before the handler runs.
type Validatable interface {
	Validate() error
}

// validTreeID mirrors the store's rule: tree IDs double as filename stems.
func validTreeID(treeID string) error {
	if treeID == "" {
		return BadRequest("Tree ID is required")
	}
	for _, r := range treeID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return BadRequest("Tree ID contains unsafe characters")
		}
	}
	return nil
}

// HealthRequest is the empty health check request.
type HealthRequest struct{}

// Validate implements Validatable.
func (r *HealthRequest) Validate() error { return nil }

// InitialRequest asks for a tree's raw seed data.
type InitialRequest struct {
	TreeID string `path:"treeId"`
}

// Validate implements Validatable.
func (r *InitialRequest) Validate() error { return validTreeID(r.TreeID) }

// ListTreesRequest enumerates all trees.
type ListTreesRequest struct{}

// Validate implements Validatable.
func (r *ListTreesRequest) Validate() error { return nil }

// GetTreeRequest loads one tree.
type GetTreeRequest struct {
	TreeID string `path:"treeId"`
}

// Validate implements Validatable.
func (r *GetTreeRequest) Validate() error { return validTreeID(r.TreeID) }

// SaveTreeRequest performs a full, backed-up save.
type SaveTreeRequest struct {
	TreeID   string            `path:"treeId"`
	Data     []json.RawMessage `json:"data"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// Validate implements Validatable.
func (r *SaveTreeRequest) Validate() error { return validTreeID(r.TreeID) }

// AutoSaveTreeRequest performs a frequent, un-backed-up save.
type AutoSaveTreeRequest struct {
	TreeID string            `path:"treeId"`
	Data   []json.RawMessage `json:"data"`
}

// Validate implements Validatable.
func (r *AutoSaveTreeRequest) Validate() error { return validTreeID(r.TreeID) }

// DeleteTreeRequest deletes a tree after a final backup.
type DeleteTreeRequest struct {
	TreeID string `path:"treeId"`
}

// Validate implements Validatable.
func (r *DeleteTreeRequest) Validate() error { return validTreeID(r.TreeID) }

// ListBackupsRequest enumerates a tree's backups.
type ListBackupsRequest struct {
	TreeID string `path:"treeId"`
}

// Validate implements Validatable.
func (r *ListBackupsRequest) Validate() error { return validTreeID(r.TreeID) }

// RestoreRequest restores a tree from one of its backups.
type RestoreRequest struct {
	TreeID         string `path:"treeId"`
	BackupFilename string `path:"backupFilename"`
}

// Validate implements Validatable.
func (r *RestoreRequest) Validate() error {
	if err := validTreeID(r.TreeID); err != nil {
		return err
	}
	if r.BackupFilename == "" {
		return BadRequest("Backup filename is required")
	}
	return nil
}

// ListImagesRequest enumerates a tree's uploaded images.
type ListImagesRequest struct {
	TreeID string `path:"treeId"`
}

// Validate implements Validatable.
func (r *ListImagesRequest) Validate() error { return validTreeID(r.TreeID) }

// DeleteImageRequest deletes one uploaded image.
type DeleteImageRequest struct {
	TreeID   string `path:"treeId"`
	Filename string `path:"filename"`
}

// Validate implements Validatable.
func (r *DeleteImageRequest) Validate() error {
	if err := validTreeID(r.TreeID); err != nil {
		return err
	}
	if r.Filename == "" {
		return BadRequest("Filename is required")
	}
	return nil
}
