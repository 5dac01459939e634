package handlers

import (
	"context"
	"errors"

	"github.com/maheux/kintree/internal/server/dto"
	"github.com/maheux/kintree/internal/storage/treestore"
)

// TreeHandler handles tree document requests.
type TreeHandler struct {
	Svc *Services
}

// NewTreeHandler creates a new tree handler.
func NewTreeHandler(svc *Services) *TreeHandler {
	return &TreeHandler{Svc: svc}
}

// treeErr maps store sentinel errors onto API errors. notFound and invalid
// are the public messages for the respective classes; anything else becomes
// a 500 with failure as its public message and the cause attached.
func treeErr(err error, notFound, invalid, failure string) error {
	switch {
	case errors.Is(err, treestore.ErrNotFound):
		return dto.NotFound(notFound)
	case errors.Is(err, treestore.ErrInvalidInput):
		return dto.BadRequest(invalid)
	default:
		return dto.InternalWithError(failure, err)
	}
}

// Initial returns a tree's person records as a bare array, the shape the
// chart seeds itself from.
func (h *TreeHandler) Initial(ctx context.Context, req *dto.InitialRequest) (*dto.InitialResponse, error) {
	doc, err := h.Svc.Trees.Load(req.TreeID)
	if err != nil {
		return nil, treeErr(err, "Tree not found", "Invalid tree ID", "Failed to load initial data")
	}
	resp := dto.InitialResponse(doc.Data)
	return &resp, nil
}

// ListTrees enumerates all persisted trees.
func (h *TreeHandler) ListTrees(ctx context.Context, req *dto.ListTreesRequest) (*dto.ListTreesResponse, error) {
	trees, err := h.Svc.Trees.ListTrees()
	if err != nil {
		return nil, dto.InternalWithError("Failed to list trees", err)
	}
	return &dto.ListTreesResponse{
		Success: true,
		Trees:   trees,
		Count:   len(trees),
	}, nil
}

// GetTree loads one tree. A tree that was never saved is not an error; it
// comes back as an empty document.
func (h *TreeHandler) GetTree(ctx context.Context, req *dto.GetTreeRequest) (*dto.TreeResponse, error) {
	doc, err := h.Svc.Trees.Load(req.TreeID)
	if err != nil {
		return nil, treeErr(err, "Tree not found", "Invalid tree ID", "Failed to load tree data")
	}
	return &dto.TreeResponse{
		Success:      true,
		TreeID:       doc.TreeID,
		Data:         doc.Data,
		Metadata:     doc.Metadata,
		LastModified: doc.LastModified,
	}, nil
}

// SaveTree performs a full save with a backup of the previous state.
func (h *TreeHandler) SaveTree(ctx context.Context, req *dto.SaveTreeRequest) (*dto.SaveTreeResponse, error) {
	result, err := h.Svc.Trees.Save(req.TreeID, req.Data, req.Metadata)
	if err != nil {
		return nil, treeErr(err, "Tree not found", "Invalid tree ID", "Failed to save tree data")
	}
	return &dto.SaveTreeResponse{
		Success:       true,
		TreeID:        req.TreeID,
		Message:       "Tree data saved successfully",
		Metadata:      result.Document.Metadata,
		LastModified:  result.Document.LastModified,
		BackupCreated: result.BackupCreated,
	}, nil
}

// AutoSaveTree overwrites the live file without touching the backup history.
func (h *TreeHandler) AutoSaveTree(ctx context.Context, req *dto.AutoSaveTreeRequest) (*dto.AutoSaveTreeResponse, error) {
	doc, err := h.Svc.Trees.Autosave(req.TreeID, req.Data)
	if err != nil {
		return nil, treeErr(err, "Tree not found", "Invalid tree ID", "Failed to auto-save tree data")
	}
	return &dto.AutoSaveTreeResponse{
		Success:       true,
		TreeID:        req.TreeID,
		Message:       "Tree data auto-saved",
		LastModified:  doc.LastModified,
		BackupCreated: false,
	}, nil
}

// DeleteTree deletes a tree after snapshotting it into the backup history.
func (h *TreeHandler) DeleteTree(ctx context.Context, req *dto.DeleteTreeRequest) (*dto.DeleteTreeResponse, error) {
	if err := h.Svc.Trees.Delete(req.TreeID); err != nil {
		return nil, treeErr(err, "Tree not found", "Invalid tree ID", "Failed to delete tree")
	}
	return &dto.DeleteTreeResponse{
		Success:       true,
		TreeID:        req.TreeID,
		Message:       "Tree deleted successfully",
		BackupCreated: true,
	}, nil
}

// ListBackups enumerates a tree's backups, most recent first.
func (h *TreeHandler) ListBackups(ctx context.Context, req *dto.ListBackupsRequest) (*dto.ListBackupsResponse, error) {
	backups, err := h.Svc.Trees.ListBackups(req.TreeID)
	if err != nil {
		return nil, treeErr(err, "Tree not found", "Invalid tree ID", "Failed to list backups")
	}
	out := make([]dto.Backup, len(backups))
	for i, b := range backups {
		out[i] = dto.Backup{
			Filename:  b.Filename,
			Timestamp: b.Timestamp,
			HumanDate: b.HumanDate,
		}
	}
	return &dto.ListBackupsResponse{
		Success: true,
		TreeID:  req.TreeID,
		Backups: out,
		Count:   len(out),
	}, nil
}

// Restore replaces the live document with a named backup's contents.
func (h *TreeHandler) Restore(ctx context.Context, req *dto.RestoreRequest) (*dto.RestoreResponse, error) {
	doc, err := h.Svc.Trees.Restore(req.TreeID, req.BackupFilename)
	if err != nil {
		return nil, treeErr(err, "Backup file not found", "Invalid backup file", "Failed to restore backup")
	}
	return &dto.RestoreResponse{
		Success:      true,
		TreeID:       req.TreeID,
		Message:      "Tree restored from backup",
		Data:         doc.Data,
		Metadata:     doc.Metadata,
		LastModified: doc.LastModified,
	}, nil
}
