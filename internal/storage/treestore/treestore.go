// Package treestore implements the file-system persistence layer for tree
// documents.
//
// Each tree is one JSON file named {treeId}.json in the data directory.
// Every full save copies the previous bytes verbatim into a timestamped
// backup file before overwriting, and prunes the backup history to a fixed
// retention count. Autosaves overwrite in place without touching the backup
// history. Deletion and restore both snapshot the live file first, with
// _DELETED_ and _PRE_RESTORE_ tags in the backup filename.
package treestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a tree or backup file does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput is returned for unusable tree IDs or backup filenames.
	ErrInvalidInput = errors.New("invalid input")
)

// Document is a persisted tree. Data is opaque to the store except for the
// per-person avatar field counted into metadata on full saves.
type Document struct {
	TreeID       string            `json:"treeId"`
	Data         []json.RawMessage `json:"data"`
	Metadata     map[string]any    `json:"metadata"`
	LastModified *time.Time        `json:"lastModified"`
}

// BackupInfo describes one backup file of a tree.
type BackupInfo struct {
	Filename  string `json:"filename"`
	Timestamp string `json:"timestamp"`
	HumanDate string `json:"humanDate"`
}

// SaveResult is the outcome of a full save.
type SaveResult struct {
	Document      *Document
	BackupCreated bool
}

// Store owns the tree JSON files and their backup directory.
type Store struct {
	dataDir   string
	backupDir string
	retention int

	// Serializes read-modify-write sequences per store. Files for
	// different trees are independent, but version bumps and backup
	// pruning must not interleave.
	mu sync.Mutex

	now func() time.Time
}

// New creates a Store rooted at dataDir with backups in backupDir, keeping
// the retention most recent backups per tree. Both directories are created
// if missing.
func New(dataDir, backupDir string, retention int) (*Store, error) {
	if retention < 1 {
		return nil, fmt.Errorf("%w: retention must be at least 1", ErrInvalidInput)
	}
	for _, dir := range []string{dataDir, backupDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return &Store{
		dataDir:   dataDir,
		backupDir: backupDir,
		retention: retention,
		now:       time.Now,
	}, nil
}

// ListTrees returns the IDs of all persisted trees, derived from filenames.
func (s *Store) ListTrees() ([]string, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list trees: %w", err)
	}
	trees := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		trees = append(trees, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(trees)
	return trees, nil
}

// Load reads a tree. A missing file is not an error: it yields an empty
// document with no metadata and a nil LastModified.
func (s *Store) Load(treeID string) (*Document, error) {
	if err := validateTreeID(treeID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.treeFile(treeID)) //nolint:gosec // G304: treeID is validated filesystem-safe
	if err != nil {
		if os.IsNotExist(err) {
			return emptyDocument(treeID), nil
		}
		return nil, fmt.Errorf("failed to read tree %s: %w", treeID, err)
	}
	doc, err := decodeDocument(treeID, data)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Save performs a full save: backup of the prior bytes, metadata merge with
// derived fields, atomic overwrite, then backup pruning. Backup failures are
// logged and never block the save.
func (s *Store) Save(treeID string, data []json.RawMessage, metadata map[string]any) (*SaveResult, error) {
	if err := validateTreeID(treeID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	backupCreated := s.backupCurrent(treeID, backupName(treeID, "", now))

	merged := make(map[string]any, len(metadata)+3)
	for k, v := range metadata {
		merged[k] = v
	}
	merged["savedAt"] = now.Format(time.RFC3339)
	merged["version"] = priorVersion(metadata) + 1
	merged["imageCount"] = countAvatars(data)

	doc := &Document{
		TreeID:       treeID,
		Data:         normalizeData(data),
		Metadata:     merged,
		LastModified: &now,
	}
	if err := s.writeDocument(treeID, doc); err != nil {
		return nil, err
	}

	s.pruneBackups(treeID)

	slog.Info("Saved tree", "treeId", treeID, "people", len(doc.Data), "version", merged["version"], "backupCreated", backupCreated)
	return &SaveResult{Document: doc, BackupCreated: backupCreated}, nil
}

// Autosave overwrites the tree with new data, carrying over any existing
// metadata and stamping autoSavedAt. No backup is made and nothing is
// pruned.
func (s *Store) Autosave(treeID string, data []json.RawMessage) (*Document, error) {
	if err := validateTreeID(treeID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	metadata := map[string]any{}
	if raw, err := os.ReadFile(s.treeFile(treeID)); err == nil { //nolint:gosec // G304: treeID is validated filesystem-safe
		if existing, err := decodeDocument(treeID, raw); err == nil {
			metadata = existing.Metadata
		}
	}

	now := s.now().UTC()
	metadata["autoSavedAt"] = now.Format(time.RFC3339)

	doc := &Document{
		TreeID:       treeID,
		Data:         normalizeData(data),
		Metadata:     metadata,
		LastModified: &now,
	}
	if err := s.writeDocument(treeID, doc); err != nil {
		return nil, err
	}

	slog.Debug("Auto-saved tree", "treeId", treeID, "people", len(doc.Data))
	return doc, nil
}

// Delete snapshots the live file into a _DELETED_ backup, then removes it.
// Returns ErrNotFound when no live file exists.
func (s *Store) Delete(treeID string) error {
	if err := validateTreeID(treeID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.treeFile(treeID)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("tree %s: %w", treeID, ErrNotFound)
		}
		return fmt.Errorf("failed to stat tree %s: %w", treeID, err)
	}

	s.backupCurrent(treeID, backupName(treeID, "DELETED", s.now().UTC()))

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("tree %s: %w", treeID, ErrNotFound)
		}
		return fmt.Errorf("failed to delete tree %s: %w", treeID, err)
	}
	slog.Info("Deleted tree", "treeId", treeID)
	return nil
}

// ListBackups returns this tree's backups, most recent first.
func (s *Store) ListBackups(treeID string) ([]BackupInfo, error) {
	if err := validateTreeID(treeID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	prefix := treeID + "_"
	backups := []BackupInfo{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		ts := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")
		if !validBackupSuffix(ts) {
			// Belongs to another tree whose ID extends this one, e.g.
			// A_B's backups under prefix A_.
			continue
		}
		backups = append(backups, BackupInfo{
			Filename:  name,
			Timestamp: ts,
			HumanDate: humanDate(ts),
		})
	}
	// Timestamps are ISO-derived with colon and period replaced by hyphen,
	// so lexicographic order is chronological.
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp > backups[j].Timestamp
	})
	return backups, nil
}

// Restore replaces the live document with the contents of the named backup.
// The current live state is snapshotted into a _PRE_RESTORE_ backup first
// (best effort). The restored metadata is stamped with restoredAt and
// restoredFrom.
func (s *Store) Restore(treeID, backupFilename string) (*Document, error) {
	if err := validateTreeID(treeID); err != nil {
		return nil, err
	}
	if err := validateBackupFilename(treeID, backupFilename); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(filepath.Join(s.backupDir, backupFilename)) //nolint:gosec // G304: filename is validated against the treeID
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("backup %s: %w", backupFilename, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read backup %s: %w", backupFilename, err)
	}
	doc, err := decodeDocument(treeID, raw)
	if err != nil {
		return nil, err
	}

	s.backupCurrent(treeID, backupName(treeID, "PRE_RESTORE", s.now().UTC()))

	now := s.now().UTC()
	doc.Metadata["restoredAt"] = now.Format(time.RFC3339)
	doc.Metadata["restoredFrom"] = backupFilename
	doc.LastModified = &now

	if err := s.writeDocument(treeID, doc); err != nil {
		return nil, err
	}
	slog.Info("Restored tree", "treeId", treeID, "backup", backupFilename)
	return doc, nil
}

// backupCurrent copies the live file's bytes verbatim to name in the backup
// directory. A missing live file or a copy failure never fails the caller;
// failures other than not-exist are logged.
func (s *Store) backupCurrent(treeID, name string) bool {
	raw, err := os.ReadFile(s.treeFile(treeID)) //nolint:gosec // G304: treeID is validated filesystem-safe
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Could not read tree for backup", "treeId", treeID, "err", err)
		}
		return false
	}
	if err := os.WriteFile(filepath.Join(s.backupDir, name), raw, 0o644); err != nil { //nolint:gosec // G306: backups share the data files' permissions
		slog.Warn("Could not create backup", "treeId", treeID, "backup", name, "err", err)
		return false
	}
	slog.Info("Created backup", "backup", name)
	return true
}

// pruneBackups deletes this tree's oldest backups beyond the retention
// count. Failures are logged only.
func (s *Store) pruneBackups(treeID string) {
	backups, err := s.ListBackups(treeID)
	if err != nil {
		slog.Warn("Could not clean old backups", "treeId", treeID, "err", err)
		return
	}
	for _, b := range backups[min(s.retention, len(backups)):] {
		if err := os.Remove(filepath.Join(s.backupDir, b.Filename)); err != nil {
			slog.Warn("Could not delete old backup", "backup", b.Filename, "err", err)
			continue
		}
		slog.Info("Deleted old backup", "backup", b.Filename)
	}
}

// writeDocument writes the document atomically: temp file in the data
// directory, then rename over the live file.
func (s *Store) writeDocument(treeID string, doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tree %s: %w", treeID, err)
	}

	tmp, err := os.CreateTemp(s.dataDir, ".tmp-"+treeID+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write tree %s: %w", treeID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil { //nolint:gosec // G302: data files are world-readable
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.treeFile(treeID)); err != nil {
		return fmt.Errorf("failed to replace tree %s: %w", treeID, err)
	}
	return nil
}

func (s *Store) treeFile(treeID string) string {
	return filepath.Join(s.dataDir, treeID+".json")
}

// decodeDocument is the single place that understands both document shapes:
// the legacy bare array of person records, and the wrapped
// {treeId, data, metadata, lastModified} form.
func decodeDocument(treeID string, raw []byte) (*Document, error) {
	trimmed := strings.TrimLeftFunc(string(raw), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if strings.HasPrefix(trimmed, "[") {
		var data []json.RawMessage
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("tree %s is not valid JSON: %w", treeID, err)
		}
		return &Document{TreeID: treeID, Data: normalizeData(data), Metadata: map[string]any{}}, nil
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("tree %s is not valid JSON: %w", treeID, err)
	}
	doc.TreeID = treeID
	doc.Data = normalizeData(doc.Data)
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}
	return &doc, nil
}

func emptyDocument(treeID string) *Document {
	return &Document{TreeID: treeID, Data: []json.RawMessage{}, Metadata: map[string]any{}}
}

// normalizeData guarantees a non-nil slice so an empty tree serializes as
// [] rather than null.
func normalizeData(data []json.RawMessage) []json.RawMessage {
	if data == nil {
		return []json.RawMessage{}
	}
	return data
}

// priorVersion extracts the numeric version from caller metadata. JSON
// decoding yields float64; callers constructing metadata in Go may use int.
func priorVersion(metadata map[string]any) int {
	switch v := metadata["version"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return 0
}

// countAvatars counts person records with a non-empty avatar field.
func countAvatars(data []json.RawMessage) int {
	count := 0
	for _, raw := range data {
		var person struct {
			Avatar string `json:"avatar"`
		}
		if err := json.Unmarshal(raw, &person); err != nil {
			continue
		}
		if person.Avatar != "" {
			count++
		}
	}
	return count
}

// backupName builds {treeId}_{tag_}{timestamp}.json. The timestamp is the
// ISO instant with colons and periods replaced by hyphens and fractional
// seconds dropped, so filename order matches creation order.
func backupName(treeID, tag string, now time.Time) string {
	ts := now.Format("2006-01-02T15-04-05")
	if tag != "" {
		return fmt.Sprintf("%s_%s_%s.json", treeID, tag, ts)
	}
	return fmt.Sprintf("%s_%s.json", treeID, ts)
}

// stripBackupTag removes the DELETED_ or PRE_RESTORE_ tag, leaving the
// timestamp portion.
func stripBackupTag(ts string) string {
	for _, tag := range []string{"DELETED_", "PRE_RESTORE_"} {
		ts = strings.TrimPrefix(ts, tag)
	}
	return ts
}

// validBackupSuffix reports whether the part after {treeId}_ is an optional
// tag followed by a well-formed timestamp. Tree IDs may contain underscores,
// so a bare prefix match on "A_" would also capture tree "A_B"'s backups;
// requiring the remainder to be tag+timestamp keeps each tree's backup
// namespace to itself.
func validBackupSuffix(ts string) bool {
	_, err := time.Parse("2006-01-02T15-04-05", stripBackupTag(ts))
	return err == nil
}

// humanDate renders a backup timestamp for display, tolerating the
// _DELETED_ and _PRE_RESTORE_ tags in front of the time portion.
func humanDate(ts string) string {
	t, err := time.Parse("2006-01-02T15-04-05", stripBackupTag(ts))
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

// validateTreeID rejects IDs that are unsafe as filename stems.
func validateTreeID(treeID string) error {
	if treeID == "" {
		return fmt.Errorf("%w: tree ID is required", ErrInvalidInput)
	}
	for _, r := range treeID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("%w: tree ID %q contains unsafe characters", ErrInvalidInput, treeID)
		}
	}
	return nil
}

// validateBackupFilename checks that a backup filename belongs to the tree:
// {treeId}_ followed by an optional tag and a timestamp, ending in .json,
// and a single path segment. The suffix check matters because tree IDs may
// contain underscores: tree A must not accept tree A_B's backups.
func validateBackupFilename(treeID, filename string) error {
	if !strings.HasPrefix(filename, treeID+"_") || !strings.HasSuffix(filename, ".json") {
		return fmt.Errorf("%w: backup %q does not belong to tree %q", ErrInvalidInput, filename, treeID)
	}
	if strings.ContainsAny(filename, "/\\") || strings.Contains(filename, "..") {
		return fmt.Errorf("%w: backup filename %q is not a plain filename", ErrInvalidInput, filename)
	}
	ts := strings.TrimSuffix(strings.TrimPrefix(filename, treeID+"_"), ".json")
	if !validBackupSuffix(ts) {
		return fmt.Errorf("%w: backup %q does not belong to tree %q", ErrInvalidInput, filename, treeID)
	}
	return nil
}
