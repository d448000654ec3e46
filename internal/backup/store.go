// Package backup keeps on-disk checkpoints of the tree.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/makfc/sidewise/internal/tree"
)

var uuidRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// ErrNotFound is returned for unknown checkpoint ids.
var ErrNotFound = errors.New("checkpoint not found")

const (
	treeSuffix = ".tree.json"
	metaSuffix = ".json"
)

// Meta describes a stored checkpoint.
type Meta struct {
	ID        string    `json:"id"`
	Reason    string    `json:"reason"`
	Windows   int       `json:"windows"`
	Pages     int       `json:"pages"`
	Archived  int       `json:"archived"`
	SizeBytes int       `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Source produces the tree dump to persist. It is called from Checkpoint,
// so it must be safe on the caller's goroutine.
type Source func() tree.Dump

// Store manages checkpoint files on disk. Each checkpoint is a tree dump
// plus a metadata sidecar.
type Store struct {
	dir    string
	source Source
	keep   int
	now    func() time.Time
	mu     sync.RWMutex
}

// NewStore creates a Store and ensures the directory exists. keep bounds
// the number of retained checkpoints; zero keeps everything.
func NewStore(dir string, source Source, keep int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint store: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir, source: source, keep: keep, now: time.Now}, nil
}

func (s *Store) validateID(id string) error {
	if !uuidRe.MatchString(id) {
		return fmt.Errorf("invalid checkpoint id: %q", id)
	}
	return nil
}

// HasCheckpoint reports whether at least one checkpoint is on disk.
func (s *Store) HasCheckpoint() bool {
	metas, err := s.List()
	return err == nil && len(metas) > 0
}

// Checkpoint dumps the tree through the configured source and saves it.
func (s *Store) Checkpoint(ctx context.Context, reason string) error {
	if s.source == nil {
		return errors.New("checkpoint store: no tree source")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	meta, err := s.Save(s.source(), reason)
	if err != nil {
		return err
	}
	slog.Info("checkpoint saved", "id", meta.ID, "reason", reason, "pages", meta.Pages)
	return nil
}

// Save writes the dump and its metadata sidecar and returns the metadata.
func (s *Store) Save(d tree.Dump, reason string) (Meta, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return Meta{}, fmt.Errorf("checkpoint store: marshal tree: %w", err)
	}
	meta := Meta{
		ID:        uuid.NewString(),
		Reason:    reason,
		Windows:   len(d.Windows),
		Archived:  len(d.Archived),
		SizeBytes: len(data),
		CreatedAt: s.now().UTC(),
	}
	for _, w := range d.Windows {
		meta.Pages += countPages(w.Children)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	treePath := filepath.Join(s.dir, meta.ID+treeSuffix)
	jsonPath := filepath.Join(s.dir, meta.ID+metaSuffix)

	if err := os.WriteFile(treePath, data, 0o644); err != nil {
		return Meta{}, fmt.Errorf("checkpoint store: write tree: %w", err)
	}

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		_ = os.Remove(treePath)
		return Meta{}, fmt.Errorf("checkpoint store: marshal meta: %w", err)
	}
	if err := os.WriteFile(jsonPath, metaBytes, 0o644); err != nil {
		_ = os.Remove(treePath)
		return Meta{}, fmt.Errorf("checkpoint store: write meta: %w", err)
	}

	s.pruneLocked()
	return meta, nil
}

func countPages(nodes []tree.DumpNode) int {
	n := 0
	for _, c := range nodes {
		if c.Kind == tree.KindPage {
			n++
		}
		n += countPages(c.Children)
	}
	return n
}

// Get reads checkpoint metadata by ID.
func (s *Store) Get(id string) (Meta, error) {
	if err := s.validateID(id); err != nil {
		return Meta{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readMeta(filepath.Join(s.dir, id+metaSuffix), id)
}

func (s *Store) readMeta(path, id string) (Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Meta{}, fmt.Errorf("checkpoint store: read meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("checkpoint store: unmarshal meta: %w", err)
	}
	return meta, nil
}

// List returns all checkpoints sorted by creation time (newest first).
func (s *Store) List() ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked()
}

func (s *Store) listLocked() ([]Meta, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+metaSuffix))
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: glob: %w", err)
	}

	metas := make([]Meta, 0, len(matches))
	for _, path := range matches {
		if strings.HasSuffix(path, treeSuffix) {
			continue
		}
		meta, err := s.readMeta(path, filepath.Base(path))
		if err != nil {
			slog.Debug("skipping unreadable checkpoint meta", "path", path, "error", err)
			continue
		}
		metas = append(metas, meta)
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
	return metas, nil
}

// Load reads the tree dump of a checkpoint.
func (s *Store) Load(id string) (tree.Dump, error) {
	if _, err := s.Get(id); err != nil {
		return tree.Dump{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.dir, id+treeSuffix))
	if err != nil {
		if os.IsNotExist(err) {
			return tree.Dump{}, fmt.Errorf("%w: tree data for %s", ErrNotFound, id)
		}
		return tree.Dump{}, fmt.Errorf("checkpoint store: read tree: %w", err)
	}
	var d tree.Dump
	if err := json.Unmarshal(data, &d); err != nil {
		return tree.Dump{}, fmt.Errorf("checkpoint store: unmarshal tree: %w", err)
	}
	return d, nil
}

// Latest loads the newest checkpoint. It returns ErrNotFound when the
// store is empty.
func (s *Store) Latest() (Meta, tree.Dump, error) {
	metas, err := s.List()
	if err != nil {
		return Meta{}, tree.Dump{}, err
	}
	for _, m := range metas {
		d, err := s.Load(m.ID)
		if err != nil {
			slog.Warn("checkpoint unreadable, trying older", "id", m.ID, "error", err)
			continue
		}
		return m, d, nil
	}
	return Meta{}, tree.Dump{}, ErrNotFound
}

// Delete removes both the tree and metadata files.
func (s *Store) Delete(id string) error {
	if _, err := s.Get(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
	return nil
}

func (s *Store) removeLocked(id string) {
	if err := os.Remove(filepath.Join(s.dir, id+treeSuffix)); err != nil {
		slog.Debug("checkpoint tree cleanup failed", "id", id, "error", err)
	}
	if err := os.Remove(filepath.Join(s.dir, id+metaSuffix)); err != nil {
		slog.Debug("checkpoint meta cleanup failed", "id", id, "error", err)
	}
}

func (s *Store) pruneLocked() {
	if s.keep <= 0 {
		return
	}
	metas, err := s.listLocked()
	if err != nil || len(metas) <= s.keep {
		return
	}
	for _, m := range metas[s.keep:] {
		s.removeLocked(m.ID)
	}
}
