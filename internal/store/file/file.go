// Package file persists conversations as one JSON blob per session under
// a user-scoped directory: sessions/{id}.json with mode 0600.
package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/whalelabs/whale/internal/store"
)

// Store is the JSON-file conversation store.
type Store struct {
	dir string
}

// New creates the sessions directory (0700) under dataDir.
func New(dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) Save(c *store.Conversation) error {
	if c.ID == "" {
		return errors.New("conversation id is empty")
	}
	if c.Created.IsZero() {
		c.Created = time.Now()
	}
	c.Updated = time.Now()
	if c.Title == "" {
		c.Title = store.DeriveTitle(c.Messages)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}

	// Atomic replace so a crash mid-write never corrupts the blob.
	tmp, err := os.CreateTemp(s.dir, c.ID+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write conversation: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod conversation: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path(c.ID))
}

func (s *Store) Load(id string) (*store.Conversation, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	var c store.Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return &c, nil
}

func (s *Store) List() ([]store.Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var infos []store.Info
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		c, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue // unreadable blobs are skipped from listings
		}
		infos = append(infos, store.Info{
			ID:           c.ID,
			Title:        c.Title,
			MessageCount: len(c.Messages),
			Created:      c.Created,
			Updated:      c.Updated,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Updated.After(infos[j].Updated) })
	return infos, nil
}

func (s *Store) Delete(id string) error {
	err := os.Remove(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
