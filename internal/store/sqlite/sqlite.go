// Package sqlite persists conversations in a single sqlite database with
// indexed metadata columns, so listing stays cheap for large histories.
// The document itself is stored as a JSON payload column.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/whalelabs/whale/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	title         TEXT NOT NULL DEFAULT '',
	message_count INTEGER NOT NULL DEFAULT 0,
	model         TEXT NOT NULL DEFAULT '',
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd      REAL NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	payload       BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC);
`

// Store is the sqlite-backed conversation store.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the index database under dataDir.
func New(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "sessions", "index.db")
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

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

	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO conversations (id, title, message_count, model, input_tokens, output_tokens, cost_usd, created_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			message_count = excluded.message_count,
			model = excluded.model,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			cost_usd = excluded.cost_usd,
			updated_at = excluded.updated_at,
			payload = excluded.payload`,
		c.ID, c.Title, len(c.Messages), c.Model, c.InputTokens, c.OutputTokens,
		c.CostUSD, c.Created.UnixMilli(), c.Updated.UnixMilli(), payload)
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

func (s *Store) Load(id string) (*store.Conversation, error) {
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM conversations WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	var c store.Conversation
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return &c, nil
}

func (s *Store) List() ([]store.Info, error) {
	rows, err := s.db.Query(`
		SELECT id, title, message_count, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []store.Info
	for rows.Next() {
		var info store.Info
		var created, updated int64
		if err := rows.Scan(&info.ID, &info.Title, &info.MessageCount, &created, &updated); err != nil {
			return nil, err
		}
		info.Created = time.UnixMilli(created)
		info.Updated = time.UnixMilli(updated)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *Store) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	return err
}
