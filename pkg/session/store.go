// Package session persists conversation histories, one record per session id.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nanoclaw/nanoclaw/pkg/providers"
)

// Store loads and saves whole message lists. Load returns (nil, nil) when the
// session has no record. Save replaces the record entirely.
type Store interface {
	Load(sessionID string) ([]providers.Message, error)
	Save(sessionID string, messages []providers.Message) error
	Delete(sessionID string) error
	List() ([]string, error)
	Close() error
}

// Open returns the store selected by backend ("json" or "sqlite").
func Open(backend, dir, sqlitePath string) (Store, error) {
	switch backend {
	case "", "json":
		return NewJSONStore(dir)
	case "sqlite":
		return OpenSQLiteStore(sqlitePath)
	}
	return nil, fmt.Errorf("unknown session backend %q", backend)
}

// SanitizeSessionKey maps a session id to a safe file name. Anything other
// than letters, digits, '.', '-' and '_' becomes '_', and a changed key gets
// a short hash of the original appended ("telegram:42" ->
// "telegram_42_65d84554") so distinct ids never share a file.
func SanitizeSessionKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" || strings.Trim(out, ".") == "" {
		out = "_" + out
	}
	if out != key {
		sum := sha256.Sum256([]byte(key))
		out += "_" + hex.EncodeToString(sum[:4])
	}
	return out
}

// JSONStore keeps each session as <dir>/<sanitized id>.json holding a JSON
// array of messages.
type JSONStore struct {
	dir string
}

func NewJSONStore(dir string) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &JSONStore{dir: dir}, nil
}

func (s *JSONStore) Dir() string {
	return s.dir
}

func (s *JSONStore) path(sessionID string) string {
	return filepath.Join(s.dir, SanitizeSessionKey(sessionID)+".json")
}

func (s *JSONStore) Load(sessionID string) ([]providers.Message, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var messages []providers.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", sessionID, err)
	}
	return messages, nil
}

// Save writes through a temp file and rename so a crash never leaves a
// half-written record.
func (s *JSONStore) Save(sessionID string, messages []providers.Message) error {
	if messages == nil {
		messages = []providers.Message{}
	}
	data, err := json.MarshalIndent(messages, "", "  ")
	if err != nil {
		return err
	}

	target := s.path(sessionID)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(target)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, target)
}

func (s *JSONStore) Delete(sessionID string) error {
	err := os.Remove(s.path(sessionID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List returns the stored session file names without extension. Ids are
// reported in sanitized form.
func (s *JSONStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *JSONStore) Close() error {
	return nil
}
