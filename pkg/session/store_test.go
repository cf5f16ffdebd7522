package session

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanoclaw/nanoclaw/pkg/providers"
)

func sampleHistory() []providers.Message {
	return []providers.Message{
		{Role: providers.RoleSystem, Content: "You are helpful."},
		{Role: providers.RoleUser, Content: "list files"},
		{
			Role: providers.RoleAssistant,
			ToolCalls: []providers.ToolCall{{
				ID:       "call_1",
				Type:     "function",
				Function: providers.FunctionCall{Name: "shell", Arguments: `{"command":"ls"}`},
			}},
		},
		{Role: providers.RoleTool, Content: "a.txt\nb.txt", ToolCallID: "call_1", Name: "shell"},
		{Role: providers.RoleAssistant, Content: "Two files."},
	}
}

func TestSanitizeSessionKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"telegram:123456", "telegram_123456_8fdd794b"},
		{"cli:default", "cli_default_41308070"},
		{"subagent:abc-def", "subagent_abc-def_203bd2cd"},
		{"../../etc/passwd", ".._.._etc_passwd_3754d6cb"},
		{"a/b\\c", "a_b_c_7e65aa1c"},
		{"", "__e3b0c442"},
		{"..", "_.._5ec1f7e7"},
		{"plain.key_1", "plain.key_1"},
		{"telegram_42", "telegram_42"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeSessionKey(tt.in), tt.in)
	}
}

func TestJSONStore_DistinctKeysDoNotCollide(t *testing.T) {
	store, err := NewJSONStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save("telegram:42", []providers.Message{{Role: providers.RoleUser, Content: "colon"}}))
	require.NoError(t, store.Save("telegram_42", []providers.Message{{Role: providers.RoleUser, Content: "underscore"}}))

	got, err := store.Load("telegram:42")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "colon", got[0].Content)

	got, err = store.Load("telegram_42")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "underscore", got[0].Content)

	ids, err := store.List()
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	js, err := NewJSONStore(filepath.Join(t.TempDir(), "memory"))
	require.NoError(t, err)
	ss, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "db", "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ss.Close() })
	return map[string]Store{"json": js, "sqlite": ss}
}

func TestStore_RoundTrip(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			msgs, err := store.Load("telegram:42")
			require.NoError(t, err)
			assert.Nil(t, msgs, "unknown session has no record")

			want := sampleHistory()
			require.NoError(t, store.Save("telegram:42", want))

			got, err := store.Load("telegram:42")
			require.NoError(t, err)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("loaded history mismatch (-want +got):\n%s", diff)
			}

			// Save replaces, never appends.
			require.NoError(t, store.Save("telegram:42", want[:2]))
			got, err = store.Load("telegram:42")
			require.NoError(t, err)
			assert.Len(t, got, 2)
		})
	}
}

func TestStore_EmptyHistoryIsStoredAsEmptyList(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Save("s", nil))
			got, err := store.Load("s")
			require.NoError(t, err)
			assert.NotNil(t, got)
			assert.Empty(t, got)
		})
	}
}

func TestStore_DeleteAndList(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Save("b", sampleHistory()))
			require.NoError(t, store.Save("a", sampleHistory()))

			ids, err := store.List()
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, ids)

			require.NoError(t, store.Delete("a"))
			require.NoError(t, store.Delete("never-existed"))

			ids, err = store.List()
			require.NoError(t, err)
			assert.Equal(t, []string{"b"}, ids)

			got, err := store.Load("a")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestStore_ConcurrentSavesToDistinctSessions(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for _, id := range []string{"s1", "s2", "s3", "s4"} {
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					for i := 0; i < 5; i++ {
						assert.NoError(t, store.Save(id, sampleHistory()))
					}
				}(id)
			}
			wg.Wait()

			ids, err := store.List()
			require.NoError(t, err)
			assert.Len(t, ids, 4)
		})
	}
}

func TestJSONStore_FileLayout(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Save("cli:default", sampleHistory()[:1]))

	data, err := os.ReadFile(filepath.Join(dir, "cli_default_41308070.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"role": "system"`)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestJSONStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{oops"), 0644))

	_, err = store.Load("bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse session bad")
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open("json", filepath.Join(dir, "m"), "")
	require.NoError(t, err)
	assert.IsType(t, &JSONStore{}, s)

	s, err = Open("sqlite", "", filepath.Join(dir, "s.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open("redis", dir, "")
	require.Error(t, err)
}
