package whitelist

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	l := New([]string{"example.com", ".github.io", "LOCALHOST"})

	tests := []struct {
		host string
		want bool
	}{
		{"example.com", true},
		{"www.example.com", true},
		{"a.b.example.com", true},
		{"example.com.", true},
		{"EXAMPLE.COM", true},
		{"notexample.com", false},
		{"example.com.evil.com", false},
		{"pages.github.io", true},
		{"localhost", true},
		{"", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, l.Match(tt.host), "host %q", tt.host)
	}
}

func TestMatchEmptyList(t *testing.T) {
	require.False(t, New(nil).Match("example.com"))
}

func TestLoadParsesComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whitelist.txt")
	content := "# allowed hosts\nexample.com .wikipedia.org # trailing comment\n\n  docs.example.org\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	l, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"example.com", "wikipedia.org", "docs.example.org"}, l.Suffixes())
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	l, err := Load(filepath.Join(t.TempDir(), "nope.txt"))
	require.NoError(t, err)
	require.Empty(t, l.Suffixes())
	require.False(t, l.Match("example.com"))
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "whitelist.txt")
	require.NoError(t, os.WriteFile(path, []byte("example.com\n"), 0o644))

	l, err := Load(path)
	require.NoError(t, err)
	require.True(t, l.Match("example.com"))
	require.False(t, l.Match("wikipedia.org"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, l.Watch(ctx, silentLogger()))

	require.NoError(t, os.WriteFile(path, []byte("wikipedia.org\n"), 0o644))
	waitForCondition(t, 5*time.Second, func() bool { return l.Match("wikipedia.org") })
	require.False(t, l.Match("example.com"))

	// Removing the file empties the list.
	require.NoError(t, os.Remove(path))
	waitForCondition(t, 5*time.Second, func() bool { return !l.Match("wikipedia.org") })
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
