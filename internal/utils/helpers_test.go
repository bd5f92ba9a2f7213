package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDir_Creates(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "c")
	result, err := EnsureDir(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, result)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestEnsureDir_ExistingDir(t *testing.T) {
	dir := t.TempDir()
	result, err := EnsureDir(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, result)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "data"), ExpandHome("~/data"))
	assert.Equal(t, home, ExpandHome("~"))
	assert.Equal(t, "/var/lib/x", ExpandHome("/var/lib/x"))
	assert.Equal(t, "~other/x", ExpandHome("~other/x"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", Truncate("hello", 10, "..."))
	assert.Equal(t, "hello", Truncate("hello", 5, "..."))
	assert.Equal(t, "he...", Truncate("hello world", 5, "..."))
	assert.Equal(t, "hello…", Truncate("hello world", 6, "…"))
}

func TestTruncate_MultiByte(t *testing.T) {
	got := Truncate("héllo wörld, ça va?", 8, "...")
	assert.Equal(t, "héllo...", got)
	assert.Equal(t, "日本...", Truncate("日本語のテキスト", 5, ""))
}

func TestSingleLine(t *testing.T) {
	assert.Equal(t, "a b c", SingleLine("a\n b\t\tc  "))
	assert.Equal(t, "", SingleLine(" \n "))
}
