package farm

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	A string `json:"a"`
	B int    `json:"b"`
}

func TestWriteJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "value.json")

	require.NoError(t, WriteJSON(path, sample{A: "x", B: 7}))
	assert.True(t, PathExists(path))
	assert.False(t, PathExists(path+".tmp"))

	var got sample
	require.True(t, SafeReadJSON(path, &got))
	assert.Equal(t, sample{A: "x", B: 7}, got)
}

func TestSafeReadJSONMissingOrCorrupt(t *testing.T) {
	dir := t.TempDir()
	var out sample
	assert.False(t, SafeReadJSON(filepath.Join(dir, "missing.json"), &out))

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, WriteText(corrupt, "{not json"))
	assert.False(t, SafeReadJSON(corrupt, &out))
}

func TestAppendTextAccumulates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log", "stdout.log")

	require.NoError(t, AppendText(path, "line one\n"))
	require.NoError(t, AppendText(path, "line two\n"))

	got, ok := SafeReadText(path)
	require.True(t, ok)
	assert.Equal(t, "line one\nline two\n", got)
}

func TestPathExists(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, PathExists(filepath.Join(dir, "nope")))
	path := filepath.Join(dir, "here")
	require.NoError(t, WriteText(path, "x"))
	assert.True(t, PathExists(path))
}
