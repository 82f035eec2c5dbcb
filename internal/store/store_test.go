// ABOUTME: Tests for the correspondence store
// ABOUTME: Covers origin insert, sibling updates, lookups, and keep_data

package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, platforms ...string) *Store {
	t.Helper()
	if len(platforms) == 0 {
		platforms = []string{"Discord", "Slack"}
	}
	s, err := Open(filepath.Join(t.TempDir(), "hub.db"), platforms, true)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_NoPlatforms(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "hub.db"), nil, true)
	assert.Error(t, err)
}

func TestInsertOriginAndFindRow(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.InsertOrigin("Discord", "a1"))

	row, err := s.FindRow("Discord", "a1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Discord": "a1"}, row)
}

func TestFindRow_Miss(t *testing.T) {
	s := newTestStore(t)

	_, err := s.FindRow("Discord", "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindRow_UnknownPlatform(t *testing.T) {
	s := newTestStore(t)

	_, err := s.FindRow("Matrix", "a1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestSetSibling(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.InsertOrigin("Discord", "a1"))
	require.NoError(t, s.SetSibling("Discord", "a1", "Slack", "1662000000.000100"))

	row, err := s.FindRow("Discord", "a1")
	require.NoError(t, err)
	assert.Equal(t, "1662000000.000100", row["Slack"])

	// The same row is reachable through the sibling column too.
	row, err = s.FindRow("Slack", "1662000000.000100")
	require.NoError(t, err)
	assert.Equal(t, "a1", row["Discord"])
}

func TestSetSibling_NoMatchIsNoOp(t *testing.T) {
	s := newTestStore(t)

	// No row for a0: warn and continue, no row created.
	require.NoError(t, s.SetSibling("Discord", "a0", "Slack", "b0"))

	_, err := s.FindRow("Slack", "b0")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTranslate(t *testing.T) {
	s := newTestStore(t, "Discord", "Slack", "CQHttp")

	require.NoError(t, s.InsertOrigin("Discord", "a1"))
	require.NoError(t, s.SetSibling("Discord", "a1", "Slack", "b1"))

	got, err := s.Translate("Discord", "a1", "Slack")
	require.NoError(t, err)
	assert.Equal(t, "b1", got)

	// Row exists but the CQHttp mirror never completed.
	_, err = s.Translate("Discord", "a1", "CQHttp")
	assert.ErrorIs(t, err, ErrNotFound)

	// Reverse direction works once the sibling column is set.
	got, err = s.Translate("Slack", "b1", "Discord")
	require.NoError(t, err)
	assert.Equal(t, "a1", got)
}

func TestRowsAreIndependent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.InsertOrigin("Discord", "a1"))
	require.NoError(t, s.InsertOrigin("Discord", "a2"))
	require.NoError(t, s.SetSibling("Discord", "a1", "Slack", "b1"))
	require.NoError(t, s.SetSibling("Discord", "a2", "Slack", "b2"))

	row, err := s.FindRow("Discord", "a2")
	require.NoError(t, err)
	assert.Equal(t, "b2", row["Slack"])
}

func TestKeepData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.db")
	platforms := []string{"Discord", "Slack"}

	s, err := Open(path, platforms, true)
	require.NoError(t, err)
	require.NoError(t, s.InsertOrigin("Discord", "a1"))
	require.NoError(t, s.Close())

	// keep_data=true preserves rows across restarts.
	s, err = Open(path, platforms, true)
	require.NoError(t, err)
	_, err = s.FindRow("Discord", "a1")
	assert.NoError(t, err)
	require.NoError(t, s.Close())

	// keep_data=false drops and recreates.
	s, err = Open(path, platforms, false)
	require.NoError(t, err)
	_, err = s.FindRow("Discord", "a1")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.Close())
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"Discord"`, quoteIdent("Discord"))
	assert.Equal(t, `"we""ird"`, quoteIdent(`we"ird`))
}
