package cluster

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixtureFiles = map[string]string{
	"lat.in":       "4.05 4.05 4.05 90 90 90\n1 0 0\n0 1 0\n0 0 1\n0 0 0 Al,Mg\n",
	"clusters.out": "1\n0\n0\n\n1\n1\n1.0\n0 0 0 0\n",
	"eci.out":      "-1.623710\n0.243466\n0.000000\n",
	"gs_str.out":   "4.05 4.05 4.05 90 90 90\n1 0 0\n0 1 0\n0 0 1\n0 0 0 Al\n",
}

func writeFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for name, contents := range fixtureFiles {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0644))
	}
	return dir
}

func TestLoad(t *testing.T) {
	dir := writeFixture(t)

	ce, err := Load(dir)
	require.NoError(t, err)

	for name, contents := range fixtureFiles {
		data, ok := ce.File(name)
		require.True(t, ok, name)
		assert.Equal(t, []byte(contents), data)
	}

	assert.Equal(t, []float64{-1.623710, 0.243466, 0}, ce.ECI())
}

func TestLoadMissingFile(t *testing.T) {
	dir := writeFixture(t)
	require.NoError(t, os.Remove(filepath.Join(dir, "eci.out")))

	_, err := Load(dir)
	var missing *MissingFileError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "eci.out", missing.Name)
	assert.Equal(t, dir, missing.Source)
}

func TestLoadParseErrors(t *testing.T) {
	t.Run("non-numeric eci", func(t *testing.T) {
		dir := writeFixture(t)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "eci.out"), []byte("-1.2\nnot-a-number\n"), 0644))

		_, err := Load(dir)
		var parseErr *ParseError
		require.ErrorAs(t, err, &parseErr)
		assert.Equal(t, "eci.out", parseErr.Name)
	})

	t.Run("empty file", func(t *testing.T) {
		dir := writeFixture(t)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "lat.in"), []byte("  \n"), 0644))

		_, err := Load(dir)
		var parseErr *ParseError
		require.ErrorAs(t, err, &parseErr)
		assert.Equal(t, "lat.in", parseErr.Name)
	})
}

func TestArchiveRoundTrip(t *testing.T) {
	ce, err := Load(writeFixture(t))
	require.NoError(t, err)

	restored, err := FromArchive(ce.ToArchive())
	require.NoError(t, err)

	for name := range fixtureFiles {
		want, _ := ce.File(name)
		got, ok := restored.File(name)
		require.True(t, ok, name)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, ce.ECI(), restored.ECI())
}

func TestFromArchiveMissingEntry(t *testing.T) {
	ce, err := Load(writeFixture(t))
	require.NoError(t, err)

	rec := ce.ToArchive()
	delete(rec, "gs_str.out")

	_, err = FromArchive(rec)
	var missing *MissingFileError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "gs_str.out", missing.Name)
	assert.Equal(t, "archive", missing.Source)
}

func TestFromArchiveIgnoresExtraEntries(t *testing.T) {
	ce, err := Load(writeFixture(t))
	require.NoError(t, err)

	rec := ce.ToArchive()
	rec["mc.out"] = []byte("300 0 -1.5\n")

	restored, err := FromArchive(rec)
	require.NoError(t, err)
	_, ok := restored.File("mc.out")
	assert.False(t, ok)
}

func TestWriteDir(t *testing.T) {
	ce, err := Load(writeFixture(t))
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "work")
	require.NoError(t, ce.WriteDir(out))

	reloaded, err := Load(out)
	require.NoError(t, err)
	for name := range fixtureFiles {
		want, _ := ce.File(name)
		got, _ := reloaded.File(name)
		assert.Equal(t, want, got)
	}
}
