package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewFromFileAppliesDefaultsForUnsetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chapter_concurrency: 7\n"), 0o644))

	view, err := NewFromFile(path)
	require.NoError(t, err)

	snap := view.Snapshot()
	require.Equal(t, 7, snap.ChapterConcurrency)
	require.Equal(t, Defaults().ImageConcurrency, snap.ImageConcurrency)
	require.Equal(t, ArchiveFormatNone, snap.ArchiveFormat)
}

func TestNewFromFileMissingPathErrors(t *testing.T) {
	_, err := NewFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestOnChangeRunsWithFreshSnapshotOnReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("proxy_mode: no_proxy\n"), 0o644))

	view, err := NewFromFile(path)
	require.NoError(t, err)

	var got []Config
	view.OnChange(func(cfg Config) { got = append(got, cfg) })
	view.Reload()

	require.Len(t, got, 1)
	require.Equal(t, ProxyModeNone, got[0].ProxyMode)
}

func TestStaticSnapshotReturnsFixedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.DownloadRoot = "/tmp/manga"
	s := NewStatic(cfg)
	require.Equal(t, cfg, s.Snapshot())
}
