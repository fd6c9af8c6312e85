// Package config exposes a read-only, hot-reloadable snapshot of operator
// settings. Configuration persistence itself belongs to an external collaborator
// (the UI shell or a CLI flag set); this package only knows how to parse
// whatever that collaborator writes and hand out a consistent snapshot.
package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ArchiveFormat is the archive output setting: no archive, CBZ, or ZIP.
type ArchiveFormat string

const (
	ArchiveFormatNone ArchiveFormat = "no_archive"
	ArchiveFormatCBZ  ArchiveFormat = "cbz"
	ArchiveFormatZIP  ArchiveFormat = "zip"
)

// ProxyMode is the outbound proxy setting: system default, custom, or none.
type ProxyMode string

const (
	ProxyModeSystem ProxyMode = "system"
	ProxyModeNone   ProxyMode = "no_proxy"
	ProxyModeCustom ProxyMode = "custom"
)

// Config is a point-in-time snapshot of everything the core needs to know
// that isn't a credential.
type Config struct {
	DownloadRoot              string
	ArchiveFormat             ArchiveFormat
	ProxyMode                 ProxyMode
	ProxyHost                 string
	ProxyPort                 int
	ChapterConcurrency        int
	ImageConcurrency          int
	BandwidthLimitBytesPerSec int64 // 0 = unlimited
	MaxRetries                int
}

func defaults() Config {
	return Config{
		DownloadRoot:              "downloads",
		ArchiveFormat:             ArchiveFormatNone,
		ProxyMode:                 ProxyModeSystem,
		ChapterConcurrency:        3,
		ImageConcurrency:          5,
		BandwidthLimitBytesPerSec: 0,
		MaxRetries:                3,
	}
}

// View is the read-only ConfigView consumed by the rest of the core.
// It is safe to share across goroutines: every read takes an RWMutex snapshot,
// never a pointer into live, mutable state.
type View struct {
	mu       sync.RWMutex
	cur      Config
	v        *viper.Viper
	onChange []func(Config)
}

// NewFromFile loads a config file (any format viper supports: yaml, json, toml,
// env) at path, applying defaults for anything unset. If path is empty, only
// defaults are used. The returned View watches the file for changes and updates
// its snapshot in place as the file changes on disk.
func NewFromFile(path string) (*View, error) {
	v := viper.New()
	d := defaults()
	v.SetDefault("download_root", d.DownloadRoot)
	v.SetDefault("archive_format", string(d.ArchiveFormat))
	v.SetDefault("proxy_mode", string(d.ProxyMode))
	v.SetDefault("proxy_host", "")
	v.SetDefault("proxy_port", 0)
	v.SetDefault("chapter_concurrency", d.ChapterConcurrency)
	v.SetDefault("image_concurrency", d.ImageConcurrency)
	v.SetDefault("bandwidth_limit_bytes_per_sec", d.BandwidthLimitBytesPerSec)
	v.SetDefault("max_retries", d.MaxRetries)

	view := &View{v: v}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %q: %w", path, err)
		}
		v.OnConfigChange(func(_ fsnotify.Event) {
			view.reload()
		})
		v.WatchConfig()
	}

	view.reload()
	return view, nil
}

// BindPFlag ties a cobra/pflag flag to a config key on this View's own
// viper instance (rather than the package-level global viper.BindPFlag,
// which would bind to an instance this View never reads from). Call Reload
// afterward once all flags for the invoked command are bound so the
// snapshot picks them up.
func (c *View) BindPFlag(key string, flag *pflag.Flag) error {
	return c.v.BindPFlag(key, flag)
}

// Reload re-reads the viper-backed values into the snapshot under lock. It
// is exported so callers that bind flags after NewFromFile (e.g. the CLI,
// once cobra has parsed argv) can force a fresh snapshot.
func (c *View) Reload() { c.reload() }

// OnChange registers fn to run with the fresh snapshot every time the
// backing config file changes on disk (or Reload is called). Callers use
// this to react to settings that need rebuilding rather than re-reading —
// the HTTP engine's proxy configuration, for one.
func (c *View) OnChange(fn func(Config)) {
	c.mu.Lock()
	c.onChange = append(c.onChange, fn)
	c.mu.Unlock()
}

// reload re-reads the viper-backed values into the snapshot under lock,
// then runs change callbacks outside it.
func (c *View) reload() {
	c.mu.Lock()
	c.cur = Config{
		DownloadRoot:              c.v.GetString("download_root"),
		ArchiveFormat:             ArchiveFormat(c.v.GetString("archive_format")),
		ProxyMode:                 ProxyMode(c.v.GetString("proxy_mode")),
		ProxyHost:                 c.v.GetString("proxy_host"),
		ProxyPort:                 c.v.GetInt("proxy_port"),
		ChapterConcurrency:        c.v.GetInt("chapter_concurrency"),
		ImageConcurrency:          c.v.GetInt("image_concurrency"),
		BandwidthLimitBytesPerSec: c.v.GetInt64("bandwidth_limit_bytes_per_sec"),
		MaxRetries:                c.v.GetInt("max_retries"),
	}
	snap := c.cur
	callbacks := append([]func(Config){}, c.onChange...)
	c.mu.Unlock()
	for _, fn := range callbacks {
		fn(snap)
	}
}

// Snapshot returns the current configuration. Safe for concurrent use.
func (c *View) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cur
}

// Static wraps a fixed Config in the same ConfigView shape, for callers (such
// as the CLI driver) that build configuration from flags rather than a file.
type Static struct {
	cfg Config
}

func NewStatic(cfg Config) *Static { return &Static{cfg: cfg} }

func (s *Static) Snapshot() Config { return s.cfg }

// Defaults exposes the zero-value-filled defaults for callers assembling a
// Static config from partial flag input.
func Defaults() Config { return defaults() }
