// Package config builds the immutable mount configuration of a cmdfs
// filesystem.
//
// Settings come from two places, applied in order: an optional YAML
// file and the FUSE-style option string given with -o on the command
// line (e.g. "command=wc -w,extension=txt;md,hide-empty-dirs"). Both
// fill the same Options value, which Build validates and turns into a
// Mount.
package config

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	// DefaultCommandTimeout bounds a single command run.
	DefaultCommandTimeout = 600 * time.Second

	// DefaultAttrTimeout is how long the kernel may cache attributes,
	// entries and negative lookups.
	DefaultAttrTimeout = time.Second
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Mount is the configuration of one mounted view. It is built once by
// Options.Build and never modified afterwards; every field is safe to
// share between goroutines.
type Mount struct {
	// Source is the absolute, symlink-free path of the source tree.
	Source string
	// Mountpoint is the absolute path the view is mounted on.
	Mountpoint string
	// CacheDir holds generated payloads. It never lies inside Source.
	CacheDir string

	// PathPattern must match somewhere in "/rel/path" for a file to be
	// visible. Nil matches everything.
	PathPattern *regexp.Regexp
	// ExcludePattern hides files it matches. Nil excludes nothing.
	ExcludePattern *regexp.Regexp
	// Globs, when non-empty, restricts visibility to relative paths
	// matching at least one doublestar pattern.
	Globs []string
	// Extensions, when non-empty, restricts visibility to files whose
	// final extension (without the dot) is listed.
	Extensions []string
	// MIMEPattern, when set, must match the sniffed content type.
	MIMEPattern *regexp.Regexp

	// Command is the generation command template. Empty means files
	// are passed through unchanged.
	Command        string
	CommandTimeout time.Duration

	LinkThrough     bool
	HideEmptyDirs   bool
	StatPassthrough bool
	Monitor         bool

	// CacheTTL is the maximum age of a generated payload. Zero means
	// payloads never expire within a session.
	CacheTTL        time.Duration
	CacheSizeLimit  int64
	CacheEntryLimit int

	// AttrTimeout is forwarded to the kernel as entry, attribute and
	// negative lookup timeout.
	AttrTimeout time.Duration
	AllowOther  bool
	// FuseOptions are unrecognised -o options passed to the kernel.
	FuseOptions []string
}

// HasCommand reports whether files are generated rather than passed
// through.
func (m *Mount) HasCommand() bool {
	return m.Command != ""
}

// Build validates the options and produces a Mount for the given
// source and mountpoint. The cache directory is created if needed.
func (o *Options) Build(source, mountpoint string) (Mount, error) {
	var m Mount
	var err error

	if m.Source, err = canonicalDir(source); err != nil {
		return Mount{}, fmt.Errorf("%w: source %q: %v", ErrInvalid, source, err)
	}
	if mountpoint != "" {
		if m.Mountpoint, err = filepath.Abs(mountpoint); err != nil {
			return Mount{}, fmt.Errorf("%w: mountpoint %q: %v", ErrInvalid, mountpoint, err)
		}
	}

	if m.PathPattern, err = compile("path-re", o.PathRE); err != nil {
		return Mount{}, err
	}
	if m.ExcludePattern, err = compile("exclude-re", o.ExcludeRE); err != nil {
		return Mount{}, err
	}
	if m.MIMEPattern, err = compile("mime-re", o.MimeRE); err != nil {
		return Mount{}, err
	}
	m.Extensions = SplitList(o.Extension)
	m.Globs = SplitList(o.Glob)
	for _, g := range m.Globs {
		if !doublestar.ValidatePattern(g) {
			return Mount{}, fmt.Errorf("%w: glob %q", ErrInvalid, g)
		}
	}

	m.Command = strings.TrimSpace(o.Command)
	m.CommandTimeout = DefaultCommandTimeout
	if o.CommandTimeout > 0 {
		m.CommandTimeout = time.Duration(o.CommandTimeout) * time.Second
	}

	m.LinkThrough = o.LinkThru
	m.HideEmptyDirs = o.HideEmptyDirs
	m.StatPassthrough = o.StatPassThru
	m.Monitor = o.Monitor

	if o.CacheExpiry < 0 || o.CacheSize < 0 || o.CacheEntries < 0 {
		return Mount{}, fmt.Errorf("%w: cache limits must not be negative", ErrInvalid)
	}
	m.CacheTTL = time.Duration(o.CacheExpiry) * time.Second
	m.CacheSizeLimit = o.CacheSize << 20
	m.CacheEntryLimit = o.CacheEntries

	m.AttrTimeout = DefaultAttrTimeout
	if o.AttrTimeout != nil {
		if *o.AttrTimeout < 0 {
			return Mount{}, fmt.Errorf("%w: attr-timeout must not be negative", ErrInvalid)
		}
		m.AttrTimeout = time.Duration(*o.AttrTimeout * float64(time.Second))
	}
	m.AllowOther = o.AllowOther
	m.FuseOptions = append([]string(nil), o.Extra...)

	if m.CacheDir, err = o.cacheDir(m.Source, m.Mountpoint); err != nil {
		return Mount{}, err
	}
	if within(m.CacheDir, m.Source) {
		return Mount{}, fmt.Errorf("%w: cache directory %s lies inside the source tree", ErrInvalid, m.CacheDir)
	}
	return m, nil
}

func (o *Options) cacheDir(source, mountpoint string) (string, error) {
	dir := o.CacheDir
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			base = os.TempDir()
		}
		dir = filepath.Join(base, "cmdfs", "%b")
	}

	login := ""
	if u, err := user.Current(); err == nil {
		login = u.Username
	}
	dir = ExpandTokens(dir, map[byte]string{
		'u': login,
		'b': source,
		'm': mountpoint,
	})
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("%w: cache-dir: %v", ErrInvalid, err)
	}
	if within(dir, source) {
		return "", fmt.Errorf("%w: cache directory %s lies inside the source tree", ErrInvalid, dir)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating cache directory %s: %w", dir, err)
	}
	return canonicalDir(dir)
}

func canonicalDir(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("%s is not a directory", abs)
	}
	return abs, nil
}

func compile(name, expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
	}
	return re, nil
}

func within(p, root string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// SplitList splits a ';'-separated option value, dropping empty items.
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ";") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// ExpandTokens replaces "%x" with values[x] for every x present in
// values. "%%" yields a literal "%", and any other "%" sequence is left
// untouched.
func ExpandTokens(s string, values map[byte]string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '%' || i+1 >= len(s) {
			b.WriteByte(s[i])
			continue
		}
		next := s[i+1]
		if next == '%' {
			b.WriteByte('%')
			i++
			continue
		}
		if v, ok := values[next]; ok {
			b.WriteString(v)
			i++
			continue
		}
		b.WriteByte('%')
	}
	return b.String()
}

// HasToken reports whether ExpandTokens would substitute tok in s.
func HasToken(s string, tok byte) bool {
	for i := 0; i+1 < len(s); i++ {
		if s[i] != '%' {
			continue
		}
		if s[i+1] == tok {
			return true
		}
		if s[i+1] == '%' {
			i++
		}
	}
	return false
}
