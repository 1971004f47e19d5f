package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Options is the raw, unvalidated form of a mount configuration. Field
// names follow the -o option names; the YAML keys are identical.
type Options struct {
	Command        string `yaml:"command"`
	CommandTimeout int64  `yaml:"command-timeout"`

	Extension string `yaml:"extension"`
	PathRE    string `yaml:"path-re"`
	ExcludeRE string `yaml:"exclude-re"`
	Glob      string `yaml:"glob"`
	MimeRE    string `yaml:"mime-re"`

	LinkThru      bool `yaml:"link-thru"`
	StatPassThru  bool `yaml:"stat-pass-thru"`
	HideEmptyDirs bool `yaml:"hide-empty-dirs"`
	Monitor       bool `yaml:"monitor"`

	CacheDir     string `yaml:"cache-dir"`
	CacheSize    int64  `yaml:"cache-size"`    // megabytes
	CacheEntries int    `yaml:"cache-entries"` // count
	CacheExpiry  int64  `yaml:"cache-expiry"`  // seconds

	AttrTimeout *float64 `yaml:"attr-timeout"` // seconds
	AllowOther  bool     `yaml:"allow-other"`

	// Extra collects options cmdfs does not know; they are handed to
	// the kernel unchanged.
	Extra []string `yaml:"fuse-options"`
}

// LoadFile reads a YAML configuration file into o. Keys absent from
// the file leave the corresponding fields untouched.
func (o *Options) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(o); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: parsing %s: %v", ErrInvalid, path, err)
	}
	return nil
}

// Parse applies a comma-separated -o option string to o. A literal
// comma inside a value is written as "\,". Boolean options accept a
// "no" prefix to switch them off.
func (o *Options) Parse(s string) error {
	for _, opt := range splitOptions(s) {
		if opt == "" {
			continue
		}
		if err := o.set(opt); err != nil {
			return err
		}
	}
	return nil
}

func (o *Options) set(opt string) error {
	key, value, hasValue := strings.Cut(opt, "=")
	key = strings.ReplaceAll(key, "_", "-")

	if b, ok := o.flag(key); ok {
		if hasValue {
			return fmt.Errorf("%w: option %s takes no value", ErrInvalid, key)
		}
		*b = true
		return nil
	}
	if b, ok := o.flag(strings.TrimPrefix(key, "no")); ok && strings.HasPrefix(key, "no") {
		if hasValue {
			return fmt.Errorf("%w: option %s takes no value", ErrInvalid, key)
		}
		*b = false
		return nil
	}

	var err error
	switch key {
	case "command":
		o.Command = value
	case "command-timeout":
		o.CommandTimeout, err = parseInt(key, value)
	case "extension":
		o.Extension = value
	case "path-re":
		o.PathRE = value
	case "exclude-re":
		o.ExcludeRE = value
	case "glob":
		o.Glob = value
	case "mime-re":
		o.MimeRE = value
	case "cache-dir":
		o.CacheDir = value
	case "cache-size":
		o.CacheSize, err = parseInt(key, value)
	case "cache-entries":
		var n int64
		n, err = parseInt(key, value)
		o.CacheEntries = int(n)
	case "cache-expiry":
		o.CacheExpiry, err = parseInt(key, value)
	case "attr-timeout", "entry-timeout":
		var f float64
		f, err = strconv.ParseFloat(value, 64)
		if err != nil {
			err = fmt.Errorf("%w: %s=%q: %v", ErrInvalid, key, value, err)
		}
		o.AttrTimeout = &f
	default:
		o.Extra = append(o.Extra, opt)
	}
	return err
}

func (o *Options) flag(key string) (*bool, bool) {
	switch key {
	case "link-thru":
		return &o.LinkThru, true
	case "stat-pass-thru":
		return &o.StatPassThru, true
	case "hide-empty-dirs":
		return &o.HideEmptyDirs, true
	case "monitor":
		return &o.Monitor, true
	case "allow-other":
		return &o.AllowOther, true
	}
	return nil, false
}

func parseInt(key, value string) (int64, error) {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrInvalid, key, value, err)
	}
	return n, nil
}

func splitOptions(s string) []string {
	var out []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\\' && i+1 < len(s) && s[i+1] == ',':
			cur.WriteByte(',')
			i++
		case s[i] == ',':
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(s[i])
		}
	}
	return append(out, cur.String())
}
