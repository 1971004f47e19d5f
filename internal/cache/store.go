// Package cache keeps generated payloads on disk.
//
// Every entry is a pair of files in the cache directory, named after
// the BLAKE3 hash of the relative source path:
//
//	<key>.meta          CBOR-encoded metadata naming the current blob
//	<key>-<nanos>.blob  the payload itself
//
// A new payload is written to a temporary file and renamed into place
// before the metadata is replaced the same way, and only then is the
// superseded blob removed. A reader holding an open blob keeps reading
// the old payload; a reader that loaded stale metadata gets ENOENT when
// opening its blob and looks the entry up again.
package cache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/gwangyi/cmdfs/internal/clock"
	"github.com/gwangyi/cmdfs/internal/metrics"
)

const (
	metaSuffix = ".meta"
	blobSuffix = ".blob"
	tempSuffix = ".tmp"

	keyLen = 64 // hex-encoded BLAKE3-256
)

// ErrCacheIO is matched by every error caused by the cache directory.
var ErrCacheIO = errors.New("cache I/O failure")

// IOError records a failed operation on the cache directory.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string { return "cache " + e.Op + " " + e.Path + ": " + e.Err.Error() }

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrCacheIO }

// Stamp is the state of a source file observed before generation.
type Stamp struct {
	Size    int64
	ModTime time.Time
}

// StampOf returns the stamp of fi.
func StampOf(fi fs.FileInfo) Stamp {
	return Stamp{Size: fi.Size(), ModTime: fi.ModTime()}
}

// Entry describes one cached payload.
type Entry struct {
	Path      string // relative source path
	Blob      string // blob file name inside the cache directory
	Size      int64  // payload size
	Generated time.Time
	Source    Stamp
}

// meta is the on-disk form of an Entry.
type meta struct {
	Path          string `cbor:"1,keyasint"`
	Blob          string `cbor:"2,keyasint"`
	Size          int64  `cbor:"3,keyasint"`
	Generated     int64  `cbor:"4,keyasint"` // unix nanoseconds
	SourceSize    int64  `cbor:"5,keyasint"`
	SourceModTime int64  `cbor:"6,keyasint"` // unix nanoseconds
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("cache: CBOR decoder initialization failed: " + err.Error())
	}
}

func (e Entry) meta() meta {
	return meta{
		Path:          e.Path,
		Blob:          e.Blob,
		Size:          e.Size,
		Generated:     e.Generated.UnixNano(),
		SourceSize:    e.Source.Size,
		SourceModTime: e.Source.ModTime.UnixNano(),
	}
}

func (m meta) entry() Entry {
	return Entry{
		Path:      m.Path,
		Blob:      m.Blob,
		Size:      m.Size,
		Generated: time.Unix(0, m.Generated),
		Source:    Stamp{Size: m.SourceSize, ModTime: time.Unix(0, m.SourceModTime)},
	}
}

// Key returns the file name stem used for rel.
func Key(rel string) string {
	sum := blake3.Sum256([]byte(rel))
	return hex.EncodeToString(sum[:])
}

// Config configures a Store.
type Config struct {
	Dir string
	// TTL is the maximum age of a fresh entry. Zero means forever.
	TTL time.Duration
	// EntryLimit bounds the number of entries; the least recently used
	// one is removed when a new entry would exceed it. Zero means no
	// bound.
	EntryLimit int
	// SizeLimit is the total payload size the Cleaner enforces. Zero
	// means no bound.
	SizeLimit int64

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Store is a disk-backed cache of generated payloads. The index of all
// entries lives in memory and is rebuilt from the metadata files when a
// Store is created. It is safe for concurrent use.
type Store struct {
	dir        string
	ttl        time.Duration
	entryLimit int
	sizeLimit  int64
	clock      clock.Clock
	logger     *zap.Logger
	metrics    *metrics.Metrics

	// mu serializes metadata replacement and removal. It is never held
	// while a command runs or a payload is written.
	mu      sync.Mutex
	index   *lru.Cache[string, Entry]
	bytes   int64
	writing map[string]int // keys with a Put in progress
}

// New opens the cache in cfg.Dir, loading any entries left by a
// previous session and removing files that belong to no entry.
func New(cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	capacity := cfg.EntryLimit
	if capacity <= 0 {
		capacity = math.MaxInt
	}
	index, err := lru.New[string, Entry](capacity)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, &IOError{Op: "mkdir", Path: cfg.Dir, Err: err}
	}

	s := &Store{
		dir:        cfg.Dir,
		ttl:        cfg.TTL,
		entryLimit: cfg.EntryLimit,
		sizeLimit:  cfg.SizeLimit,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		index:      index,
		writing:    make(map[string]int),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the cache directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) load() error {
	names, err := s.list()
	if err != nil {
		return err
	}

	var entries []Entry
	for _, name := range names {
		if !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		e, err := s.readMeta(filepath.Join(s.dir, name))
		if err != nil || Key(e.Path)+metaSuffix != name {
			s.logger.Warn("discarding unreadable cache metadata", zap.String("file", name), zap.Error(err))
			_ = os.Remove(filepath.Join(s.dir, name))
			continue
		}
		if _, err := os.Stat(filepath.Join(s.dir, e.Blob)); err != nil {
			_ = os.Remove(filepath.Join(s.dir, name))
			continue
		}
		entries = append(entries, e)
	}

	slices.SortFunc(entries, func(a, b Entry) int { return a.Generated.Compare(b.Generated) })
	s.mu.Lock()
	for _, e := range entries {
		s.addLocked(Key(e.Path), e)
	}
	s.mu.Unlock()

	s.RemoveOrphans()
	s.logger.Debug("cache loaded", zap.String("dir", s.dir), zap.Int("entries", s.index.Len()))
	return nil
}

func (s *Store) list() ([]string, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &IOError{Op: "readdir", Path: s.dir, Err: err}
	}
	names := make([]string, 0, len(dirents))
	for _, d := range dirents {
		if d.Type().IsRegular() {
			names = append(names, d.Name())
		}
	}
	return names, nil
}

func (s *Store) readMeta(p string) (Entry, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return Entry{}, err
	}
	var m meta
	if err := decMode.Unmarshal(data, &m); err != nil {
		return Entry{}, fmt.Errorf("decoding %s: %w", p, err)
	}
	return m.entry(), nil
}

// Get returns the entry for rel, whether fresh or not.
func (s *Store) Get(rel string) (Entry, bool) {
	return s.index.Get(Key(rel))
}

// Has reports whether rel has an entry without marking it used.
func (s *Store) Has(rel string) bool {
	return s.index.Contains(Key(rel))
}

// Put stores data as the payload of rel, replacing any previous entry.
// stamp is the source state observed before the payload was generated.
func (s *Store) Put(rel string, data []byte, stamp Stamp) (Entry, error) {
	key := Key(rel)
	s.mu.Lock()
	s.writing[key]++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.writing[key]--; s.writing[key] == 0 {
			delete(s.writing, key)
		}
		s.mu.Unlock()
	}()

	now := s.clock.Now()
	e := Entry{
		Path:      rel,
		Blob:      fmt.Sprintf("%s-%d%s", key, time.Now().UnixNano(), blobSuffix),
		Size:      int64(len(data)),
		Generated: now,
		Source:    stamp,
	}

	if err := s.writeAtomic(e.Blob, data); err != nil {
		return Entry{}, err
	}
	encoded, err := encMode.Marshal(e.meta())
	if err != nil {
		_ = os.Remove(filepath.Join(s.dir, e.Blob))
		return Entry{}, &IOError{Op: "encode", Path: rel, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeAtomic(key+metaSuffix, encoded); err != nil {
		_ = os.Remove(filepath.Join(s.dir, e.Blob))
		return Entry{}, err
	}
	s.addLocked(key, e)
	return e, nil
}

// addLocked records e in the index, removing the previous blob of the
// same path and, at the entry limit, the least recently used entry.
func (s *Store) addLocked(key string, e Entry) {
	if old, ok := s.index.Peek(key); ok {
		s.bytes -= old.Size
		if old.Blob != e.Blob {
			_ = os.Remove(filepath.Join(s.dir, old.Blob))
		}
	} else if s.entryLimit > 0 && s.index.Len() >= s.entryLimit {
		if oldKey, old, ok := s.index.RemoveOldest(); ok {
			_ = s.removeFilesLocked(oldKey, old)
			s.metrics.RecordRemoval("entries", 1)
		}
	}
	s.index.Add(key, e)
	s.bytes += e.Size
}

func (s *Store) writeAtomic(name string, data []byte) error {
	f, err := os.CreateTemp(s.dir, name+"-*"+tempSuffix)
	if err != nil {
		return &IOError{Op: "create", Path: name, Err: err}
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return &IOError{Op: "write", Path: name, Err: err}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return &IOError{Op: "close", Path: name, Err: err}
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		_ = os.Remove(tmp)
		return &IOError{Op: "rename", Path: name, Err: err}
	}
	return nil
}

// Invalidate removes the entry of rel. Removing an absent entry is not
// an error.
func (s *Store) Invalidate(rel string) error {
	key := Key(rel)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index.Peek(key)
	if !ok {
		err := os.Remove(filepath.Join(s.dir, key+metaSuffix))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &IOError{Op: "remove", Path: rel, Err: err}
		}
		return nil
	}
	s.index.Remove(key)
	return s.removeFilesLocked(key, e)
}

// InvalidateTree removes the entries of dir and of every path below it.
// It returns the number of entries removed.
func (s *Store) InvalidateTree(dir string) (int, error) {
	if err := s.Invalidate(dir); err != nil {
		return 0, err
	}
	prefix := dir + "/"
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	var errs []error
	for _, e := range s.index.Values() {
		if !strings.HasPrefix(e.Path, prefix) {
			continue
		}
		key := Key(e.Path)
		s.index.Remove(key)
		removed++
		if err := s.removeFilesLocked(key, e); err != nil {
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}

// Drop removes e if it is still the current entry of its path and
// reports whether it did.
func (s *Store) Drop(e Entry) bool {
	key := Key(e.Path)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.index.Peek(key)
	if !ok || cur.Blob != e.Blob {
		return false
	}
	s.index.Remove(key)
	if err := s.removeFilesLocked(key, cur); err != nil {
		s.logger.Warn("removing cache entry failed", zap.String("path", e.Path), zap.Error(err))
	}
	return true
}

func (s *Store) removeFilesLocked(key string, e Entry) error {
	s.bytes -= e.Size
	var errs []error
	for _, name := range []string{key + metaSuffix, e.Blob} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return &IOError{Op: "remove", Path: e.Path, Err: err}
	}
	return nil
}

// Open opens the payload of e for reading. It fails with an error
// matching fs.ErrNotExist if e has been superseded or removed.
func (s *Store) Open(e Entry) (*os.File, error) {
	f, err := os.Open(filepath.Join(s.dir, e.Blob))
	if err != nil {
		return nil, &IOError{Op: "open", Path: e.Path, Err: err}
	}
	return f, nil
}

// IsFresh reports whether e is younger than the TTL.
func (s *Store) IsFresh(e Entry) bool {
	return s.ttl == 0 || s.clock.Now().Sub(e.Generated) < s.ttl
}

// Matches reports whether the source described by fi is still the one
// e was generated from.
func (s *Store) Matches(e Entry, fi fs.FileInfo) bool {
	return e.Source.Size == fi.Size() && e.Source.ModTime.Equal(fi.ModTime())
}

// Entries returns a snapshot of all entries, least recently used first.
func (s *Store) Entries() []Entry {
	return s.index.Values()
}

// Stats returns the number of entries and their total payload size.
func (s *Store) Stats() (entries int, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Len(), s.bytes
}

// RemoveOrphans deletes temporary files and blobs that no entry refers
// to. It returns the number of files removed.
func (s *Store) RemoveOrphans() int {
	names, err := s.list()
	if err != nil {
		s.logger.Warn("listing cache directory failed", zap.Error(err))
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	live := make(map[string]bool, s.index.Len())
	for _, e := range s.index.Values() {
		live[e.Blob] = true
	}

	removed := 0
	for _, name := range names {
		if len(name) >= keyLen && s.writing[name[:keyLen]] > 0 {
			continue
		}
		switch {
		case strings.HasSuffix(name, tempSuffix):
		case strings.HasSuffix(name, blobSuffix):
			if live[name] {
				continue
			}
		case strings.HasSuffix(name, metaSuffix):
			if s.index.Contains(strings.TrimSuffix(name, metaSuffix)) {
				continue
			}
		default:
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err == nil {
			removed++
		}
	}
	return removed
}
