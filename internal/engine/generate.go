package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"time"

	"go.uber.org/zap"

	"github.com/gwangyi/cmdfs/internal/cache"
	"github.com/gwangyi/cmdfs/internal/command"
	"github.com/gwangyi/cmdfs/internal/filter"
)

// openAttempts bounds how often Open looks an entry up again after its
// blob was superseded between lookup and open.
const openAttempts = 3

// generation is the result of ensuring a payload for a path. When the
// cache could not store it, data holds the payload in memory instead.
type generation struct {
	entry     cache.Entry
	data      []byte
	generated time.Time
}

func (g generation) attr(d Delivery) Attr {
	if g.data != nil {
		return generatedAttr(d, int64(len(g.data)), g.generated)
	}
	return generatedAttr(d, g.entry.Size, g.entry.Generated)
}

// lookup returns the cache entry of d if it is fresh and was generated
// from the current source.
func (e *Engine) lookup(d Delivery) (cache.Entry, bool) {
	entry, ok := e.store.Get(d.Rel)
	if !ok {
		return cache.Entry{}, false
	}
	if !e.store.IsFresh(entry) || !e.store.Matches(entry, d.Info) {
		return cache.Entry{}, false
	}
	return entry, true
}

// ensure returns a payload for d that is fresh and matches the current
// source, running the command if needed.
func (e *Engine) ensure(d Delivery) (generation, error) {
	if entry, ok := e.lookup(d); ok {
		e.metrics.RecordLookup("hit")
		return generation{entry: entry}, nil
	}
	if _, ok := e.store.Get(d.Rel); ok {
		e.metrics.RecordLookup("stale")
	} else {
		e.metrics.RecordLookup("miss")
	}

	v, err, _ := e.group.Do(d.Rel, func() (any, error) {
		return e.generate(d.Rel)
	})
	if err != nil {
		return generation{}, err
	}
	return v.(generation), nil
}

// generate runs the command for rel and stores the result. It runs in
// the single-flight slot of rel.
func (e *Engine) generate(rel string) (generation, error) {
	name := filter.SourcePath(rel)
	fi, err := e.fsys.Stat(name)
	if err != nil {
		return generation{}, err
	}
	// A caller that missed the cache just before the previous run
	// stored its result finds it here.
	if entry, ok := e.lookup(Delivery{Rel: rel, Info: fi}); ok {
		return generation{entry: entry}, nil
	}

	for attempt := 0; ; attempt++ {
		stamp := cache.StampOf(fi)
		src := command.Source{
			Path: e.absolute(rel),
			Open: func() (io.ReadCloser, error) { return e.fsys.Open(name) },
		}

		started := time.Now()
		data, err := e.runner.Run(e.ctx, e.mount.Command, src)
		e.metrics.RecordGeneration(time.Since(started), err)

		after, statErr := e.fsys.Stat(name)
		if errors.Is(statErr, fs.ErrNotExist) {
			e.dropStale(rel)
			return generation{}, ErrSourceRace
		}
		if err != nil {
			e.dropStale(rel)
			return generation{}, err
		}
		if statErr != nil {
			return generation{}, statErr
		}

		if after.Size() != stamp.Size || !after.ModTime().Equal(stamp.ModTime) {
			if attempt == 0 {
				e.logger.Debug("source changed during generation, retrying", zap.String("path", rel))
				fi = after
				continue
			}
			e.dropStale(rel)
			return generation{}, ErrSourceRace
		}

		entry, err := e.store.Put(rel, data, stamp)
		if err != nil {
			e.logger.Warn("caching generated content failed, serving it uncached",
				zap.String("path", rel), zap.Error(err))
			if data == nil {
				data = []byte{}
			}
			return generation{data: data, generated: time.Now()}, nil
		}
		if _, err := e.fsys.Stat(name); errors.Is(err, fs.ErrNotExist) {
			e.dropStale(rel)
			return generation{}, ErrSourceRace
		}
		e.logger.Debug("generated",
			zap.String("path", rel),
			zap.Int64("size", entry.Size),
			zap.Duration("elapsed", time.Since(started)))
		return generation{entry: entry}, nil
	}
}

// dropStale removes whatever entry rel has after a failed generation,
// so no outdated payload outlives it.
func (e *Engine) dropStale(rel string) {
	if err := e.store.Invalidate(rel); err != nil {
		e.logger.Warn("dropping cache entry failed", zap.String("path", rel), zap.Error(err))
	}
}

// Handle is an open file of the view.
type Handle struct {
	r io.ReaderAt
	c io.Closer
	// Attr describes the content the handle reads.
	Attr Attr
}

// ReadAt reads from the content captured when the handle was opened.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	return h.r.ReadAt(p, off)
}

// Close releases the handle.
func (h *Handle) Close() error {
	if h.c == nil {
		return nil
	}
	return h.c.Close()
}

// Open opens rel for reading. Generated content is produced first if
// the cache holds no fresh payload for it. The handle keeps reading
// the same payload even if the path is regenerated meanwhile.
func (e *Engine) Open(ctx context.Context, rel string) (*Handle, error) {
	d, err := e.Resolve(ctx, rel)
	if err != nil {
		return nil, err
	}
	switch d.Kind {
	case DirectPassthrough:
		f, err := e.fsys.Open(filter.SourcePath(d.Rel))
		if err != nil {
			return nil, err
		}
		return &Handle{r: f, c: f, Attr: sourceAttr(d)}, nil
	case Generated:
		return e.openGenerated(d)
	}
	return nil, &fs.PathError{Op: "open", Path: d.Rel, Err: fs.ErrInvalid}
}

func (e *Engine) openGenerated(d Delivery) (*Handle, error) {
	var err error
	for range openAttempts {
		var g generation
		g, err = e.ensure(d)
		if err != nil {
			return nil, err
		}
		if g.data != nil {
			return &Handle{r: bytes.NewReader(g.data), Attr: g.attr(d)}, nil
		}

		f, openErr := e.store.Open(g.entry)
		if openErr == nil {
			return &Handle{r: f, c: f, Attr: g.attr(d)}, nil
		}
		if err = openErr; !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		// Superseded, or removed behind the store's back.
		e.store.Drop(g.entry)
	}
	return nil, err
}
