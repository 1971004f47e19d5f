// Package cmdfs provides a FUSE filesystem that shows a filtered view of a
// source directory. Files of the view are either read from the source
// unchanged, symlinked to it, or produced by running a command on the
// source file, with the output cached on disk.
//
// New builds the filesystem for a config.Mount; FS.Mount serves it on the
// mountpoint with go-fuse.
package cmdfs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/gwangyi/cmdfs/internal/cache"
	"github.com/gwangyi/cmdfs/internal/clock"
	"github.com/gwangyi/cmdfs/internal/command"
	"github.com/gwangyi/cmdfs/internal/config"
	"github.com/gwangyi/cmdfs/internal/engine"
	"github.com/gwangyi/cmdfs/internal/metrics"
	"github.com/gwangyi/cmdfs/internal/monitor"
)

type options struct {
	// logger is the sink for all internal errors and diagnostic messages.
	// It defaults to a no-op logger if not provided via options.
	logger   *zap.Logger
	registry prometheus.Registerer
	runner   command.Runner
	source   afero.Fs
	clock    clock.Clock
	uid      func(context.Context) (uint32, bool)
	gid      func(context.Context) (uint32, bool)
}

// Option configures the FUSE filesystem behavior.
// Options are applied in the order they are passed to New.
type Option func(*options)

// Logger sets the logger to be used by the filesystem.
func Logger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Metrics registers the filesystem's collectors on reg.
func Metrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// Runner replaces the shell command runner.
func Runner(r command.Runner) Option {
	return func(o *options) {
		o.runner = r
	}
}

// SourceFS replaces the source tree. Paths are resolved relative to its
// root. By default the mount's source directory on the local disk is
// used.
func SourceFS(fsys afero.Fs) Option {
	return func(o *options) {
		o.source = fsys
	}
}

// Clock sets the clock used for cache expiry.
func Clock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// FS is a mounted view of a source directory.
type FS struct {
	mount   config.Mount
	engine  *engine.Engine
	store   *cache.Store
	root    *node
	logger  *zap.Logger
	metrics *metrics.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates the filesystem for m. When m has a command, the cache
// store is opened and its cleaner started; when m enables monitoring,
// the source tree is watched. Both run until Close.
func New(m config.Mount, opts ...Option) (*FS, error) {
	o := options{
		logger: zap.NewNop(),
		clock:  clock.Real(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.source == nil {
		o.source = afero.NewBasePathFs(afero.NewOsFs(), m.Source)
	}

	f := &FS{mount: m, logger: o.logger}
	if o.registry != nil {
		f.metrics = metrics.New(o.registry)
	}

	if m.HasCommand() {
		store, err := cache.New(cache.Config{
			Dir:        m.CacheDir,
			TTL:        m.CacheTTL,
			EntryLimit: m.CacheEntryLimit,
			SizeLimit:  m.CacheSizeLimit,
			Clock:      o.clock,
			Logger:     o.logger.Named("cache"),
			Metrics:    f.metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("opening cache: %w", err)
		}
		f.store = store
		if o.registry != nil {
			metrics.ObserveCache(o.registry, store.Stats)
		}
		if o.runner == nil {
			o.runner = command.NewExecutor(m.CommandTimeout, o.logger.Named("command"))
		}
	}

	eng, err := engine.New(&f.mount, engine.Options{
		Source:  o.source,
		Store:   f.store,
		Runner:  o.runner,
		Logger:  o.logger.Named("engine"),
		Metrics: f.metrics,
	})
	if err != nil {
		return nil, err
	}
	f.engine = eng

	var mon *monitor.Monitor
	if m.Monitor {
		mon, err = monitor.New(m.Source, eng, monitor.Logger(o.logger.Named("monitor")))
		if err != nil {
			_ = eng.Close()
			return nil, fmt.Errorf("watching %s: %w", m.Source, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	if f.store != nil {
		cleaner := cache.NewCleaner(f.store, cache.SourceGone(eng.SourceGone))
		f.wg.Go(func() { cleaner.Run(ctx) })
	}
	if mon != nil {
		f.wg.Go(func() {
			if err := mon.Run(ctx); err != nil {
				f.logger.Error("monitor stopped", zap.Error(err))
			}
		})
	}

	f.root = &node{
		fs:   f,
		path: ".",
		uid:  o.uid,
		gid:  o.gid,
	}
	return f, nil
}

// Root returns the root node. It can be passed to fs.Mount or
// fs.NewNodeFS.
func (f *FS) Root() fs.InodeEmbedder {
	return f.root
}

// Options returns the go-fuse options the view is served with. Entry,
// attribute and negative lookups are cached by the kernel for the
// mount's attribute timeout.
func (f *FS) Options() *fs.Options {
	timeout := f.mount.AttrTimeout
	entryTimeout, attrTimeout, negativeTimeout := timeout, timeout, timeout
	return &fs.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     f.mount.Source,
			Name:       "cmdfs",
			AllowOther: f.mount.AllowOther,
			Options:    f.mount.FuseOptions,
		},
	}
}

// Mount serves the view on mountpoint. The returned server runs until
// it is unmounted.
func (f *FS) Mount(mountpoint string) (*fuse.Server, error) {
	server, err := fs.Mount(mountpoint, f.root, f.Options())
	if err != nil {
		return nil, fmt.Errorf("mounting %s: %w", mountpoint, err)
	}
	f.logger.Info("mounted",
		zap.String("source", f.mount.Source),
		zap.String("mountpoint", mountpoint),
		zap.Duration("attr_timeout", f.mount.AttrTimeout.Round(time.Millisecond)))
	return server, nil
}

// Close stops the background work and cancels commands in flight.
func (f *FS) Close() error {
	var err error
	f.once.Do(func() {
		f.cancel()
		err = f.engine.Close()
		f.wg.Wait()
	})
	return err
}
