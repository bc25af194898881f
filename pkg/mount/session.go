package mount

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"time"

	apiv1 "github.com/beam-cloud/soundfs/pkg/api/v1"
	"github.com/beam-cloud/soundfs/pkg/cache"
	"github.com/beam-cloud/soundfs/pkg/catalog"
	"github.com/beam-cloud/soundfs/pkg/filesystem"
	"github.com/beam-cloud/soundfs/pkg/namespace"
	"github.com/beam-cloud/soundfs/pkg/resolver"
	"github.com/beam-cloud/soundfs/pkg/stream"
	"github.com/beam-cloud/soundfs/pkg/types"
	"github.com/rs/zerolog/log"
)

const (
	mountWait       = 30 * time.Second
	unmountWait     = 3 * time.Second
	shutdownTimeout = 5 * time.Second
)

// mounter is the part of the filesystem a session drives.
type mounter interface {
	Mount(ready func()) error
	Unmount() error
}

// serveRun is one Start-to-unmount cycle. done is closed when the serve loop
// returns, after which err holds its result.
type serveRun struct {
	done   chan struct{}
	err    error
	finish sync.Once
}

type Config struct {
	MountPoint string
	App        types.AppConfig
	Verbose    bool
	// Client overrides the HTTP catalog client built from App.Catalog.
	Client catalog.Client
}

type StateCallback func(State, error)

// Session owns everything one mount needs: the caches, the namespace tree,
// the resolver and reader over the remote catalog, the filesystem and the
// optional status server. Nothing is shared between sessions.
type Session struct {
	cfg      Config
	callback StateCallback

	mu      sync.Mutex
	state   State
	lastErr error
	started time.Time
	run     *serveRun
	stopped bool

	mnt       mounter
	mountWait time.Duration

	metadata *cache.MetadataCache
	ranges   *cache.RangeCache
	tree     *namespace.Tree
	resolver *resolver.Resolver
	reader   *stream.Reader
	fs       *filesystem.Filesystem
	status   *apiv1.Server
}

var _ apiv1.Source = (*Session)(nil)

// NewSession wires a session from configuration. Nothing is mounted and no
// remote call is made until Start.
func NewSession(cfg Config, cb StateCallback) (*Session, error) {
	app := cfg.App
	if cfg.MountPoint == "" {
		return nil, fmt.Errorf("mount point is required")
	}
	if app.Mount.Backend == "" {
		app.Mount.Backend = defaultBackend()
	}

	client := cfg.Client
	if client == nil {
		client = catalog.NewHTTPClient(catalog.HTTPConfig{
			APIBase:        app.Catalog.APIBase,
			ClientID:       app.Catalog.ClientID,
			Token:          app.Catalog.Token,
			PageSize:       app.Catalog.PageSize,
			RequestTimeout: app.Catalog.RequestTimeout,
			Pacing: catalog.PacingConfig{
				RequestsPerSecond: app.Catalog.RequestsPerSecond,
				Burst:             app.Catalog.Burst,
			},
		})
	}

	metadata, err := cache.NewMetadataCache(cache.MetadataConfig{
		DirTTL:     app.Cache.DirTTL,
		TrackTTL:   app.Cache.TrackTTL,
		MaxEntries: app.Cache.MaxEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("metadata cache: %w", err)
	}

	ranges, err := cache.NewRangeCache(cache.RangeConfig{MaxBytes: app.Cache.MaxRangeBytes})
	if err != nil {
		return nil, fmt.Errorf("range cache: %w", err)
	}

	started := time.Now()
	tree := namespace.NewTree(started)
	retry := catalog.NewRetryPolicy(app.Retry, app.Catalog.RequestTimeout)

	res, err := resolver.New(client, metadata, tree, resolver.Config{
		Layout:  app.Layout,
		Account: app.Catalog.Account,
		Retry:   retry,
	})
	if err != nil {
		return nil, fmt.Errorf("layout: %w", err)
	}

	reader, err := stream.NewReader(client, res, tree, ranges, stream.Config{
		MinFetchChunk:   app.Stream.MinFetchChunkBytes,
		FetchTimeout:    app.Stream.FetchTimeout,
		MaxParallelGaps: app.Stream.MaxParallelGaps,
		URLSafetyMargin: app.Stream.URLSafetyMargin,
		Retry:           retry,
	})
	if err != nil {
		return nil, fmt.Errorf("reader: %w", err)
	}

	fsys, err := filesystem.NewFilesystem(filesystem.Config{
		MountPoint:   cfg.MountPoint,
		Backend:      app.Mount.Backend,
		AllowOther:   app.Mount.AllowOther,
		EntryTimeout: app.Mount.EntryTimeout,
		AttrTimeout:  app.Mount.AttrTimeout,
		NegativeTTL:  app.Cache.NegativeTTL,
		Verbose:      cfg.Verbose,
		Trace:        app.Mount.Trace,
		Uid:          app.Mount.Uid,
		Gid:          app.Mount.Gid,
	}, tree, res, reader)
	if err != nil {
		return nil, fmt.Errorf("filesystem: %w", err)
	}

	cfg.App = app
	s := &Session{
		cfg:       cfg,
		callback:  cb,
		state:     Idle,
		started:   started,
		metadata:  metadata,
		ranges:    ranges,
		tree:      tree,
		resolver:  res,
		reader:    reader,
		fs:        fsys,
		mnt:       fsys,
		mountWait: mountWait,
	}
	if app.Mount.StatusAddr != "" {
		s.status = apiv1.NewServer(app.Mount.StatusAddr, s, app.PrettyLogs)
	}
	return s, nil
}

func defaultBackend() string {
	if runtime.GOOS == "linux" {
		return types.BackendGoFuse
	}
	return types.BackendCgoFuse
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Filesystem is the handle-based core, mainly for tests and tooling.
func (s *Session) Filesystem() *filesystem.Filesystem {
	return s.fs
}

func (s *Session) transition(next State, err error) {
	s.mu.Lock()
	s.state = next
	s.lastErr = err
	cb := s.callback
	s.mu.Unlock()

	if cb != nil {
		cb(next, err)
	}
}

// Start mounts the filesystem and serves it in the background. It returns
// once the kernel mount is live, or with the error that kept it from coming
// up. Use Wait to block until the mount goes away.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.state.Active() {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("already %s", state)
	}
	s.stopped = false
	s.mu.Unlock()

	s.transition(Mounting, nil)

	if s.status != nil {
		if err := s.status.Start(); err != nil {
			err = fmt.Errorf("status server: %w", err)
			s.transition(Failed, err)
			return err
		}
	}

	run := &serveRun{done: make(chan struct{})}
	ready := make(chan struct{})
	s.mu.Lock()
	s.run = run
	s.mu.Unlock()

	go func() {
		defer close(run.done)
		run.err = s.mnt.Mount(func() { close(ready) })
	}()

	select {
	case <-ready:
	case <-run.done:
		err := run.err
		if err == nil {
			err = errors.New("serve loop exited before the mount came up")
		}
		err = fmt.Errorf("mount: %w", err)
		s.finish(run, Failed, err)
		return err
	case <-time.After(s.mountWait):
		err := fmt.Errorf("mount: not ready after %s", s.mountWait)
		s.teardown(run)
		s.finish(run, Failed, err)
		return err
	}

	if !s.advance(Mounting, Mounted) {
		// Stopped or failed between the kernel mount and here.
		if err := s.Err(); err != nil {
			return err
		}
		return errors.New("mount: stopped before serving")
	}
	log.Info().
		Str("path", s.cfg.MountPoint).
		Str("backend", s.cfg.App.Mount.Backend).
		Str("account", s.cfg.App.Catalog.Account).
		Msg("mounted")
	return nil
}

// advance moves from one state to the next only if the session is still in
// the first.
func (s *Session) advance(from, to State) bool {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return false
	}
	s.state, s.lastErr = to, nil
	cb := s.callback
	s.mu.Unlock()

	if cb != nil {
		cb(to, nil)
	}
	return true
}

// Stop unmounts and releases everything the session holds. It is a no-op
// unless the session is mounting or mounted, and safe to call alongside Wait.
func (s *Session) Stop() {
	s.mu.Lock()
	run := s.run
	if s.stopped || run == nil || !s.state.Active() {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.transition(Unmounting, nil)
	s.teardown(run)
	s.finish(run, Idle, nil)
	log.Info().Str("path", s.cfg.MountPoint).Msg("unmounted")
}

// teardown asks the kernel to let go of the mount and waits a bounded time
// for the serve loop to return.
func (s *Session) teardown(run *serveRun) {
	if err := s.mnt.Unmount(); err != nil {
		log.Warn().Err(err).Str("path", s.cfg.MountPoint).Msg("unmount failed, forcing")
		forceUnmount(s.cfg.MountPoint)
	}

	select {
	case <-run.done:
	case <-time.After(unmountWait):
		log.Warn().Str("path", s.cfg.MountPoint).Msg("serve loop still running after unmount")
	}
}

// finish releases the run's resources and records its final state. Only the
// first caller per run has any effect.
func (s *Session) finish(run *serveRun, next State, err error) {
	run.finish.Do(func() {
		s.cleanup()
		s.transition(next, err)
	})
}

// cleanup drops every session-owned cache and closes any open stream
// sessions so nothing outlives the mount.
func (s *Session) cleanup() {
	s.reader.CloseAll()
	s.metadata.Purge()
	s.ranges.Purge()

	if s.status != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.status.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("status server shutdown")
		}
	}
}

// Wait blocks until the serve loop of the current run returns and reports
// its error. Any number of callers may wait, including while Stop runs.
func (s *Session) Wait() error {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()

	if run == nil {
		return nil
	}

	<-run.done
	if run.err != nil {
		s.finish(run, Failed, run.err)
	} else {
		s.finish(run, Idle, nil)
	}
	return run.err
}

// Health reports an error unless the session is mounted.
func (s *Session) Health() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Mounted {
		if s.lastErr != nil {
			return fmt.Errorf("%s: %w", s.state, s.lastErr)
		}
		return fmt.Errorf("session is %s", s.state)
	}
	return nil
}

func (s *Session) Stats() apiv1.Stats {
	state := s.State()
	return apiv1.Stats{
		MountPoint:  s.cfg.MountPoint,
		Backend:     s.cfg.App.Mount.Backend,
		State:       state.String(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		OpenHandles: s.fs.OpenHandles(),
		Tree:        s.tree.Stats(),
		Metadata:    s.metadata.Stats(),
		Ranges:      s.ranges.Stats(),
		Reader:      s.reader.Stats(),
	}
}

func forceUnmount(path string) {
	var cmds [][]string
	switch runtime.GOOS {
	case "darwin":
		cmds = [][]string{
			{"diskutil", "unmount", "force", path},
			{"umount", "-f", path},
		}
	case "linux":
		cmds = [][]string{
			{"fusermount3", "-u", "-z", path},
			{"fusermount", "-u", "-z", path},
		}
	}

	for _, args := range cmds {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := exec.CommandContext(ctx, args[0], args[1:]...).Run()
		cancel()
		if err == nil {
			return
		}
	}
}
