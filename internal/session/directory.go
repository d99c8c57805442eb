package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/pushoor/internal/metrics"
	"github.com/ethpandaops/pushoor/internal/push"
)

// ErrDirectoryClosed is returned by Start and Create after Close.
var ErrDirectoryClosed = errors.New("session directory closed")

// GatewayFactory builds the transport for a session.
type GatewayFactory func(
	endpoint push.Endpoint,
	gatherer prometheus.Gatherer,
	cfg push.ClientConfig,
) (push.Gateway, error)

// Registry is the metric registry sessions push from.
type Registry interface {
	Gatherer() prometheus.Gatherer
	EnableDefaults(cfg metrics.DefaultsConfig) error
	ObserveSessionStarted()
	Recorder
}

// Option configures a Directory.
type Option func(*Directory)

// WithClock sets the clock driving push tickers.
func WithClock(c clock.Clock) Option {
	return func(d *Directory) { d.clock = c }
}

// WithFatalHooks sets where sessions register fatal-error cleanup.
func WithFatalHooks(h FatalHooks) Option {
	return func(d *Directory) { d.hooks = h }
}

// WithGatewayFactory overrides the gateway transport.
func WithGatewayFactory(f GatewayFactory) Option {
	return func(d *Directory) { d.newGateway = f }
}

// WithAwaitReplacedDispose makes Start wait for the replaced session's
// delete before creating the new session.
func WithAwaitReplacedDispose(await bool) Option {
	return func(d *Directory) { d.awaitDispose = await }
}

// WithDisposeTimeout bounds background and fatal-hook disposals.
func WithDisposeTimeout(timeout time.Duration) Option {
	return func(d *Directory) { d.disposeTimeout = timeout }
}

// WithDefaultGroupings overrides the hostname/username groupings.
func WithDefaultGroupings(g map[string]string) Option {
	return func(d *Directory) { d.defaults = g }
}

// Directory holds at most one active session. Starting a session disposes
// the previous one.
type Directory struct {
	log            logrus.FieldLogger
	registry       Registry
	clock          clock.Clock
	hooks          FatalHooks
	newGateway     GatewayFactory
	awaitDispose   bool
	disposeTimeout time.Duration
	defaults       map[string]string

	mu      sync.Mutex
	current *Session
	closed  bool
	pending errgroup.Group

	// live holds every undisposed session, including those from Create,
	// for the fatal handler.
	liveMu sync.Mutex
	live   map[*Session]struct{}
}

// plan is a validated session config, ready to be started.
type plan struct {
	cfg      Config
	endpoint push.Endpoint
	identity push.Identity
	gateway  push.Gateway
}

// NewDirectory creates an empty Directory pushing from registry.
func NewDirectory(log logrus.FieldLogger, registry Registry, opts ...Option) *Directory {
	d := &Directory{
		log:            log.WithField("component", "directory"),
		registry:       registry,
		clock:          clock.New(),
		hooks:          LogrusHooks{},
		disposeTimeout: 10 * time.Second,
		live:           make(map[*Session]struct{}),
	}

	d.newGateway = func(
		endpoint push.Endpoint,
		gatherer prometheus.Gatherer,
		cfg push.ClientConfig,
	) (push.Gateway, error) {
		return push.NewClient(log, endpoint, gatherer, cfg)
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.defaults == nil {
		d.defaults = DefaultGroupings(d.log)
	}

	if d.hooks != nil {
		d.hooks.OnFatal(d.onFatal)
	}

	return d
}

// Start creates a session and makes it the current one. A previously held
// session is disposed first; whether Start waits for that delete depends
// on WithAwaitReplacedDispose. If cfg or labels are invalid the held
// session keeps running.
func (d *Directory) Start(ctx context.Context, cfg Config, labels map[string]string) (*Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDirectoryClosed
	}

	p, err := d.prepare(cfg, labels)
	if err != nil {
		return nil, err
	}

	if prev := d.current; prev != nil {
		d.current = nil
		d.disposeReplaced(ctx, prev)
	}

	d.current = d.build(p)

	return d.current, nil
}

// Create builds a session the caller owns. The current session is not
// consulted or replaced.
func (d *Directory) Create(_ context.Context, cfg Config, labels map[string]string) (*Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDirectoryClosed
	}

	p, err := d.prepare(cfg, labels)
	if err != nil {
		return nil, err
	}

	return d.build(p), nil
}

// Current returns the held session, or nil.
func (d *Directory) Current() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.current
}

// Close disposes the held session and waits for background disposals.
// Sessions handed out by Create are not touched.
func (d *Directory) Close(ctx context.Context) error {
	d.mu.Lock()

	if d.closed {
		d.mu.Unlock()

		return nil
	}

	d.closed = true
	current := d.current
	d.current = nil
	d.mu.Unlock()

	var errs []error

	if current != nil {
		if err := current.Dispose(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := d.pending.Wait(); err != nil {
		errs = append(errs, fmt.Errorf("background dispose: %w", err))
	}

	return errors.Join(errs...)
}

// prepare validates everything a new session needs without touching the
// held session.
func (d *Directory) prepare(cfg Config, labels map[string]string) (plan, error) {
	cfg.ApplyDefaults()

	endpoint, err := cfg.Validate()
	if err != nil {
		return plan{}, fmt.Errorf("invalid session config: %w", err)
	}

	identity := push.NewIdentity(cfg.JobName, MergeGroupings(d.defaults, cfg.Groupings, labels))
	if err := identity.Validate(); err != nil {
		return plan{}, fmt.Errorf("invalid identity: %w", err)
	}

	gateway, err := d.newGateway(endpoint, d.registry.Gatherer(), cfg.Client)
	if err != nil {
		return plan{}, fmt.Errorf("creating gateway client: %w", err)
	}

	if err := d.registry.EnableDefaults(metrics.DefaultsConfig{
		Blacklist: cfg.DefaultBlacklist,
		Interval:  cfg.MetricsInterval,
	}); err != nil {
		return plan{}, fmt.Errorf("enabling default metrics: %w", err)
	}

	return plan{
		cfg:      cfg,
		endpoint: endpoint,
		identity: identity,
		gateway:  gateway,
	}, nil
}

func (d *Directory) build(p plan) *Session {
	s := newSession(sessionParams{
		log:         d.log,
		endpoint:    p.endpoint,
		identity:    p.identity,
		interval:    p.cfg.PushInterval,
		pushTimeout: p.cfg.PushTimeout,
		gateway:     p.gateway,
		clock:       d.clock,
		recorder:    d.registry,
		onDisposed:  d.untrack,
	})

	d.liveMu.Lock()
	d.live[s] = struct{}{}
	d.liveMu.Unlock()

	d.registry.ObserveSessionStarted()

	return s
}

func (d *Directory) untrack(s *Session) {
	d.liveMu.Lock()
	defer d.liveMu.Unlock()

	delete(d.live, s)
}

// onFatal disposes every live session. It runs from the process's fatal
// path, so it only takes liveMu and never d.mu.
func (d *Directory) onFatal() {
	d.liveMu.Lock()
	sessions := make([]*Session, 0, len(d.live))

	for s := range d.live {
		sessions = append(sessions, s)
	}
	d.liveMu.Unlock()

	if len(sessions) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.disposeTimeout)
	defer cancel()

	var g errgroup.Group

	for _, s := range sessions {
		s := s

		g.Go(func() error {
			return s.Dispose(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		d.log.WithError(err).Error("Fatal cleanup left pushed metrics behind")
	}
}

func (d *Directory) disposeReplaced(ctx context.Context, prev *Session) {
	if d.awaitDispose {
		if err := prev.Dispose(ctx); err != nil {
			d.log.WithError(err).Warn("Replaced session did not clean up")
		}

		return
	}

	// The old push loop stops here, before the new session exists.
	if err := prev.Pause(); err != nil && !errors.Is(err, ErrDisposed) {
		d.log.WithError(err).Warn("Failed to pause replaced session")
	}

	d.pending.Go(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), d.disposeTimeout)
		defer cancel()

		return prev.Dispose(ctx)
	})
}

// DefaultGroupings returns the hostname and username of the process.
func DefaultGroupings(log logrus.FieldLogger) map[string]string {
	groupings := make(map[string]string, 2)

	if hostname, err := os.Hostname(); err != nil {
		log.WithError(err).Warn("Failed to resolve hostname")
	} else {
		groupings["hostname"] = hostname
	}

	if u, err := user.Current(); err != nil {
		log.WithError(err).Warn("Failed to resolve username")
	} else {
		groupings["username"] = u.Username
	}

	return groupings
}

// MergeGroupings merges label sets; later sets win.
func MergeGroupings(sets ...map[string]string) map[string]string {
	merged := make(map[string]string)

	for _, set := range sets {
		for k, v := range set {
			merged[k] = v
		}
	}

	return merged
}
