package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/pushoor/internal/metrics"
	"github.com/ethpandaops/pushoor/internal/push"
	"github.com/ethpandaops/pushoor/internal/session"
)

// Agent is the top-level orchestrator for pushoor.
type Agent interface {
	// Start begins pushing metrics.
	Start(ctx context.Context) error
	// Stop disposes the push session and shuts down all components.
	Stop() error
	// Registry returns the registry whose state is pushed.
	Registry() *metrics.Registry
}

type agent struct {
	log      logrus.FieldLogger
	cfg      *Config
	registry *metrics.Registry
	dir      *session.Directory
	server   *metrics.Server
}

// New creates a new Agent. opts are passed to the session directory.
func New(log logrus.FieldLogger, cfg *Config, opts ...session.Option) (Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	registry := metrics.NewRegistry(log)

	base := []session.Option{
		session.WithAwaitReplacedDispose(cfg.AwaitReplacedDispose),
		session.WithDisposeTimeout(cfg.DisposeTimeout),
	}

	a := &agent{
		log:      log.WithField("component", "agent"),
		cfg:      cfg,
		registry: registry,
		dir:      session.NewDirectory(log, registry, append(base, opts...)...),
	}

	a.server = metrics.NewServer(log, cfg.Server, registry.Gatherer(), a.status)

	return a, nil
}

func (a *agent) Start(ctx context.Context) error {
	if err := a.server.Start(ctx); err != nil {
		return fmt.Errorf("starting local metrics server: %w", err)
	}

	s, err := a.dir.Start(ctx, a.cfg.Push, nil)
	if err != nil {
		return fmt.Errorf("starting push session: %w", err)
	}

	a.log.WithFields(s.Identity().Fields()).
		WithField("endpoint", s.Endpoint().String()).
		Info("Agent started")

	return nil
}

func (a *agent) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.DisposeTimeout)
	defer cancel()

	var errs []error

	if err := a.dir.Close(ctx); err != nil {
		a.log.WithError(err).Error("Pushed metrics may remain at the gateway")
		errs = append(errs, err)
	}

	a.registry.Stop()

	if err := a.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping local metrics server: %w", err))
	}

	return errors.Join(errs...)
}

func (a *agent) Registry() *metrics.Registry {
	return a.registry
}

func (a *agent) status() (string, bool) {
	s := a.dir.Current()
	if s == nil {
		return "no session", false
	}

	state := s.State()

	return state.String(), !session.IsTerminal(state)
}

// DeleteGroup removes the group cfg would push under. It is used to clean
// up after a shutdown whose final delete failed.
func DeleteGroup(ctx context.Context, log logrus.FieldLogger, cfg *Config) (push.Identity, error) {
	endpoint, err := cfg.Push.Validate()
	if err != nil {
		return push.Identity{}, fmt.Errorf("invalid push config: %w", err)
	}

	id := push.NewIdentity(
		cfg.Push.JobName,
		session.MergeGroupings(session.DefaultGroupings(log), cfg.Push.Groupings),
	)

	client, err := push.NewClient(log, endpoint, nil, cfg.Push.Client)
	if err != nil {
		return id, fmt.Errorf("creating gateway client: %w", err)
	}

	if err := client.Delete(ctx, id); err != nil {
		return id, err
	}

	return id, nil
}
