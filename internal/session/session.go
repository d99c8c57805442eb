// Package session owns the lifecycle of metric push sessions: a recurring
// additive push to a Pushgateway, pause/resume, and a terminal dispose that
// deletes the pushed group again.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/pushoor/internal/push"
)

// ErrDisposed is returned when a disposed session is paused or resumed.
var ErrDisposed = errors.New("session disposed")

// Recorder observes push and delete outcomes.
type Recorder interface {
	ObservePush(d time.Duration, err error)
	ObserveDelete(err error)
}

type nopRecorder struct{}

func (nopRecorder) ObservePush(time.Duration, error) {}
func (nopRecorder) ObserveDelete(error)              {}

// Session periodically pushes metrics under a fixed identity.
type Session struct {
	log         logrus.FieldLogger
	endpoint    push.Endpoint
	identity    push.Identity
	interval    time.Duration
	pushTimeout time.Duration
	gateway     push.Gateway
	clock       clock.Clock
	recorder    Recorder
	onDisposed  func(*Session)

	// ctx is cancelled on dispose and aborts in-flight pushes.
	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	mu       sync.Mutex
	state    State
	stop     chan struct{}
	loopDone chan struct{}

	disposeOnce sync.Once
	disposeErr  error
}

type sessionParams struct {
	log         logrus.FieldLogger
	endpoint    push.Endpoint
	identity    push.Identity
	interval    time.Duration
	pushTimeout time.Duration
	gateway     push.Gateway
	clock       clock.Clock
	recorder    Recorder
	// onDisposed runs once the dispose has finished, whatever its outcome.
	onDisposed func(*Session)
}

// newSession dispatches the first push and arms the ticker. It never waits
// on the network.
func newSession(p sessionParams) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	recorder := p.recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}

	s := &Session{
		log:         p.log.WithField("component", "session").WithFields(p.identity.Fields()),
		endpoint:    p.endpoint,
		identity:    p.identity,
		interval:    p.interval,
		pushTimeout: p.pushTimeout,
		gateway:     p.gateway,
		clock:       p.clock,
		recorder:    recorder,
		onDisposed:  p.onDisposed,
		ctx:         ctx,
		cancel:      cancel,
		state:       StatePaused,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.dispatch()
	s.resumeLocked()

	s.log.WithFields(logrus.Fields{
		"endpoint": s.endpoint.String(),
		"interval": s.interval,
	}).Info("Push session started")

	return s
}

// Identity returns a copy of the identity used for every push and the
// final delete.
func (s *Session) Identity() push.Identity {
	return push.NewIdentity(s.identity.JobName, s.identity.Groupings)
}

// Endpoint returns the gateway endpoint.
func (s *Session) Endpoint() push.Endpoint {
	return s.endpoint
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Resume arms the recurring push. Resuming a running session is a no-op.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDisposed {
		return ErrDisposed
	}

	s.resumeLocked()

	return nil
}

// Pause stops the recurring push. Pushes already in flight are not
// cancelled. Pausing a paused session is a no-op.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDisposed {
		return ErrDisposed
	}

	s.pauseLocked()

	return nil
}

// Dispose pauses the session and deletes its group from the gateway. It
// runs once; later and concurrent callers get the same result.
func (s *Session) Dispose(ctx context.Context) error {
	s.disposeOnce.Do(func() {
		s.disposeErr = s.dispose(ctx)

		if s.onDisposed != nil {
			s.onDisposed(s)
		}
	})

	return s.disposeErr
}

func (s *Session) dispose(ctx context.Context) error {
	s.mu.Lock()
	s.pauseLocked()
	s.setStateLocked(StateDisposed)
	s.mu.Unlock()

	// A push landing after the delete would recreate the group.
	s.cancel()

	if err := s.waitInflight(ctx); err != nil {
		s.log.WithError(err).Error("Gave up waiting for in-flight pushes")

		return fmt.Errorf("waiting for in-flight pushes: %w", err)
	}

	err := s.gateway.Delete(ctx, s.identity)
	s.recorder.ObserveDelete(err)

	if err != nil {
		s.log.WithError(err).Error("Failed to delete pushed metrics")

		return fmt.Errorf("deleting pushed metrics: %w", err)
	}

	s.log.Info("Push session disposed")

	return nil
}

func (s *Session) resumeLocked() {
	if s.stop != nil {
		return
	}

	ticker := s.clock.Ticker(s.interval)
	s.stop = make(chan struct{})
	s.loopDone = make(chan struct{})

	go s.loop(ticker, s.stop, s.loopDone)

	s.setStateLocked(StateRunning)
}

// pauseLocked waits for the loop to exit so no tick is dispatched after it
// returns.
func (s *Session) pauseLocked() {
	if s.stop == nil {
		return
	}

	close(s.stop)
	<-s.loopDone

	s.stop = nil
	s.loopDone = nil

	s.setStateLocked(StatePaused)
}

func (s *Session) setStateLocked(to State) {
	if s.state == to {
		return
	}

	if !CanTransition(s.state, to) {
		s.log.WithFields(logrus.Fields{
			"from": s.state,
			"to":   to,
		}).Warn("Unexpected session state transition")
	}

	s.state = to
}

func (s *Session) loop(ticker *clock.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.dispatch()
		}
	}
}

// dispatch starts a push without waiting for it.
func (s *Session) dispatch() {
	s.inflight.Add(1)

	go s.push()
}

func (s *Session) push() {
	// A panicking collector would otherwise kill the process without
	// running the exit handlers that delete the group. Registered first so
	// the push is no longer in flight when those handlers dispose.
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Fatal("Push panicked")
		}
	}()
	defer s.inflight.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.pushTimeout)
	defer cancel()

	start := s.clock.Now()
	err := s.gateway.PushAdd(ctx, s.identity)

	s.recorder.ObservePush(s.clock.Since(start), err)

	if err != nil {
		if s.ctx.Err() != nil {
			s.log.WithError(err).Debug("Push aborted by dispose")

			return
		}

		s.log.WithError(err).Warn("Failed to push metrics")

		return
	}

	s.log.Debug("Pushed metrics")
}

func (s *Session) waitInflight(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
