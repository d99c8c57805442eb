package session

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/pushoor/internal/metrics"
	"github.com/ethpandaops/pushoor/internal/push"
)

func TestDirectory_StartReplacesPrevious(t *testing.T) {
	h := newHarness(t)

	first, err := h.dir.Start(context.Background(), testConfig(), map[string]string{"run": "1"})
	require.NoError(t, err)

	second, err := h.dir.Start(context.Background(), testConfig(), map[string]string{"run": "2"})
	require.NoError(t, err)

	assert.Same(t, second, h.dir.Current())

	// Disposal of the first session is not awaited by Start.
	require.Eventually(t, func() bool {
		return first.State() == StateDisposed
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, StateRunning, second.State())

	require.NoError(t, h.dir.Close(context.Background()))
	assert.Nil(t, h.dir.Current())
	assert.Equal(t, StateDisposed, second.State())

	deletes := h.gw.opsOf("delete")
	require.Len(t, deletes, 2)

	runs := []string{deletes[0].Identity.Groupings["run"], deletes[1].Identity.Groupings["run"]}
	assert.ElementsMatch(t, []string{"1", "2"}, runs)
}

func TestDirectory_ReplacedSessionStopsTicking(t *testing.T) {
	h := newHarness(t)

	_, err := h.dir.Start(context.Background(), testConfig(), map[string]string{"run": "1"})
	require.NoError(t, err)

	h.waitPushes(t, 1)

	_, err = h.dir.Start(context.Background(), testConfig(), map[string]string{"run": "2"})
	require.NoError(t, err)

	h.waitPushes(t, 2)

	h.tick(time.Second)
	h.waitPushes(t, 3)

	time.Sleep(20 * time.Millisecond)

	pushes := h.gw.opsOf("push")
	require.Len(t, pushes, 3)
	assert.Equal(t, "2", pushes[2].Identity.Groupings["run"])
}

func TestDirectory_AwaitReplacedDispose(t *testing.T) {
	h := newHarness(t, WithAwaitReplacedDispose(true))

	first, err := h.dir.Start(context.Background(), testConfig(), map[string]string{"run": "1"})
	require.NoError(t, err)

	h.waitPushes(t, 1)

	_, err = h.dir.Start(context.Background(), testConfig(), map[string]string{"run": "2"})
	require.NoError(t, err)

	// Start returned, so the old delete already happened.
	assert.Equal(t, StateDisposed, first.State())

	h.waitPushes(t, 2)

	ops := h.gw.allOps()
	require.Len(t, ops, 3)
	assert.Equal(t, "delete", ops[1].Method)
	assert.Equal(t, "1", ops[1].Identity.Groupings["run"])
	assert.Equal(t, "push", ops[2].Method)
	assert.Equal(t, "2", ops[2].Identity.Groupings["run"])
}

func TestDirectory_AwaitReplacedDisposeFailureStillStarts(t *testing.T) {
	h := newHarness(t, WithAwaitReplacedDispose(true))
	h.gw.deleteErr = errors.New("gateway unavailable")

	_, err := h.dir.Start(context.Background(), testConfig(), nil)
	require.NoError(t, err)

	second, err := h.dir.Start(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	assert.Same(t, second, h.dir.Current())
}

func TestDirectory_InvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "malformed url", mutate: func(c *Config) { c.PushgatewayURL = "://bad" }, wantErr: "parsing pushgateway url"},
		{name: "missing url", mutate: func(c *Config) { c.PushgatewayURL = "" }, wantErr: "pushgateway url is required"},
		{name: "zero interval", mutate: func(c *Config) { c.PushInterval = 0 }, wantErr: "push_interval must be positive"},
		{name: "negative interval", mutate: func(c *Config) { c.PushInterval = -time.Second }, wantErr: "push_interval must be positive"},
		{name: "empty job", mutate: func(c *Config) { c.JobName = "" }, wantErr: "job name is required"},
		{name: "reserved grouping", mutate: func(c *Config) { c.Groupings = map[string]string{"job": "x"} }, wantErr: "reserved"},
		{name: "bad compression", mutate: func(c *Config) { c.Client.Compression = "lz4" }, wantErr: "invalid compression type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			cfg := testConfig()
			tt.mutate(&cfg)

			s, err := h.dir.Start(context.Background(), cfg, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Nil(t, s)
			assert.Nil(t, h.dir.Current())
			assert.Zero(t, h.gw.pushCount())
		})
	}
}

func TestDirectory_InvalidStartKeepsCurrent(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		labels  map[string]string
		wantErr string
	}{
		{name: "zero interval", mutate: func(c *Config) { c.PushInterval = 0 }, wantErr: "push_interval must be positive"},
		{name: "reserved job label", labels: map[string]string{"job": "x"}, wantErr: `grouping label "job" is reserved`},
		{name: "reserved prefix label", labels: map[string]string{"__name__": "x"}, wantErr: "reserved prefix"},
		{name: "empty label name", labels: map[string]string{"": "x"}, wantErr: "invalid identity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, WithAwaitReplacedDispose(true))

			first, err := h.dir.Start(context.Background(), testConfig(), nil)
			require.NoError(t, err)

			h.waitPushes(t, 1)

			cfg := testConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}

			s, err := h.dir.Start(context.Background(), cfg, tt.labels)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Nil(t, s)

			assert.Same(t, first, h.dir.Current())
			assert.Equal(t, StateRunning, first.State())
			assert.Empty(t, h.gw.opsOf("delete"))
			assert.Equal(t, 1, h.gw.pushCount())
		})
	}
}

func TestDirectory_CreateDoesNotTouchCurrent(t *testing.T) {
	h := newHarness(t)

	current, err := h.dir.Start(context.Background(), testConfig(), nil)
	require.NoError(t, err)

	owned, err := h.dir.Create(context.Background(), testConfig(), map[string]string{"shard": "b"})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = owned.Dispose(context.Background())
	})

	assert.Same(t, current, h.dir.Current())
	assert.Equal(t, StateRunning, current.State())
	assert.Equal(t, StateRunning, owned.State())
	assert.Equal(t, "b", owned.Identity().Groupings["shard"])

	require.NoError(t, h.dir.Close(context.Background()))
	assert.Equal(t, StateRunning, owned.State())
}

func TestDirectory_ClosedRejectsStart(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.dir.Close(context.Background()))
	require.NoError(t, h.dir.Close(context.Background()))

	_, err := h.dir.Start(context.Background(), testConfig(), nil)
	assert.ErrorIs(t, err, ErrDirectoryClosed)

	_, err = h.dir.Create(context.Background(), testConfig(), nil)
	assert.ErrorIs(t, err, ErrDirectoryClosed)
}

func TestDirectory_CloseReportsBackgroundFailures(t *testing.T) {
	h := newHarness(t)
	h.gw.deleteErr = errors.New("gateway unavailable")

	_, err := h.dir.Start(context.Background(), testConfig(), nil)
	require.NoError(t, err)

	_, err = h.dir.Start(context.Background(), testConfig(), nil)
	require.NoError(t, err)

	err = h.dir.Close(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, h.gw.deleteErr)
	assert.Contains(t, err.Error(), "background dispose")
}

func TestDirectory_MergesGroupings(t *testing.T) {
	h := newHarness(t, WithDefaultGroupings(map[string]string{
		"hostname": "node-1",
		"username": "alice",
	}))

	cfg := testConfig()
	cfg.Groupings = map[string]string{"username": "svc-user"}

	s, err := h.dir.Start(context.Background(), cfg, map[string]string{"instance": "a"})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"hostname": "node-1",
		"username": "svc-user",
		"instance": "a",
	}, s.Identity().Groupings)
}

func TestDirectory_EnablesDefaultMetrics(t *testing.T) {
	h := newHarness(t)

	cfg := testConfig()
	cfg.DefaultBlacklist = []string{"go_threads"}
	cfg.MetricsInterval = 5 * time.Second

	_, err := h.dir.Start(context.Background(), cfg, nil)
	require.NoError(t, err)

	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()

	require.Len(t, h.reg.defaults, 1)
	assert.Equal(t, metrics.DefaultsConfig{
		Blacklist: []string{"go_threads"},
		Interval:  5 * time.Second,
	}, h.reg.defaults[0])
	assert.Equal(t, 1, h.reg.sessions)
}

func TestDirectory_GatewayFactoryError(t *testing.T) {
	var calls atomic.Int32

	h := newHarness(t)
	h.dir.newGateway = func(push.Endpoint, prometheus.Gatherer, push.ClientConfig) (push.Gateway, error) {
		if calls.Add(1) > 1 {
			return nil, errors.New("no transport")
		}

		return h.gw, nil
	}

	first, err := h.dir.Start(context.Background(), testConfig(), nil)
	require.NoError(t, err)

	_, err = h.dir.Start(context.Background(), testConfig(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "creating gateway client")

	assert.Same(t, first, h.dir.Current())
	assert.Equal(t, StateRunning, first.State())
	assert.Empty(t, h.gw.opsOf("delete"))
}

func TestDirectory_FatalHookDisposesLiveSessions(t *testing.T) {
	h := newHarness(t)

	replaced, err := h.dir.Start(context.Background(), testConfig(), map[string]string{"run": "1"})
	require.NoError(t, err)

	current, err := h.dir.Start(context.Background(), testConfig(), map[string]string{"run": "2"})
	require.NoError(t, err)

	owned, err := h.dir.Create(context.Background(), testConfig(), map[string]string{"run": "3"})
	require.NoError(t, err)

	// One handler per directory, however many sessions it started.
	assert.Equal(t, 1, h.hooks.count())

	h.hooks.fire()

	for _, s := range []*Session{replaced, current, owned} {
		assert.Equal(t, StateDisposed, s.State())
	}

	require.Len(t, h.gw.opsOf("delete"), 3)

	h.dir.liveMu.Lock()
	defer h.dir.liveMu.Unlock()

	assert.Empty(t, h.dir.live)
}

func TestDirectory_DisposedSessionsAreReleased(t *testing.T) {
	h := newHarness(t)

	owned, err := h.dir.Create(context.Background(), testConfig(), nil)
	require.NoError(t, err)

	h.dir.liveMu.Lock()
	assert.Len(t, h.dir.live, 1)
	h.dir.liveMu.Unlock()

	require.NoError(t, owned.Dispose(context.Background()))

	h.dir.liveMu.Lock()
	defer h.dir.liveMu.Unlock()

	assert.Empty(t, h.dir.live)
}

func TestDefaultGroupings(t *testing.T) {
	groupings := DefaultGroupings(testLog())

	hostname, err := os.Hostname()
	require.NoError(t, err)

	assert.Equal(t, hostname, groupings["hostname"])
	assert.NotEmpty(t, groupings["username"])
}

func TestMergeGroupings(t *testing.T) {
	merged := MergeGroupings(
		map[string]string{"a": "1", "b": "1"},
		nil,
		map[string]string{"b": "2"},
	)

	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, merged)
}
