// Package push talks to a Prometheus Pushgateway: it pushes the current
// state of a gatherer under an identity and deletes that identity again.
package push

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	pgw "github.com/prometheus/client_golang/prometheus/push"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/pushoor/internal/version"
)

// Gateway is the transport used by push sessions.
type Gateway interface {
	// PushAdd additively pushes the current metric state under id. Groups
	// pushed under other identities are left untouched.
	PushAdd(ctx context.Context, id Identity) error
	// Delete removes every series pushed under id.
	Delete(ctx context.Context, id Identity) error
}

// Client implements Gateway on top of the client_golang push package.
type Client struct {
	log      logrus.FieldLogger
	endpoint Endpoint
	gatherer prometheus.Gatherer
	doer     pgw.HTTPDoer
	header   http.Header
}

// compile-time check that Client implements Gateway.
var _ Gateway = (*Client)(nil)

// NewClient creates a Pushgateway client for endpoint. Pushes serialize
// whatever gatherer returns at push time.
func NewClient(
	log logrus.FieldLogger,
	endpoint Endpoint,
	gatherer prometheus.Gatherer,
	cfg ClientConfig,
) (*Client, error) {
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}

	transport := &http.Transport{
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}

	header := make(http.Header, len(cfg.Headers)+1)
	header.Set("User-Agent", version.UserAgent())

	for k, v := range cfg.Headers {
		header.Set(k, v)
	}

	return &Client{
		log:      log.WithField("component", "pushgateway"),
		endpoint: endpoint,
		gatherer: gatherer,
		doer:     newCompressingDoer(client, cfg.Compression),
		header:   header,
	}, nil
}

// PushAdd issues a POST for id, which only replaces metrics with the same
// names inside the group identified by id.
func (c *Client) PushAdd(ctx context.Context, id Identity) error {
	if err := c.pusher(ctx, id).Gatherer(c.gatherer).Add(); err != nil {
		return fmt.Errorf("pushing to %s: %w", c.endpoint, err)
	}

	c.log.WithFields(id.Fields()).Trace("Pushed metrics")

	return nil
}

// Delete issues a DELETE for the group identified by id.
func (c *Client) Delete(ctx context.Context, id Identity) error {
	if err := c.pusher(ctx, id).Delete(); err != nil {
		return fmt.Errorf("deleting from %s: %w", c.endpoint, err)
	}

	c.log.WithFields(id.Fields()).Trace("Deleted metrics group")

	return nil
}

// pusher builds a Pusher bound to ctx. Pushers are cheap and carry mutable
// state, so each request gets its own.
func (c *Client) pusher(ctx context.Context, id Identity) *pgw.Pusher {
	p := pgw.New(c.endpoint.String(), id.JobName).
		Client(contextDoer{ctx: ctx, next: c.doer})

	for _, name := range id.LabelNames() {
		p = p.Grouping(name, id.Groupings[name])
	}

	// The pusher writes Content-Type into the header it is given.
	return p.Header(c.header.Clone())
}

// contextDoer attaches ctx to every request. Pusher.Delete has no
// context-aware variant.
type contextDoer struct {
	ctx  context.Context
	next pgw.HTTPDoer
}

func (d contextDoer) Do(req *http.Request) (*http.Response, error) {
	return d.next.Do(req.WithContext(d.ctx))
}
