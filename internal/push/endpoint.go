package push

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Endpoint is a parsed Pushgateway base address.
type Endpoint struct {
	URL  *url.URL
	Host string
	Port string
}

// ParseEndpoint parses and validates a Pushgateway base URL. Only http and
// https URLs with a host are accepted.
func ParseEndpoint(raw string) (Endpoint, error) {
	if raw == "" {
		return Endpoint{}, fmt.Errorf("pushgateway url is required")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parsing pushgateway url %q: %w", raw, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return Endpoint{}, fmt.Errorf(
			"pushgateway url %q: unsupported scheme %q", raw, u.Scheme,
		)
	}

	if u.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("pushgateway url %q: missing host", raw)
	}

	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}

	u.Path = strings.TrimSuffix(u.Path, "/")

	return Endpoint{
		URL:  u,
		Host: u.Hostname(),
		Port: port,
	}, nil
}

// String returns the full base URL.
func (e Endpoint) String() string {
	if e.URL == nil {
		return ""
	}

	return e.URL.String()
}

// Identity scopes a pushed group at the gateway. The same identity must be
// used for every push and for the final delete.
type Identity struct {
	JobName   string
	Groupings map[string]string
}

// NewIdentity returns an Identity holding its own copy of groupings.
func NewIdentity(job string, groupings map[string]string) Identity {
	g := make(map[string]string, len(groupings))
	for k, v := range groupings {
		g[k] = v
	}

	return Identity{JobName: job, Groupings: g}
}

// Validate checks the job name and grouping label names.
func (i Identity) Validate() error {
	if i.JobName == "" {
		return fmt.Errorf("job name is required")
	}

	for name := range i.Groupings {
		switch {
		case name == "":
			return fmt.Errorf("grouping label name must not be empty")
		case name == "job":
			return fmt.Errorf("grouping label %q is reserved", name)
		case strings.HasPrefix(name, "__"):
			return fmt.Errorf("grouping label %q uses the reserved prefix", name)
		}
	}

	return nil
}

// LabelNames returns the grouping label names in sorted order.
func (i Identity) LabelNames() []string {
	names := make([]string, 0, len(i.Groupings))
	for k := range i.Groupings {
		names = append(names, k)
	}

	sort.Strings(names)

	return names
}

// Fields returns log fields describing the identity.
func (i Identity) Fields() logrus.Fields {
	return logrus.Fields{
		"job":       i.JobName,
		"groupings": i.Groupings,
	}
}
