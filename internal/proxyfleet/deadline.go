package proxyfleet

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DeadlineSource describes where to read a tier name from on an inbound
// request.
type DeadlineSource struct {
	Type string // header|query
	Name string
}

// DeadlineSkip controls which requests are excluded from deadline
// enforcement - proxied gRPC and WebSocket upgrades run for the life of
// the stream and should not be clipped by a fixed per-request timeout.
type DeadlineSkip struct {
	WebSocket bool
	GRPC      bool
}

// RequestDeadline is a plain net/http middleware applying a per-tier
// context deadline ahead of the selector/proxy pipeline. It is a standard
// http.Handler wrapper since this fleet owns its own server loop instead of
// plugging into someone else's.
type RequestDeadline struct {
	Sources        []DeadlineSource
	DefaultTimeout time.Duration
	Tiers          map[string]time.Duration
	Skip           DeadlineSkip
	MinTimeout     time.Duration
	MaxTimeout     time.Duration

	metrics *deadlineMetrics
}

type deadlineMetrics struct {
	appliedTotal  *prometheus.CounterVec
	timeoutsTotal *prometheus.CounterVec
}

// NewRequestDeadline builds a deadline middleware and registers its metrics
// with reg, tolerating re-registration across listeners sharing a registry.
func NewRequestDeadline(defaultTimeout time.Duration, tiers map[string]time.Duration, sources []DeadlineSource, skip DeadlineSkip, min, max time.Duration, namespace string, reg prometheus.Registerer) (*RequestDeadline, error) {
	d := &RequestDeadline{
		Sources:        sources,
		DefaultTimeout: defaultTimeout,
		Tiers:          tiers,
		Skip:           skip,
		MinTimeout:     min,
		MaxTimeout:     max,
	}

	m := &deadlineMetrics{
		appliedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "request_deadline",
			Name:      "applied_total",
			Help:      "Total number of requests where a deadline was applied",
		}, []string{"tier"}),
		timeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "request_deadline",
			Name:      "timeouts_total",
			Help:      "Total number of requests that exceeded their deadline",
		}, []string{"tier", "method", "host"}),
	}
	var err error
	if m.appliedTotal, err = registerCounterVec(reg, m.appliedTotal); err != nil {
		return nil, fmt.Errorf("registering request_deadline metrics: %w", err)
	}
	if m.timeoutsTotal, err = registerCounterVec(reg, m.timeoutsTotal); err != nil {
		return nil, fmt.Errorf("registering request_deadline metrics: %w", err)
	}
	d.metrics = m
	return d, nil
}

// Wrap applies the deadline and forwards to next.
func (d *RequestDeadline) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d.shouldSkip(r) {
			next.ServeHTTP(w, r)
			return
		}

		tier := d.resolveTier(r)
		timeout := d.DefaultTimeout
		if t, ok := d.Tiers[tier]; ok {
			timeout = t
		}
		if d.MinTimeout > 0 && timeout < d.MinTimeout {
			timeout = d.MinTimeout
		}
		if d.MaxTimeout > 0 && timeout > d.MaxTimeout {
			timeout = d.MaxTimeout
		}
		if timeout <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		if tier == "" {
			tier = "__default__"
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		d.metrics.appliedTotal.WithLabelValues(tier).Inc()
		next.ServeHTTP(w, r.WithContext(ctx))

		if ctx.Err() == context.DeadlineExceeded {
			d.metrics.timeoutsTotal.WithLabelValues(tier, r.Method, r.Host).Inc()
		}
	})
}

func (d *RequestDeadline) shouldSkip(r *http.Request) bool {
	if d.Skip.WebSocket {
		if strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") &&
			strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			return true
		}
	}
	if d.Skip.GRPC {
		if strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "application/grpc") {
			return true
		}
	}
	return false
}

func (d *RequestDeadline) resolveTier(r *http.Request) string {
	for _, s := range d.Sources {
		switch s.Type {
		case "header":
			if v := strings.TrimSpace(r.Header.Get(s.Name)); v != "" {
				return v
			}
		case "query":
			if v := strings.TrimSpace(r.URL.Query().Get(s.Name)); v != "" {
				return v
			}
		}
	}
	return ""
}
