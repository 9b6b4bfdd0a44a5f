package proxyfleet

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestDeadline(t *testing.T, tiers map[string]time.Duration, skip DeadlineSkip) *RequestDeadline {
	t.Helper()
	reg := prometheus.NewRegistry()
	d, err := NewRequestDeadline(50*time.Millisecond, tiers, []DeadlineSource{{Type: "header", Name: "X-Tier"}}, skip, 0, 0, "test_fleet", reg)
	if err != nil {
		t.Fatalf("building deadline: %v", err)
	}
	return d
}

func TestRequestDeadlineAppliesDefaultTimeout(t *testing.T) {
	d := newTestDeadline(t, nil, DeadlineSkip{})

	blocked := make(chan struct{})
	handler := d.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
		close(blocked)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("handler did not observe context cancellation within the deadline")
	}
}

func TestRequestDeadlineTierFromHeader(t *testing.T) {
	d := newTestDeadline(t, map[string]time.Duration{"slow": time.Hour}, DeadlineSkip{})

	var deadlineSet bool
	handler := d.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, deadlineSet = r.Context().Deadline()
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Tier", "slow")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !deadlineSet {
		t.Error("expected a deadline to still be set even for a long tier timeout")
	}
}

func TestRequestDeadlineSkipsWebSocketUpgrades(t *testing.T) {
	d := newTestDeadline(t, nil, DeadlineSkip{WebSocket: true})

	var hadDeadline bool
	handler := d.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hadDeadline = r.Context().Deadline()
	}))

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if hadDeadline {
		t.Error("expected no deadline applied to a WebSocket upgrade request")
	}
}

func TestRequestDeadlineSkipsGRPC(t *testing.T) {
	d := newTestDeadline(t, nil, DeadlineSkip{GRPC: true})

	var hadDeadline bool
	handler := d.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hadDeadline = r.Context().Deadline()
	}))

	req := httptest.NewRequest(http.MethodPost, "/pkg.Service/Method", nil)
	req.Header.Set("Content-Type", "application/grpc")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if hadDeadline {
		t.Error("expected no deadline applied to a gRPC request when GRPC skip is enabled")
	}
}
