package proxyfleet

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestHealthEndpointHealthyWhenAnyClusterReady(t *testing.T) {
	chain := NewChainState("eth")
	chain.UpdateTip("http://a", 100)

	clusters := map[string]*Cluster{
		"http://a": NewCluster(NodeDescriptor{ProxyURI: "http://a"}, 1),
	}

	handler := ServeHealthEndpoint("eth", clusters, chain, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}

	var resp HealthEndpointResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("got status %q, want healthy", resp.Status)
	}
	if resp.Nodes.Total != 1 || resp.Nodes.Ready != 1 {
		t.Errorf("got nodes %+v, want total=1 ready=1", resp.Nodes)
	}
	if len(resp.Upstreams) != 1 || resp.Upstreams[0].Tip != 100 {
		t.Errorf("expected tip 100 reported for the upstream, got %+v", resp.Upstreams)
	}
}

func TestHealthEndpointUnhealthyWhenNoClusterReady(t *testing.T) {
	cluster := NewCluster(NodeDescriptor{ProxyURI: "http://a"}, 1)
	cluster.RecordFailure()

	clusters := map[string]*Cluster{"http://a": cluster}

	handler := ServeHealthEndpoint("eth", clusters, NewChainState("eth"), nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got status %d, want 503", rec.Code)
	}

	var resp HealthEndpointResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "unhealthy" {
		t.Errorf("got status %q, want unhealthy", resp.Status)
	}
}

func TestHealthEndpointRejectsNonGET(t *testing.T) {
	handler := ServeHealthEndpoint("eth", map[string]*Cluster{}, nil, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("got status %d, want 405", rec.Code)
	}
}
