package proxyfleet

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HealthEndpointResponse is the per-listener diagnostic payload served at
// /healthz on each chain/common listener, next to its proxy handler.
type HealthEndpointResponse struct {
	Status    string       `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Chain     string       `json:"chain"`
	Nodes     NodesStatus  `json:"nodes"`
	Upstreams []NodeStatus `json:"upstreams"`
}

// NodesStatus summarizes the pool.
type NodesStatus struct {
	Total   int `json:"total"`
	Ready   int `json:"ready"`
	NotReady int `json:"not_ready"`
}

// NodeStatus is one upstream's current circuit state and tip, for
// operators eyeballing `/healthz` during an incident.
type NodeStatus struct {
	ProxyURI string `json:"proxy_uri"`
	Ready    bool   `json:"ready"`
	Tip      uint64 `json:"tip,omitempty"`
	Healthy  *bool  `json:"healthy,omitempty"`
}

// ServeHealthEndpoint builds the `/healthz` handler for one listener. chain
// is nil in common mode, common is nil in chain mode - mirrors the
// ChainState/NodeState split used everywhere else.
func ServeHealthEndpoint(chainLabel string, clusters map[string]*Cluster, chain *ChainState, common *NodeState, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var tips map[string]uint64
		var healthy map[string]bool
		if chain != nil {
			tips = chain.SnapshotTips()
		}
		if common != nil {
			healthy = common.SnapshotHealthy()
		}

		resp := &HealthEndpointResponse{
			Timestamp: time.Now(),
			Chain:     chainLabel,
		}

		for uri, cluster := range clusters {
			ready := cluster.Ready()
			status := NodeStatus{ProxyURI: uri, Ready: ready}
			if tips != nil {
				status.Tip = tips[uri]
			}
			if healthy != nil {
				h := healthy[uri]
				status.Healthy = &h
			}
			resp.Upstreams = append(resp.Upstreams, status)
			resp.Nodes.Total++
			if ready {
				resp.Nodes.Ready++
			} else {
				resp.Nodes.NotReady++
			}
		}

		resp.Status = "healthy"
		if resp.Nodes.Ready == 0 {
			resp.Status = "unhealthy"
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Error("failed to encode health response", zap.Error(err))
		}
	}
}
