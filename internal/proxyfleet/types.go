// Package proxyfleet implements the chain-aware health engine, upstream
// selector and per-listener proxy apps that back the chain-proxy-fleet
// reverse proxy.
package proxyfleet

import (
	"strings"
	"sync"
	"time"
)

// Protocol is the wire protocol a listener speaks to its downstream clients
// and, modulo the unify listener, to its upstream pool.
type Protocol string

const (
	ProtocolJSONRPC Protocol = "jsonrpc"
	ProtocolHTTP    Protocol = "http"
	ProtocolGRPC    Protocol = "grpc"
)

// NodeDescriptor is one configured upstream, immutable after load. Built once
// by the service factory (C8) from a Node config entry and handed by value to
// the probe task and the listener's cluster map.
type NodeDescriptor struct {
	ProxyAddr     string // host:port used to open TCP/TLS
	ProxyTLS      bool
	ProxyHostname string // SNI + outgoing Host header
	ProxyURI      string // canonical upstream URL, the C3/C4 map key
	Priority      int32
	HealthProbe   HealthProbeSpec
	BlockGap      uint64 // chain mode only
	ChainType     string // selects the C1 validator; empty for common mode

	// WebSocketURL, when set, is probed as a best-effort supplemental
	// liveness signal alongside the primary HTTP probe. Never fails the
	// node on its own.
	WebSocketURL string
}

// HealthProbeSpec configures the periodic probe (C2) for one node.
type HealthProbeSpec struct {
	Path          string
	Method        string
	RequestBody   []byte
	Interval      time.Duration
	AuthUser      string
	AuthPass      string
	CustomHeaders map[string]string
}

// SpecialMethodRoute is an alternate pool selected by an exact match on the
// X-Proxy-Jsonrpc-Method header, bypassing tip-gap eligibility.
type SpecialMethodRoute struct {
	MethodName string
	Nodes      []NodeDescriptor
}

// ChainState is the shared, mutable tip table for one chain listener. It is
// referenced by the listener's probe tasks (writers) and request handler
// (readers); see state.go for the guarded accessors.
type ChainState struct {
	ChainName string

	mu   sync.Mutex
	tips map[string]uint64 // proxy_uri -> tip
}

// NodeState is the common-mode analogue of ChainState: a plain healthy flag
// per upstream, no tip tracking.
type NodeState struct {
	NodeName string

	mu      sync.Mutex
	healthy map[string]bool
}

// ProxyRequestCtx is attached to the request context for the lifetime of one
// in-flight request. The body buffers are only populated when the owning
// listener has LogRequestDetail enabled.
type ProxyRequestCtx struct {
	LogDetail bool

	mu           sync.Mutex
	requestBody  []byte
	responseBody []byte
}

func newProxyRequestCtx(logDetail bool) *ProxyRequestCtx {
	return &ProxyRequestCtx{LogDetail: logDetail}
}

// AppendRequestBody is a no-op unless LogDetail is set, so the hot path
// allocates nothing when request logging is disabled.
func (p *ProxyRequestCtx) AppendRequestBody(b []byte) {
	if p == nil || !p.LogDetail {
		return
	}
	p.mu.Lock()
	p.requestBody = append(p.requestBody, b...)
	p.mu.Unlock()
}

// AppendResponseBody mirrors AppendRequestBody for the upstream response.
func (p *ProxyRequestCtx) AppendResponseBody(b []byte) {
	if p == nil || !p.LogDetail {
		return
	}
	p.mu.Lock()
	p.responseBody = append(p.responseBody, b...)
	p.mu.Unlock()
}

// Snapshot renders the captured buffers as lossy UTF-8, for logging only.
func (p *ProxyRequestCtx) Snapshot() (request, response string) {
	if p == nil {
		return "", ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.ToValidUTF8(string(p.requestBody), "�"), strings.ToValidUTF8(string(p.responseBody), "�")
}
