package proxyfleet

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const probeDeadline = 60 * time.Second

// ProbeTask is the C2 periodic probe for one upstream node. One instance is
// constructed per configured node at service-factory time and run as its own
// goroutine; probes across nodes never serialize (spec §4.2, §5).
type ProbeTask struct {
	Node    NodeDescriptor
	Chain   *ChainState // nil in common mode
	Common  *NodeState  // nil in chain mode
	Cluster *Cluster
	Metrics *Metrics
	ChainLabel string
	Client  *http.Client
	Logger  *zap.Logger
}

// NewProbeTask wires a probe for one node. Exactly one of chain/common is
// non-nil depending on the owning listener's mode.
func NewProbeTask(node NodeDescriptor, chain *ChainState, common *NodeState, cluster *Cluster, metrics *Metrics, chainLabel string, logger *zap.Logger) *ProbeTask {
	return &ProbeTask{
		Node:       node,
		Chain:      chain,
		Common:     common,
		Cluster:    cluster,
		Metrics:    metrics,
		ChainLabel: chainLabel,
		Client:     &http.Client{Timeout: probeDeadline},
		Logger:     logger,
	}
}

// Run ticks the probe every Node.HealthProbe.Interval until ctx is
// cancelled. The first tick is delayed by a random jitter bounded by the
// interval, so a fleet with many nodes configured on the same interval does
// not hit every upstream in the same instant.
func (p *ProbeTask) Run(ctx context.Context) {
	interval := p.Node.HealthProbe.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	jitter := time.Duration(rand.Int63n(int64(interval)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *ProbeTask) tick(ctx context.Context) {
	if !p.Cluster.Ready() {
		p.Logger.Debug("skipping probe, circuit open",
			zap.String("chain", p.ChainLabel),
			zap.String("upstream", p.Node.ProxyURI))
		return
	}

	tipCtx, cancel := context.WithTimeout(ctx, probeDeadline)
	defer cancel()

	tip, healthy, err := p.probeOnce(tipCtx)
	if err != nil {
		p.Cluster.RecordFailure()
		if p.Chain != nil {
			p.Chain.DeleteTip(p.Node.ProxyURI)
		}
		if p.Common != nil {
			p.Common.SetHealthy(p.Node.ProxyURI, false)
		}
		p.Logger.Error("probe failed",
			zap.String("chain", p.ChainLabel),
			zap.String("upstream", p.Node.ProxyURI),
			zap.Error(err))
		return
	}

	p.Cluster.RecordSuccess()
	if p.Chain != nil {
		p.Chain.UpdateTip(p.Node.ProxyURI, tip)
		if p.Metrics != nil {
			p.Metrics.SetHeight(p.ChainLabel, p.Node.ProxyHostname, tip)
		}
	}
	if p.Common != nil {
		p.Common.SetHealthy(p.Node.ProxyURI, healthy)
	}

	p.probeWebSocket(ctx)
}

// probeOnce performs one HTTP probe cycle: build request, send, validate,
// parse (spec §4.2 steps 1-3). healthy is true when the HTTP exchange
// returned 2xx and, if a validator is registered for the chain-type, its
// parser produced a tip; a parse failure returns healthy=false with an
// error. Common mode only looks at this flag.
func (p *ProbeTask) probeOnce(ctx context.Context) (tip uint64, healthy bool, err error) {
	spec := p.Node.HealthProbe
	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}

	var body []byte
	validator, hasValidator := LookupValidator(p.Node.ChainType)
	switch {
	case hasValidator:
		body = validator.ProbeBody
	default:
		body = spec.RequestBody
	}

	target := p.Node.ProxyURI + spec.Path
	req, err := http.NewRequestWithContext(ctx, method, target, newBodyReader(body))
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrProbeTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if spec.AuthUser != "" || spec.AuthPass != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(spec.AuthUser + ":" + spec.AuthPass))
		req.Header.Set("Authorization", "Basic "+creds)
	}
	for k, v := range spec.CustomHeaders {
		req.Header.Set(k, v)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, false, fmt.Errorf("%w: %v", ErrProbeTimeout, err)
		}
		return 0, false, fmt.Errorf("%w: %v", ErrProbeTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrProbeTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, false, fmt.Errorf("%w: status %d", ErrProbeTransport, resp.StatusCode)
	}

	if !hasValidator {
		// Unknown chain-type: any 2xx response counts as healthy, no tip
		// is recorded (spec §4.1, "not an error").
		return 0, true, nil
	}

	tip, err = validator.Parse(respBody)
	if err != nil {
		return 0, false, err
	}
	return tip, true, nil
}

func newBodyReader(body []byte) io.Reader {
	if len(body) == 0 {
		return nil
	}
	return &byteReader{b: body}
}

type byteReader struct {
	b   []byte
	off int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.off >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.off:])
	r.off += n
	return n, nil
}

// probeWebSocket is a best-effort supplemental liveness signal; it never
// affects Cluster state or the tip/healthy tables, it only logs a warning
// on mismatch.
func (p *ProbeTask) probeWebSocket(ctx context.Context) {
	if p.Node.WebSocketURL == "" {
		return
	}

	u, err := url.Parse(p.Node.WebSocketURL)
	if err != nil {
		p.Logger.Warn("invalid websocket url", zap.String("url", p.Node.WebSocketURL), zap.Error(err))
		return
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		p.Logger.Warn("unsupported websocket scheme", zap.String("scheme", u.Scheme))
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		p.Logger.Warn("websocket supplemental probe failed", zap.String("url", u.String()), zap.Error(err))
		return
	}
	defer conn.Close()

	p.Logger.Debug("websocket supplemental probe succeeded", zap.String("url", u.String()))
}
