package proxyfleet

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Listener bundles everything the service factory (C8) builds for one
// chain/common port: the probe tasks that keep it alive, the selector that
// answers requests, and the net/http server fronting it.
type Listener struct {
	Name   string
	Port   uint16
	Server *http.Server
	Probes []*ProbeTask
}

// Fleet is the fully wired process: every chain/common listener, the unify
// demultiplexer (if configured), and the Prometheus monitor server. Each
// chain/common listener serves its own /healthz.
type Fleet struct {
	Listeners  []*Listener
	UnifyPort  uint16
	Unify      *http.Server
	MonitorSrv *http.Server
	Logger     *zap.Logger
}

// defaultRequestTimeout is the default per-request deadline applied by the
// RequestDeadline middleware on every chain/common listener; its value
// matches the read_timeout default of §6.
const defaultRequestTimeout = 30 * time.Second

// grpcUpstreamTransport forces HTTP/2 over cleartext or TLS to the upstream,
// per spec §4.3 step 7 ("For grpc listeners override the ALPN selection to
// H2").
func grpcUpstreamTransport() http.RoundTripper {
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
			return net.Dial(network, addr)
		},
	}
}

// BuildFleet is C8: from a parsed Config, instantiate C2/C3/C4/C6 per
// listener and attach TCP listeners plus the Prometheus endpoint.
func BuildFleet(cfg *Config, logger *zap.Logger) (*Fleet, error) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(cfg.Monitor.System)
	if err := metrics.RegisterWith(reg); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	fleet := &Fleet{Logger: logger}
	unifyRoutes := make(map[unifyRouteKey]int)

	for _, chainCfg := range cfg.Chains {
		listener, err := buildChainListener(chainCfg, metrics, cfg.Monitor.System, reg, logger)
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", chainCfg.Name, err)
		}
		fleet.Listeners = append(fleet.Listeners, listener)
		unifyRoutes[unifyRouteKey{ChainType: chainCfg.ChainType, ChainName: chainCfg.Name}] = int(chainCfg.Listen)
	}

	for _, commonCfg := range cfg.Commons {
		listener, err := buildCommonListener(commonCfg, metrics, cfg.Monitor.System, reg, logger)
		if err != nil {
			return nil, fmt.Errorf("common %s: %w", commonCfg.Name, err)
		}
		fleet.Listeners = append(fleet.Listeners, listener)
	}

	if cfg.UnifyProxyListenPort != 0 {
		fleet.UnifyPort = uint16(cfg.UnifyProxyListenPort)
		app := NewUnifyApp(unifyRoutes, metrics, logger)
		fleet.Unify = &http.Server{
			Addr:    fmt.Sprintf("0.0.0.0:%d", fleet.UnifyPort),
			Handler: app,
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	fleet.MonitorSrv = &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%d", cfg.Monitor.Listen),
		Handler: mux,
	}

	return fleet, nil
}

func buildChainListener(chainCfg ChainConfig, metrics *Metrics, namespace string, reg prometheus.Registerer, logger *zap.Logger) (*Listener, error) {
	interval := time.Duration(chainCfg.Interval) * time.Second
	state := NewChainState(chainCfg.Name)
	clusters := make(map[string]*Cluster)
	var descriptors []NodeDescriptor
	var probes []*ProbeTask

	for _, nodeCfg := range chainCfg.Nodes {
		desc, err := BuildNodeDescriptor(nodeCfg, chainCfg.ChainType, interval, chainCfg.BlockGap, chainCfg.HealthCheck)
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, desc)
		cluster := NewCluster(desc, 1)
		clusters[desc.ProxyURI] = cluster
		probes = append(probes, NewProbeTask(desc, state, nil, cluster, metrics, chainCfg.Name, logger))
	}

	var specialRoutes []SpecialMethodRoute
	for _, sm := range chainCfg.SpecialMethods {
		var nodes []NodeDescriptor
		for _, nodeCfg := range sm.Nodes {
			desc, err := BuildNodeDescriptor(nodeCfg, chainCfg.ChainType, interval, chainCfg.BlockGap, chainCfg.HealthCheck)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, desc)
			if _, ok := clusters[desc.ProxyURI]; !ok {
				cluster := NewCluster(desc, 1)
				clusters[desc.ProxyURI] = cluster
				probes = append(probes, NewProbeTask(desc, state, nil, cluster, metrics, chainCfg.Name, logger))
			}
		}
		specialRoutes = append(specialRoutes, SpecialMethodRoute{MethodName: sm.MethodName, Nodes: nodes})
	}

	protocol := Protocol(chainCfg.Protocol)
	selector := &Selector{
		Protocol:      protocol,
		Nodes:         descriptors,
		SpecialRoutes: specialRoutes,
		Clusters:      clusters,
		Chain:         state,
	}

	var proxyHandler http.Handler
	if protocol == ProtocolGRPC {
		app := NewProxyApp(chainCfg.Name, selector, metrics, chainCfg.LogRequest, grpcUpstreamTransport(), logger)
		proxyHandler = h2c.NewHandler(app, &http2.Server{})
	} else {
		proxyHandler = NewProxyApp(chainCfg.Name, selector, metrics, chainCfg.LogRequest, nil, logger)
	}

	deadline, err := NewRequestDeadline(
		defaultRequestTimeout,
		nil,
		[]DeadlineSource{{Type: "header", Name: "X-Proxy-Timeout-Tier"}},
		DeadlineSkip{WebSocket: true, GRPC: protocol == ProtocolGRPC},
		0, 0,
		namespace, reg,
	)
	if err != nil {
		return nil, fmt.Errorf("building request deadline for chain %s: %w", chainCfg.Name, err)
	}
	proxyHandler = deadline.Wrap(proxyHandler)

	mux := http.NewServeMux()
	mux.Handle("/healthz", ServeHealthEndpoint(chainCfg.Name, clusters, state, nil, logger))
	mux.Handle("/", proxyHandler)

	srv := &http.Server{Addr: fmt.Sprintf("0.0.0.0:%d", chainCfg.Listen), Handler: mux}

	return &Listener{Name: chainCfg.Name, Port: chainCfg.Listen, Server: srv, Probes: probes}, nil
}

func buildCommonListener(commonCfg CommonConfig, metrics *Metrics, namespace string, reg prometheus.Registerer, logger *zap.Logger) (*Listener, error) {
	interval := time.Duration(commonCfg.Interval) * time.Second
	state := NewNodeState(commonCfg.Name)
	clusters := make(map[string]*Cluster)
	var descriptors []NodeDescriptor
	var probes []*ProbeTask

	for _, nodeCfg := range commonCfg.Nodes {
		desc, err := BuildNodeDescriptor(nodeCfg, "", interval, 0, commonCfg.HealthCheck)
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, desc)
		cluster := NewCluster(desc, 1)
		clusters[desc.ProxyURI] = cluster
		probes = append(probes, NewProbeTask(desc, nil, state, cluster, metrics, commonCfg.Name, logger))
	}

	selector := &Selector{
		Protocol: Protocol(commonCfg.Protocol),
		Nodes:    descriptors,
		Clusters: clusters,
		Common:   state,
	}

	var proxyHandler http.Handler = NewProxyApp(commonCfg.Name, selector, metrics, commonCfg.LogRequest, nil, logger)

	deadline, err := NewRequestDeadline(
		defaultRequestTimeout,
		nil,
		[]DeadlineSource{{Type: "header", Name: "X-Proxy-Timeout-Tier"}},
		DeadlineSkip{WebSocket: true},
		0, 0,
		namespace, reg,
	)
	if err != nil {
		return nil, fmt.Errorf("building request deadline for common %s: %w", commonCfg.Name, err)
	}
	proxyHandler = deadline.Wrap(proxyHandler)

	mux := http.NewServeMux()
	mux.Handle("/healthz", ServeHealthEndpoint(commonCfg.Name, clusters, nil, state, logger))
	mux.Handle("/", proxyHandler)

	srv := &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%d", commonCfg.Listen),
		Handler: mux,
	}

	return &Listener{Name: commonCfg.Name, Port: commonCfg.Listen, Server: srv, Probes: probes}, nil
}

// Run starts every listener's probe tasks and HTTP server, and the unify
// and monitor servers when configured. It blocks until ctx is cancelled,
// then shuts every server down gracefully.
func (f *Fleet) Run(ctx context.Context) error {
	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(f.Listeners)+2)

	for _, l := range f.Listeners {
		for _, p := range l.Probes {
			go p.Run(probeCtx)
		}
		srv := l.Server
		name := l.Name
		go func() {
			f.Logger.Info("listener started", zap.String("chain", name), zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("listener %s: %w", name, err)
			}
		}()
	}

	if f.Unify != nil {
		go func() {
			f.Logger.Info("unify listener started", zap.String("addr", f.Unify.Addr))
			if err := f.Unify.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("unify listener: %w", err)
			}
		}()
	}

	go func() {
		f.Logger.Info("monitor listener started", zap.String("addr", f.MonitorSrv.Addr))
		if err := f.MonitorSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("monitor listener: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return f.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully drains every server. Called directly by the
// SIGHUP-triggered hot-upgrade path in cmd/chain-proxy-fleet/main.go.
func (f *Fleet) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, l := range f.Listeners {
		_ = l.Server.Shutdown(shutdownCtx)
	}
	if f.Unify != nil {
		_ = f.Unify.Shutdown(shutdownCtx)
	}
	if f.MonitorSrv != nil {
		_ = f.MonitorSrv.Shutdown(shutdownCtx)
	}
	return nil
}
