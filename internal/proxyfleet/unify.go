package proxyfleet

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"strings"

	"go.uber.org/zap"
)

// unifyRouteKey is the (chain_type, chain_name) pair a unify listener
// demultiplexes on, per spec §4.4.
type unifyRouteKey struct {
	ChainType string
	ChainName string
}

// UnifyApp is the C6 aggregate demultiplexer. One instance per configured
// UnifyProxyListenPort; it never talks to the selector, it rewrites the
// path and forwards to a local per-chain port.
type UnifyApp struct {
	Routes  map[unifyRouteKey]int
	Metrics *Metrics
	Logger  *zap.Logger

	proxy *httputil.ReverseProxy
}

// NewUnifyApp builds a demultiplexer over the given chain_type/chain_name ->
// port table.
func NewUnifyApp(routes map[unifyRouteKey]int, metrics *Metrics, logger *zap.Logger) *UnifyApp {
	app := &UnifyApp{Routes: routes, Metrics: metrics, Logger: logger}
	app.proxy = &httputil.ReverseProxy{Director: func(*http.Request) {}}
	return app
}

// ServeHTTP implements UnifyProxyApp (spec §4.4). Expects a path of the form
// /<chain_type>/<chain_name>[/<tail...>].
func (u *UnifyApp) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	chainType, chainName, rest, err := splitUnifyPath(r.URL.Path)
	if err != nil {
		u.Logger.Error("invalid unify path", zap.String("path", r.URL.Path), zap.Error(err))
		w.WriteHeader(http.StatusBadRequest)
		if u.Metrics != nil {
			u.Metrics.IncResult("unify", "unknown", 0, r.Method)
		}
		return
	}

	port, ok := u.Routes[unifyRouteKey{ChainType: chainType, ChainName: chainName}]
	if !ok {
		u.Logger.Error("no matching chain for unify path",
			zap.String("chain_type", chainType),
			zap.String("chain_name", chainName))
		w.WriteHeader(http.StatusBadGateway)
		if u.Metrics != nil {
			u.Metrics.IncResult("unify", "unknown", 0, r.Method)
		}
		return
	}

	host := fmt.Sprintf("127.0.0.1:%d", port)
	r.URL.Scheme = "http"
	r.URL.Host = host
	r.Host = host
	// A one-segment tail with no remainder leaves the path unchanged,
	// matching the source's documented ambiguity resolution (spec §9).
	if rest != "" {
		r.URL.Path = rest
	}

	rw := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
	u.proxy.ServeHTTP(rw, r)

	if u.Metrics != nil {
		u.Metrics.IncResult("unify", host, rw.status, r.Method)
	}
}

// splitUnifyPath strips the two leading path segments and returns whatever
// remains as the new path (spec §4.4, §9).
func splitUnifyPath(path string) (chainType, chainName, rest string, err error) {
	trimmed := strings.TrimPrefix(path, "/")
	parts := strings.SplitN(trimmed, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", ErrInvalidRequestPath
	}
	chainType, chainName = parts[0], parts[1]
	if len(parts) == 3 && parts[2] != "" {
		rest = "/" + parts[2]
	}
	return chainType, chainName, rest, nil
}
