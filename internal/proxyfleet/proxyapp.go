package proxyfleet

import (
	"context"
	"net/http"
	"net/http/httputil"

	"go.uber.org/zap"
)

// ProxyApp is C6: binds a Selector into the HTTP request lifecycle. One
// instance per chain/common listener port. The Chain/Common/Grpc variants
// differ only in the selector's mode and, for gRPC, the forced H2 upstream
// transport - everything else is shared here instead of three separate
// handler types. The unify demultiplexer is the separate UnifyApp type in
// unify.go.
type ProxyApp struct {
	ChainLabel       string
	Selector         *Selector
	Metrics          *Metrics
	LogRequestDetail bool
	Logger           *zap.Logger

	proxy *httputil.ReverseProxy
}

// NewProxyApp builds a ProxyApp. transport is nil for chain/common
// listeners (default transport) and an HTTP/2-forced transport for gRPC
// listeners (see server.go).
func NewProxyApp(chainLabel string, selector *Selector, metrics *Metrics, logRequestDetail bool, transport http.RoundTripper, logger *zap.Logger) *ProxyApp {
	app := &ProxyApp{
		ChainLabel:       chainLabel,
		Selector:         selector,
		Metrics:          metrics,
		LogRequestDetail: logRequestDetail,
		Logger:           logger,
	}

	app.proxy = &httputil.ReverseProxy{
		Director:       app.direct,
		Transport:      transport,
		ModifyResponse: app.captureResponse,
	}
	return app
}

type requestCtxKey struct{}

// ServeHTTP runs the full request lifecycle: select (failing fast with a
// static status on any selector error), forward, then record the
// metrics/logging completion hook (spec §4.4). There is no cross-upstream
// retry - exactly one Select call per request.
func (a *ProxyApp) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	node, peer, err := a.Selector.Select(r)
	if err != nil {
		status := StatusFor(err)
		a.Logger.Error("selection failed",
			zap.String("chain", a.ChainLabel),
			zap.Int("status", status),
			zap.Error(err))
		w.WriteHeader(status)
		if a.Metrics != nil {
			a.Metrics.IncResult(a.ChainLabel, "unknown", 0, r.Method)
		}
		return
	}

	scheme := "http"
	if peer.TLS {
		scheme = "https"
	}
	r.URL.Scheme = scheme
	r.URL.Host = peer.ProxyAddr

	a.Logger.Debug("upstream selected",
		zap.String("chain", a.ChainLabel),
		zap.String("upstream", node.ProxyURI),
		zap.String("alpn", peer.ALPN))

	reqCtx := newProxyRequestCtx(a.LogRequestDetail)
	r = r.WithContext(context.WithValue(r.Context(), requestCtxKey{}, reqCtx))
	if a.LogRequestDetail {
		r.Body = captureReader{inner: r.Body, onRead: reqCtx.AppendRequestBody}
	}

	rw := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
	a.proxy.ServeHTTP(rw, r)

	if a.Metrics != nil {
		a.Metrics.IncResult(a.ChainLabel, node.ProxyHostname, rw.status, r.Method)
	}

	if a.LogRequestDetail {
		req, resp := reqCtx.Snapshot()
		a.Logger.Debug("request detail",
			zap.String("chain", a.ChainLabel),
			zap.String("request_body", req),
			zap.String("response_body", resp))
	}
}

// direct is the httputil.ReverseProxy Director. The peer and scheme are
// already set on r.URL by ServeHTTP before the proxy runs; Director only
// needs to exist to satisfy httputil.ReverseProxy's contract (it requires a
// non-nil Director even when there's nothing left to rewrite).
func (a *ProxyApp) direct(r *http.Request) {}

// captureResponse mirrors upstream response bytes into the per-request
// context when request-detail logging is enabled (spec §4.4).
func (a *ProxyApp) captureResponse(resp *http.Response) error {
	if !a.LogRequestDetail {
		return nil
	}
	reqCtx, ok := resp.Request.Context().Value(requestCtxKey{}).(*ProxyRequestCtx)
	if !ok {
		return nil
	}
	resp.Body = captureReader{inner: resp.Body, onRead: reqCtx.AppendResponseBody}
	return nil
}

// statusCapturingWriter records the status code the handler actually wrote,
// for the metrics hook.
type statusCapturingWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// captureReader wraps a body (the downstream request body in ServeHTTP, the
// upstream response body in captureResponse) so bytes are mirrored into the
// per-request context as they are read.
type captureReader struct {
	inner interface {
		Read([]byte) (int, error)
		Close() error
	}
	onRead func([]byte)
}

func (c captureReader) Read(p []byte) (int, error) {
	n, err := c.inner.Read(p)
	if n > 0 {
		c.onRead(p[:n])
	}
	return n, err
}

func (c captureReader) Close() error { return c.inner.Close() }
