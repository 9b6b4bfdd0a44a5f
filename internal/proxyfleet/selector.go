package proxyfleet

import (
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
)

// Peer is the chosen upstream connection target handed to the proxy
// runtime, built in selector step 7 of spec §4.3.
type Peer struct {
	ProxyAddr string
	TLS       bool
	SNI       string
	ALPN      string // "h1" or "h2"
}

// SpecialMethodHeader is the sentinel header spec §4.3 step 1 keys
// special-method routing on.
const SpecialMethodHeader = "X-Proxy-Jsonrpc-Method"

// Selector implements C5: one Select call per inbound request, before any
// bytes are forwarded.
type Selector struct {
	Protocol      Protocol
	Nodes         []NodeDescriptor
	SpecialRoutes []SpecialMethodRoute
	Clusters      map[string]*Cluster // keyed by proxy_uri
	Chain         *ChainState         // nil in common mode
	Common        *NodeState          // nil in chain mode
}

// Select runs the full algorithm, rewrites r in place, and returns the
// chosen node plus the Peer to forward to, or a terminal error.
func (s *Selector) Select(r *http.Request) (*NodeDescriptor, *Peer, error) {
	eligible, err := s.eligibleSet(r)
	if err != nil {
		return nil, nil, err
	}
	if len(eligible) == 0 {
		return nil, nil, ErrNoEligibleCluster
	}

	chosen := pickByPriority(eligible)

	if _, ok := s.Clusters[chosen.ProxyURI]; !ok {
		return nil, nil, ErrClusterMissing
	}

	if err := s.rewrite(r, chosen); err != nil {
		return nil, nil, err
	}

	peer := &Peer{
		ProxyAddr: chosen.ProxyAddr,
		TLS:       chosen.ProxyTLS,
		SNI:       chosen.ProxyHostname,
		ALPN:      "h1",
	}
	if s.Protocol == ProtocolGRPC {
		peer.ALPN = "h2"
	}

	return chosen, peer, nil
}

// eligibleSet runs selector steps 1-2.
func (s *Selector) eligibleSet(r *http.Request) ([]NodeDescriptor, error) {
	if method := r.Header.Get(SpecialMethodHeader); method != "" {
		for _, route := range s.SpecialRoutes {
			if route.MethodName == method {
				return route.Nodes, nil
			}
		}
	}

	switch s.Protocol {
	case ProtocolGRPC:
		if len(s.Nodes) == 0 {
			return nil, ErrNoEligibleCluster
		}
		return s.Nodes[:1], nil
	}

	if s.Chain != nil {
		return s.chainEligibleSet()
	}
	return s.commonEligibleSet(), nil
}

func (s *Selector) chainEligibleSet() ([]NodeDescriptor, error) {
	tips := s.Chain.SnapshotTips()
	var maxTip uint64
	for _, tip := range tips {
		if tip > maxTip {
			maxTip = tip
		}
	}
	if maxTip == 0 {
		return nil, ErrNoTipYet
	}

	eligible := make([]NodeDescriptor, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		tip, ok := tips[n.ProxyURI]
		if !ok {
			continue
		}
		if maxTip-tip > n.BlockGap {
			continue
		}
		eligible = append(eligible, n)
	}
	return eligible, nil
}

func (s *Selector) commonEligibleSet() []NodeDescriptor {
	healthy := s.Common.SnapshotHealthy()
	eligible := make([]NodeDescriptor, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		if healthy[n.ProxyURI] {
			eligible = append(eligible, n)
		}
	}
	return eligible
}

// pickByPriority implements selector steps 3-4: bucket by priority, take the
// maximum bucket, break ties uniformly at random.
func pickByPriority(eligible []NodeDescriptor) NodeDescriptor {
	maxPriority := eligible[0].Priority
	for _, n := range eligible[1:] {
		if n.Priority > maxPriority {
			maxPriority = n.Priority
		}
	}

	var bucket []NodeDescriptor
	for _, n := range eligible {
		if n.Priority == maxPriority {
			bucket = append(bucket, n)
		}
	}
	if len(bucket) == 1 {
		return bucket[0]
	}
	return bucket[rand.Intn(len(bucket))]
}

// rewrite implements selector step 6: Host header and URI rewrite, branched
// by protocol.
func (s *Selector) rewrite(r *http.Request, chosen *NodeDescriptor) error {
	r.Header.Set("Host", chosen.ProxyHostname)
	r.Host = chosen.ProxyHostname

	switch s.Protocol {
	case ProtocolJSONRPC:
		u, err := url.Parse(chosen.ProxyURI)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequestPath, err)
		}
		r.URL = u
		return nil

	case ProtocolHTTP, ProtocolGRPC:
		base, err := url.Parse(chosen.ProxyURI)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequestPath, err)
		}
		if r.URL.Path == "" || r.URL.Path == "/" {
			merged := *base
			merged.RawQuery = r.URL.RawQuery
			r.URL = &merged
			return nil
		}
		merged := *base
		merged.Path = strings.TrimSuffix(base.Path, "/") + r.URL.Path
		if r.URL.RawQuery != "" {
			merged.RawQuery = r.URL.RawQuery
		}
		r.URL = &merged
		return nil

	default:
		return fmt.Errorf("%w: unknown protocol %q", ErrInvalidRequestPath, s.Protocol)
	}
}
