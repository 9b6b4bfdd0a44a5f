package proxyfleet

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func nodeDesc(uri string, priority int32, blockGap uint64) NodeDescriptor {
	return NodeDescriptor{
		ProxyAddr:     uri,
		ProxyHostname: uri,
		ProxyURI:      uri,
		Priority:      priority,
		BlockGap:      blockGap,
	}
}

func clustersFor(nodes ...NodeDescriptor) map[string]*Cluster {
	out := make(map[string]*Cluster, len(nodes))
	for _, n := range nodes {
		out[n.ProxyURI] = NewCluster(n, 1)
	}
	return out
}

// Nodes within the configured block gap of the max tip are eligible; nodes
// further behind are excluded (spec §4.3 step 2, chain mode).
func TestSelectorChainEligibilityByBlockGap(t *testing.T) {
	a := nodeDesc("http://a", 1, 2)
	b := nodeDesc("http://b", 1, 2)
	chain := NewChainState("eth")
	chain.UpdateTip("http://a", 100)
	chain.UpdateTip("http://b", 95) // 5 behind, gap is 2 -> ineligible

	sel := &Selector{
		Protocol: ProtocolJSONRPC,
		Nodes:    []NodeDescriptor{a, b},
		Clusters: clustersFor(a, b),
		Chain:    chain,
	}

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	chosen, _, err := sel.Select(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chosen.ProxyURI != "http://a" {
		t.Errorf("got %q, want http://a (the only node within the block gap)", chosen.ProxyURI)
	}
}

// With no tip reported yet for any node, chain mode must fail closed rather
// than guess (spec §4.3 step 2 / §8 scenario S4 cold start).
func TestSelectorChainNoTipYet(t *testing.T) {
	a := nodeDesc("http://a", 1, 2)
	sel := &Selector{
		Protocol: ProtocolJSONRPC,
		Nodes:    []NodeDescriptor{a},
		Clusters: clustersFor(a),
		Chain:    NewChainState("eth"),
	}

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	_, _, err := sel.Select(req)
	if !errors.Is(err, ErrNoTipYet) {
		t.Errorf("got %v, want ErrNoTipYet", err)
	}
	if StatusFor(err) != 502 {
		t.Errorf("got status %d, want 502", StatusFor(err))
	}
}

// Common mode includes only nodes the prober has marked healthy.
func TestSelectorCommonEligibilityByHealthyFlag(t *testing.T) {
	a := nodeDesc("http://a", 1, 0)
	b := nodeDesc("http://b", 1, 0)
	common := NewNodeState("group")
	common.SetHealthy("http://a", true)
	common.SetHealthy("http://b", false)

	sel := &Selector{
		Protocol: ProtocolHTTP,
		Nodes:    []NodeDescriptor{a, b},
		Clusters: clustersFor(a, b),
		Common:   common,
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	chosen, _, err := sel.Select(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chosen.ProxyURI != "http://a" {
		t.Errorf("got %q, want the only healthy node http://a", chosen.ProxyURI)
	}
}

func TestSelectorCommonNoEligibleCluster(t *testing.T) {
	a := nodeDesc("http://a", 1, 0)
	common := NewNodeState("group")
	common.SetHealthy("http://a", false)

	sel := &Selector{
		Protocol: ProtocolHTTP,
		Nodes:    []NodeDescriptor{a},
		Clusters: clustersFor(a),
		Common:   common,
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, _, err := sel.Select(req)
	if !errors.Is(err, ErrNoEligibleCluster) {
		t.Errorf("got %v, want ErrNoEligibleCluster", err)
	}
}

// Priority bucketing always picks the maximum bucket; with multiple nodes
// tied at the max, every pick must land on a tied member (spec §9 decision
// 1, §8 scenario S2 uniform tie-break).
func TestSelectorPriorityBucketPicksMaxAndStaysWithinTies(t *testing.T) {
	low := nodeDesc("http://low", 1, 100)
	hi1 := nodeDesc("http://hi1", 5, 100)
	hi2 := nodeDesc("http://hi2", 5, 100)
	chain := NewChainState("eth")
	chain.UpdateTip("http://low", 10)
	chain.UpdateTip("http://hi1", 10)
	chain.UpdateTip("http://hi2", 10)

	sel := &Selector{
		Protocol: ProtocolJSONRPC,
		Nodes:    []NodeDescriptor{low, hi1, hi2},
		Clusters: clustersFor(low, hi1, hi2),
		Chain:    chain,
	}

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		chosen, _, err := sel.Select(req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if chosen.ProxyURI == "http://low" {
			t.Fatal("picked a node outside the maximum priority bucket")
		}
		seen[chosen.ProxyURI] = true
	}
	if len(seen) != 2 {
		t.Errorf("expected both tied-priority nodes to be reachable over repeated selection, saw %v", seen)
	}
}

// The special-method header bypasses ordinary eligibility entirely.
func TestSelectorSpecialMethodOverride(t *testing.T) {
	normal := nodeDesc("http://normal", 1, 0)
	special := nodeDesc("http://special", 1, 0)
	chain := NewChainState("eth")
	chain.UpdateTip("http://normal", 10)
	// special node never reports a tip - would be ineligible under the
	// ordinary chain rule, but the header routes to it directly.

	sel := &Selector{
		Protocol:      ProtocolJSONRPC,
		Nodes:         []NodeDescriptor{normal},
		SpecialRoutes: []SpecialMethodRoute{{MethodName: "eth_sendRawTransaction", Nodes: []NodeDescriptor{special}}},
		Clusters:      clustersFor(normal, special),
		Chain:         chain,
	}

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(SpecialMethodHeader, "eth_sendRawTransaction")
	chosen, _, err := sel.Select(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chosen.ProxyURI != "http://special" {
		t.Errorf("got %q, want http://special via header override", chosen.ProxyURI)
	}
}

// gRPC listeners always route to the first configured node regardless of
// tip/healthy state (spec §9 decision 2).
func TestSelectorGRPCAlwaysFirstNode(t *testing.T) {
	first := nodeDesc("http://first", 1, 0)
	second := nodeDesc("http://second", 99, 0)

	sel := &Selector{
		Protocol: ProtocolGRPC,
		Nodes:    []NodeDescriptor{first, second},
		Clusters: clustersFor(first, second),
	}

	req := httptest.NewRequest(http.MethodPost, "/pkg.Service/Method", nil)
	chosen, peer, err := sel.Select(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chosen.ProxyURI != "http://first" {
		t.Errorf("got %q, want http://first despite lower priority", chosen.ProxyURI)
	}
	if peer.ALPN != "h2" {
		t.Errorf("got ALPN %q, want h2 for a gRPC listener", peer.ALPN)
	}
}

// jsonrpc mode fully overwrites the request URI with the chosen upstream's
// canonical URI (spec §4.3 step 6).
func TestSelectorRewriteJSONRPCOverwritesURI(t *testing.T) {
	node := nodeDesc("http://upstream/rpc", 1, 0)
	chain := NewChainState("eth")
	chain.UpdateTip(node.ProxyURI, 10)

	sel := &Selector{
		Protocol: ProtocolJSONRPC,
		Nodes:    []NodeDescriptor{node},
		Clusters: clustersFor(node),
		Chain:    chain,
	}

	req := httptest.NewRequest(http.MethodPost, "/whatever?a=b", nil)
	_, _, err := sel.Select(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.URL.String() != "http://upstream/rpc" {
		t.Errorf("got rewritten URL %q, want the upstream URI verbatim with no query", req.URL.String())
	}
}

// http/grpc mode concatenates the incoming path onto the upstream base and
// preserves the incoming query string (spec §4.3 step 6).
func TestSelectorRewriteHTTPConcatenatesPathAndPreservesQuery(t *testing.T) {
	node := nodeDesc("http://upstream/base", 1, 0)
	common := NewNodeState("group")
	common.SetHealthy(node.ProxyURI, true)

	sel := &Selector{
		Protocol: ProtocolHTTP,
		Nodes:    []NodeDescriptor{node},
		Clusters: clustersFor(node),
		Common:   common,
	}

	req := httptest.NewRequest(http.MethodGet, "/extra/path?x=1", nil)
	_, _, err := sel.Select(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.URL.Path != "/base/extra/path" {
		t.Errorf("got path %q, want /base/extra/path", req.URL.Path)
	}
	if req.URL.RawQuery != "x=1" {
		t.Errorf("got query %q, want x=1 preserved", req.URL.RawQuery)
	}
}

// A root-path request still carries its query string through to the
// upstream base URI (spec §4.3 step 6).
func TestSelectorRewriteHTTPRootPathPreservesQuery(t *testing.T) {
	node := nodeDesc("http://upstream/base", 1, 0)
	common := NewNodeState("group")
	common.SetHealthy(node.ProxyURI, true)

	sel := &Selector{
		Protocol: ProtocolHTTP,
		Nodes:    []NodeDescriptor{node},
		Clusters: clustersFor(node),
		Common:   common,
	}

	req := httptest.NewRequest(http.MethodGet, "/?x=1", nil)
	_, _, err := sel.Select(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.URL.Path != "/base" {
		t.Errorf("got path %q, want /base", req.URL.Path)
	}
	if req.URL.RawQuery != "x=1" {
		t.Errorf("got query %q, want x=1 preserved", req.URL.RawQuery)
	}
}

// A node missing from the cluster map is an internal inconsistency the
// selector must refuse rather than forward a request into (spec §7).
func TestSelectorClusterMissing(t *testing.T) {
	node := nodeDesc("http://upstream", 1, 0)
	common := NewNodeState("group")
	common.SetHealthy(node.ProxyURI, true)

	sel := &Selector{
		Protocol: ProtocolHTTP,
		Nodes:    []NodeDescriptor{node},
		Clusters: map[string]*Cluster{}, // deliberately empty
		Common:   common,
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, _, err := sel.Select(req)
	if !errors.Is(err, ErrClusterMissing) {
		t.Errorf("got %v, want ErrClusterMissing", err)
	}
}
