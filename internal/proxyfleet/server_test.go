package proxyfleet

import (
	"testing"

	"go.uber.org/zap"
)

func TestBuildFleetWiresListenersAndUnifyRoutes(t *testing.T) {
	cfg := &Config{
		Chains: []ChainConfig{
			{
				Name:      "ethereum-mainnet",
				Protocol:  "jsonrpc",
				ChainType: "ethereum",
				Listen:    9001,
				BlockGap:  2,
				Nodes:     []NodeConfig{{Address: "http://node-a.example.com", Priority: 1}},
			},
			{
				Name:     "tron-grpc",
				Protocol: "grpc",
				Listen:   9002,
				Nodes:    []NodeConfig{{Address: "http://grpc-a.example.com", Priority: 1}},
			},
		},
		Commons: []CommonConfig{
			{
				Name:     "static-assets",
				Protocol: "http",
				Listen:   9100,
				Nodes:    []NodeConfig{{Address: "http://asset-a.example.com", Priority: 1}},
			},
		},
		Monitor:              MonitorConfig{Listen: 9300, System: "test_fleet"},
		UnifyProxyListenPort: 9000,
	}
	if err := cfg.setDefaults(); err != nil {
		t.Fatalf("setDefaults: %v", err)
	}

	fleet, err := BuildFleet(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("BuildFleet: %v", err)
	}

	if len(fleet.Listeners) != 3 {
		t.Fatalf("got %d listeners, want 3 (2 chains + 1 common)", len(fleet.Listeners))
	}
	if fleet.Unify == nil {
		t.Fatal("expected a unify server to be built when UnifyProxyListenPort is set")
	}
	if fleet.Unify.Addr != "0.0.0.0:9000" {
		t.Errorf("got unify addr %q, want 0.0.0.0:9000", fleet.Unify.Addr)
	}
	if fleet.MonitorSrv == nil || fleet.MonitorSrv.Addr != "0.0.0.0:9300" {
		t.Errorf("got monitor server %+v, want addr 0.0.0.0:9300", fleet.MonitorSrv)
	}

	for _, l := range fleet.Listeners {
		if len(l.Probes) == 0 {
			t.Errorf("listener %s: expected at least one probe task", l.Name)
		}
	}
}

func TestBuildFleetWithoutUnifyPort(t *testing.T) {
	cfg := &Config{
		Commons: []CommonConfig{
			{Name: "group", Protocol: "http", Listen: 9100, Nodes: []NodeConfig{{Address: "http://a.example.com"}}},
		},
		Monitor: MonitorConfig{Listen: 9300},
	}
	if err := cfg.setDefaults(); err != nil {
		t.Fatalf("setDefaults: %v", err)
	}

	fleet, err := BuildFleet(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("BuildFleet: %v", err)
	}
	if fleet.Unify != nil {
		t.Error("expected no unify server when UnifyProxyListenPort is unset")
	}
}
