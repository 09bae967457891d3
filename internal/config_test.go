package internal

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestApplyDefaults(t *testing.T) {
	var c Config
	c.applyDefaults()

	if c.Mode != ModeStream {
		t.Fatalf("Mode: got %q want %q", c.Mode, ModeStream)
	}
	if c.NS.DeviceName != "lo" {
		t.Fatalf("NS.DeviceName: got %q want lo", c.NS.DeviceName)
	}
	if c.Limits.FlowMax != 4096 {
		t.Fatalf("Limits.FlowMax: got %d want 4096", c.Limits.FlowMax)
	}
	if c.Limits.MaxRetrans != 6 {
		t.Fatalf("Limits.MaxRetrans: got %d want 6", c.Limits.MaxRetrans)
	}
	if c.Limits.UDPBindTimeout != 180*time.Second {
		t.Fatalf("Limits.UDPBindTimeout: got %v want 180s", c.Limits.UDPBindTimeout)
	}
	if c.Forward.TCPIn.Mode != "none" || c.Forward.TCPOut.Mode != "all" {
		t.Fatalf("Forward.TCP{In,Out}.Mode: got %q/%q want none/all", c.Forward.TCPIn.Mode, c.Forward.TCPOut.Mode)
	}
	if c.Forward.UDPIn.Mode != "none" || c.Forward.UDPOut.Mode != "all" {
		t.Fatalf("Forward.UDP{In,Out}.Mode: got %q/%q want none/all", c.Forward.UDPIn.Mode, c.Forward.UDPOut.Mode)
	}
}

func TestApplyDefaults_LeavesExplicitValues(t *testing.T) {
	c := Config{
		Mode: ModeNS,
		Limits: LimitsConfig{
			FlowMax: 128,
		},
	}
	c.applyDefaults()
	if c.Mode != ModeNS {
		t.Fatalf("Mode overwritten: got %q", c.Mode)
	}
	if c.Limits.FlowMax != 128 {
		t.Fatalf("FlowMax overwritten: got %d", c.Limits.FlowMax)
	}
}

func TestResolveAddrs(t *testing.T) {
	c := Config{Net: NetConfig{
		OwnAddrStr: "192.0.2.1",
		GatewayStr: "192.0.2.254",
	}}
	if err := c.resolveAddrs(); err != nil {
		t.Fatalf("resolveAddrs: %v", err)
	}
	if c.Net.OwnAddr.String() != "192.0.2.1" {
		t.Fatalf("OwnAddr: got %v", c.Net.OwnAddr)
	}
	if c.Net.Gateway.String() != "192.0.2.254" {
		t.Fatalf("Gateway: got %v", c.Net.Gateway)
	}
	if c.Net.SeenAddr != nil {
		t.Fatalf("SeenAddr: expected nil for empty string, got %v", c.Net.SeenAddr)
	}
}

func TestResolveAddrs_Invalid(t *testing.T) {
	c := Config{Net: NetConfig{OwnAddrStr: "not-an-ip"}}
	if err := c.resolveAddrs(); err == nil {
		t.Fatalf("expected error for invalid address")
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
mode: ns
net:
  own_addr: 10.0.2.15
  gateway_addr: 10.0.2.2
forward:
  tcp_in:
    mode: all
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if c.Mode != ModeNS {
		t.Fatalf("Mode: got %q want ns", c.Mode)
	}
	if c.Net.OwnAddr.String() != "10.0.2.15" {
		t.Fatalf("OwnAddr: got %v", c.Net.OwnAddr)
	}
	if c.Forward.TCPIn.Mode != "all" {
		t.Fatalf("Forward.TCPIn.Mode: got %q want all", c.Forward.TCPIn.Mode)
	}
	// Untouched fields still got their defaults applied.
	if c.Limits.FlowMax != 4096 {
		t.Fatalf("Limits.FlowMax: got %d want 4096", c.Limits.FlowMax)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/path/config.yaml"); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
