package internal

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects the tap transport and forward-port discovery strategy
//.
type Mode string

const (
	ModeStream Mode = "stream"
	ModeNS     Mode = "ns"
)

// Config is the root configuration, loaded from YAML with LoadConfig and
// a post-unmarshal defaults pass.
type Config struct {
	Mode Mode `yaml:"mode"`

	Stream StreamConfig `yaml:"stream"`
	NS     NSConfig     `yaml:"ns"`

	Net     NetConfig     `yaml:"net"`
	Forward ForwardConfig `yaml:"forward"`
	Limits  LimitsConfig  `yaml:"limits"`

	PIDFile string `yaml:"pid_file"`
}

// StreamConfig configures the STREAM-mode tap transport.
type StreamConfig struct {
	SocketPath string `yaml:"socket_path"` // empty: probe /tmp/<name>_<N>.socket
	OneOff     bool   `yaml:"one_off"`
}

// NSConfig configures NS-mode namespace attach and the tuntap device.
type NSConfig struct {
	PID        int    `yaml:"pid"`
	Path       string `yaml:"path"`
	NetnsOnly  bool   `yaml:"netns_only"`
	DeviceName string `yaml:"device_name"` // default "lo"
}

// NetConfig carries the address policy inputs.
type NetConfig struct {
	OwnAddrStr   string `yaml:"own_addr"`
	GatewayStr   string `yaml:"gateway_addr"`
	SeenAddrStr  string `yaml:"seen_addr"`
	LinkLocalStr string `yaml:"link_local"`

	DNS         []string `yaml:"dns"`
	DNSMatchStr string   `yaml:"dns_match"`
	DNSHostStr  string   `yaml:"dns_host"`

	MapGW        bool   `yaml:"map_gw"`
	OutboundAddr string `yaml:"outbound_addr"`
	OutboundIf   string `yaml:"outbound_if"`
	OutboundMark uint32 `yaml:"outbound_mark"`

	OwnAddr   net.IP `yaml:"-"`
	Gateway   net.IP `yaml:"-"`
	SeenAddr  net.IP `yaml:"-"`
	LinkLocal net.IP `yaml:"-"`
	DNSMatch  net.IP `yaml:"-"`
	DNSHost   net.IP `yaml:"-"`
}

// ForwardConfig carries the four fwd_ports specs.
type ForwardConfig struct {
	TCPIn  PortSpec `yaml:"tcp_in"`
	TCPOut PortSpec `yaml:"tcp_out"`
	UDPIn  PortSpec `yaml:"udp_in"`
	UDPOut PortSpec `yaml:"udp_out"`
}

// PortSpec configures one forwarding direction.
type PortSpec struct {
	Mode  string `yaml:"mode"` // none|spec|auto|all
	Ports []int  `yaml:"ports"`
}

// LimitsConfig bounds the statically-sized tables.
type LimitsConfig struct {
	FlowMax        int           `yaml:"flow_max"`
	MaxRetrans     int           `yaml:"max_retrans"`
	TCPFrames      int           `yaml:"tcp_frames"`
	UDPMaxFrames   int           `yaml:"udp_max_frames"`
	UDPBindTimeout time.Duration `yaml:"udp_bind_timeout"`
}

// LoadConfig reads and parses a YAML config file, filling in
// post-unmarshal defaults.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.applyDefaults()
	if err := c.resolveAddrs(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeStream
	}
	if c.NS.DeviceName == "" {
		c.NS.DeviceName = "lo"
	}
	if c.Limits.FlowMax == 0 {
		c.Limits.FlowMax = 4096
	}
	if c.Limits.MaxRetrans == 0 {
		c.Limits.MaxRetrans = 6
	}
	if c.Limits.TCPFrames == 0 {
		c.Limits.TCPFrames = 16
	}
	if c.Limits.UDPMaxFrames == 0 {
		c.Limits.UDPMaxFrames = 32
	}
	if c.Limits.UDPBindTimeout == 0 {
		c.Limits.UDPBindTimeout = 180 * time.Second
	}
	if c.Forward.TCPIn.Mode == "" {
		c.Forward.TCPIn.Mode = "none"
	}
	if c.Forward.TCPOut.Mode == "" {
		c.Forward.TCPOut.Mode = "all"
	}
	if c.Forward.UDPIn.Mode == "" {
		c.Forward.UDPIn.Mode = "none"
	}
	if c.Forward.UDPOut.Mode == "" {
		c.Forward.UDPOut.Mode = "all"
	}
}

func (c *Config) resolveAddrs() error {
	parse := func(s string) (net.IP, error) {
		if s == "" {
			return nil, nil
		}
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		return ip, nil
	}
	var err error
	if c.Net.OwnAddr, err = parse(c.Net.OwnAddrStr); err != nil {
		return err
	}
	if c.Net.Gateway, err = parse(c.Net.GatewayStr); err != nil {
		return err
	}
	if c.Net.SeenAddr, err = parse(c.Net.SeenAddrStr); err != nil {
		return err
	}
	if c.Net.LinkLocal, err = parse(c.Net.LinkLocalStr); err != nil {
		return err
	}
	if c.Net.DNSMatch, err = parse(c.Net.DNSMatchStr); err != nil {
		return err
	}
	if c.Net.DNSHost, err = parse(c.Net.DNSHostStr); err != nil {
		return err
	}
	return nil
}
