package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ClientPortLower = 32768 // ephemeral port range used when Connect is given port 0
	ClientPortUpper = 60999

	MpaRevision1 = 1
	MpaRevision2 = 2

	Rdma0OpRead  = "read"
	Rdma0OpWrite = "write"
)

// LocalAddress is one address owned by the device. Wildcard listeners get a
// child listener for every configured local address of the same family.
type LocalAddress struct {
	Addr   string `yaml:"addr"`
	VlanID uint16 `yaml:"vlan_id"` // 0 means untagged
}

// Neighbor is a static next-hop entry used by the built-in resolver.
type Neighbor struct {
	Addr string `yaml:"addr"`
	MAC  string `yaml:"mac"`
}

type Config struct {
	MpaRevision   uint8  `yaml:"mpa_revision"`    // highest MPA revision offered (1 or 2)
	Rdma0Op       string `yaml:"rdma0_op"`        // "read" or "write"
	MaxIRD        uint32 `yaml:"max_ird"`         // device limit for inbound RDMA reads
	MaxORD        uint32 `yaml:"max_ord"`         // device limit for outbound RDMA reads
	NoIrdOrdLimit bool   `yaml:"no_ird_ord_limit"` // advertise the "no limit" sentinel in RTR messages
	Markers       bool   `yaml:"markers"`          // request MPA markers (out-of-order placement)

	MTU        int    `yaml:"mtu"`         // link MTU, MSS is derived from it
	DefaultMSS uint16 `yaml:"default_mss"` // MSS assumed when a SYN carries no MSS option
	RcvWnd     uint32 `yaml:"rcv_wnd"`     // receive window in bytes before scaling
	RcvWscale  uint8  `yaml:"rcv_wscale"`  // window scale advertised in SYNs

	Retries      int           `yaml:"retries"`       // default retry count of a send entry
	Retrans      int           `yaml:"retrans"`       // default retransmit count of a send entry
	RetryTimeout time.Duration `yaml:"retry_timeout"` // first retransmit delay
	MaxTimeout   time.Duration `yaml:"max_timeout"`   // backoff ceiling
	CloseDelay   time.Duration `yaml:"close_delay"`   // TimeWait close entry delay
	LongTime     time.Duration `yaml:"long_time"`     // idle timer re-arm period
	RtsTimeout   time.Duration `yaml:"rts_timeout"`   // wait for hardware readiness on accept/connected

	PortLower int `yaml:"port_lower"`
	PortUpper int `yaml:"port_upper"`

	PoolSize             int  `yaml:"pool_size"`              // number of tx buffers in the ring pool
	BufferLength         int  `yaml:"buffer_length"`          // bytes per tx buffer
	PoolDebug            bool `yaml:"pool_debug"`             // ring pool debug setting
	ProcessTimeThreshold int  `yaml:"process_time_threshold"` // ring pool element hold warning, ms

	LocalMAC       string         `yaml:"local_mac"`
	LocalAddresses []LocalAddress `yaml:"local_addresses"`
	Neighbors      []Neighbor     `yaml:"neighbors"`

	FilterIdentifier string `yaml:"filter_identifier"` // iptables comment / pf anchor name
	FilterBackend    string `yaml:"filter_backend"`    // "memory" or "system"

	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
}

func DefaultConfig() *Config {
	return &Config{
		MpaRevision: MpaRevision2,
		Rdma0Op:     Rdma0OpRead,
		MaxIRD:      64,
		MaxORD:      64,
		Markers:     false,

		MTU:        1500,
		DefaultMSS: 536,
		RcvWnd:     65535,
		RcvWscale:  2,

		Retries:      64,
		Retrans:      32,
		RetryTimeout: time.Second,
		MaxTimeout:   12 * time.Second,
		CloseDelay:   100 * time.Millisecond,
		LongTime:     2 * time.Second,
		RtsTimeout:   5 * time.Second,

		PortLower: ClientPortLower,
		PortUpper: ClientPortUpper,

		PoolSize:             2000,
		BufferLength:         2048,
		PoolDebug:            false,
		ProcessTimeThreshold: 10,

		LocalMAC: "02:00:00:00:00:01",

		FilterIdentifier: "IWCM",
		FilterBackend:    "memory",

		LogLevel:    "info",
		MetricsAddr: ":9464",
	}
}

// LoadConfig reads a yaml file on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.MpaRevision != MpaRevision1 && c.MpaRevision != MpaRevision2 {
		return fmt.Errorf("invalid mpa_revision %d: must be 1 or 2", c.MpaRevision)
	}
	if c.Rdma0Op != Rdma0OpRead && c.Rdma0Op != Rdma0OpWrite {
		return fmt.Errorf("invalid rdma0_op %q: must be %q or %q", c.Rdma0Op, Rdma0OpRead, Rdma0OpWrite)
	}
	if c.MaxIRD == 0 || c.MaxORD == 0 {
		return fmt.Errorf("max_ird and max_ord must be positive")
	}
	if c.MTU < 576 {
		return fmt.Errorf("mtu %d is below the IPv4 minimum of 576", c.MTU)
	}
	if c.RcvWscale > 14 {
		return fmt.Errorf("rcv_wscale %d exceeds 14", c.RcvWscale)
	}
	if c.Retries <= 0 || c.Retrans <= 0 {
		return fmt.Errorf("retries and retrans must be positive")
	}
	if c.RetryTimeout <= 0 || c.MaxTimeout < c.RetryTimeout {
		return fmt.Errorf("invalid retry_timeout %s / max_timeout %s", c.RetryTimeout, c.MaxTimeout)
	}
	if c.CloseDelay <= 0 || c.LongTime <= 0 || c.RtsTimeout <= 0 {
		return fmt.Errorf("close_delay, long_time and rts_timeout must be positive")
	}
	if c.PortLower <= 0 || c.PortUpper > 65535 || c.PortLower > c.PortUpper {
		return fmt.Errorf("invalid port range %d-%d", c.PortLower, c.PortUpper)
	}
	if c.PoolSize <= 0 || c.BufferLength < c.MTU+18 {
		return fmt.Errorf("pool_size must be positive and buffer_length must hold a full frame (%d)", c.MTU+18)
	}
	if _, err := net.ParseMAC(c.LocalMAC); err != nil {
		return fmt.Errorf("invalid local_mac %q: %w", c.LocalMAC, err)
	}
	for _, la := range c.LocalAddresses {
		if _, err := netip.ParseAddr(la.Addr); err != nil {
			return fmt.Errorf("invalid local address %q: %w", la.Addr, err)
		}
	}
	for _, nb := range c.Neighbors {
		if _, err := netip.ParseAddr(nb.Addr); err != nil {
			return fmt.Errorf("invalid neighbor address %q: %w", nb.Addr, err)
		}
		if _, err := net.ParseMAC(nb.MAC); err != nil {
			return fmt.Errorf("invalid neighbor mac %q: %w", nb.MAC, err)
		}
	}
	if c.FilterBackend != "memory" && c.FilterBackend != "system" {
		return fmt.Errorf("invalid filter_backend %q", c.FilterBackend)
	}
	return nil
}
