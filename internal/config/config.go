// Package config implements the TOML configuration file for a mixnode
// instance (spec §2.1/§9's ambient stack), structured the way the
// Katzenpost server family (our teacher) lays out Server/Logging/Debug
// sections loaded by mixmasala-server/server.go's Server.New.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/hashcloak/mixnode/internal/constants"
)

// Server holds node identity and storage location settings.
type Server struct {
	// Identifier is a human-readable name for this node, used in logs.
	Identifier string
	// DataDir holds the node's persisted keys and bbolt database.
	DataDir string
	// Addresses the node listens on for inbound packets.
	Addresses []string
}

// Logging controls the op/go-logging backend, mirroring
// mixmasala-server/server.go's initLogging.
type Logging struct {
	Disable bool
	File    string
	Level   string
}

// Chain points at the on-chain RPC/indexer collaborators this node
// consumes (spec §4.5/§6); the concrete client is out of scope (§1), so
// only the dial target and the packet domain separator are configured
// here.
type Chain struct {
	RPCEndpoint   string
	DomainSeparator string
}

// Session sizes the C9/C10 transport (spec §4.9).
type Session struct {
	FrameSize        int
	SegmentMTU       int
	Window           int
	FrameTimeout     time.Duration
	RetransmitEvery  time.Duration
	MaxRetransmitAge time.Duration
}

// Ticket holds the outgoing ticket issuance policy (spec §4.6).
type Ticket struct {
	WinProbNumerator   uint64
	WinProbDenominator uint64
	// UnitPrice is a currency.Parse-compatible string, e.g. "0.01 wxHOPR"
	// or "10000000000000000 weiwxHOPR".
	UnitPrice string
}

// Debug holds operational tunables that don't merit their own section,
// mirroring the teacher's Debug config block.
type Debug struct {
	NumCryptoWorkers int
	ReplayRetentionWindow time.Duration
	PeakPacketsPerSecond  int
}

// Config is the top-level TOML document.
type Config struct {
	Server  Server
	Logging Logging
	Chain   Chain
	Session Session
	Ticket  Ticket
	Debug   Debug
}

// applyDefaults fills in zero-valued fields with the spec's defaults, the
// way mixmasala-server's config relies on documented defaults rather than
// failing a load over omitted optional sections.
func (c *Config) applyDefaults() {
	if c.Server.DataDir == "" {
		c.Server.DataDir = "."
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "NOTICE"
	}
	if c.Session.FrameSize == 0 {
		c.Session.FrameSize = constants.DefaultFrameSize
	}
	if c.Session.SegmentMTU == 0 {
		c.Session.SegmentMTU = constants.DefaultSegmentMTU
	}
	if c.Session.Window == 0 {
		c.Session.Window = constants.DefaultSessionWindow
	}
	if c.Session.FrameTimeout == 0 {
		c.Session.FrameTimeout = constants.DefaultFrameTimeout
	}
	if c.Session.RetransmitEvery == 0 {
		c.Session.RetransmitEvery = 200 * time.Millisecond
	}
	if c.Session.MaxRetransmitAge == 0 {
		c.Session.MaxRetransmitAge = 10 * time.Second
	}
	if c.Ticket.WinProbDenominator == 0 {
		c.Ticket.WinProbNumerator = 1
		c.Ticket.WinProbDenominator = 1
	}
	if c.Ticket.UnitPrice == "" {
		c.Ticket.UnitPrice = "0 wxHOPR"
	}
	if c.Debug.NumCryptoWorkers == 0 {
		c.Debug.NumCryptoWorkers = 4
	}
	if c.Debug.ReplayRetentionWindow == 0 {
		c.Debug.ReplayRetentionWindow = constants.DefaultReplayRetentionWindow
	}
	if c.Debug.PeakPacketsPerSecond == 0 {
		c.Debug.PeakPacketsPerSecond = constants.DefaultPeakPacketsPerSecond
	}
}

// validate rejects configurations that would otherwise fail in confusing
// ways deep inside a constructor.
func (c *Config) validate() error {
	if c.Server.Identifier == "" {
		return fmt.Errorf("config: Server.Identifier is required")
	}
	if len(c.Server.Addresses) == 0 {
		return fmt.Errorf("config: at least one Server.Addresses entry is required")
	}
	if c.Session.SegmentMTU <= constants.SegmentHeaderSize {
		return fmt.Errorf("config: Session.SegmentMTU must exceed the segment header size (%d)", constants.SegmentHeaderSize)
	}
	return nil
}

// Load reads and validates a TOML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %v: %w", path, err)
	}

	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %v: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
