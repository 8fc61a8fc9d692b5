// Package config holds the server configuration. Values come from defaults,
// then an optional TOML file, then explicitly set flags.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/hb9tf/meshsurvey/coverage"
	"github.com/hb9tf/meshsurvey/inventory"
)

type Config struct {
	Listen   string `toml:"listen"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`

	Store      Store          `toml:"store"`
	Probe      Probe          `toml:"probe"`
	Collection Collection     `toml:"collection"`
	Filter     Filter         `toml:"filter"`
	Coverage   coverage.Range `toml:"coverage"`
	// Nodes are registered in the inventory on start unless already known.
	Nodes []Node `toml:"nodes"`
}

type Store struct {
	// Type is one of: sqlite, mysql, postgres, memory.
	Type       string `toml:"type"`
	SQLiteFile string `toml:"sqlite_file"`

	MySQLServer       string `toml:"mysql_server"`
	MySQLUser         string `toml:"mysql_user"`
	MySQLPasswordFile string `toml:"mysql_password_file"`
	MySQLDBName       string `toml:"mysql_db_name"`

	PostgresServer       string `toml:"postgres_server"`
	PostgresUser         string `toml:"postgres_user"`
	PostgresPasswordFile string `toml:"postgres_password_file"`
	PostgresDBName       string `toml:"postgres_db_name"`
}

type Probe struct {
	// Type is one of: static, command.
	Type    string        `toml:"type"`
	Timeout time.Duration `toml:"timeout"`

	Command string   `toml:"command"`
	Args    []string `toml:"args"`

	StaticRSSI int     `toml:"static_rssi"`
	StaticSNR  float64 `toml:"static_snr"`

	// DiscoverCommand lists the nodes the radio hears. Discovery is disabled
	// when empty.
	DiscoverCommand string        `toml:"discover_command"`
	DiscoverArgs    []string      `toml:"discover_args"`
	DiscoverTimeout time.Duration `toml:"discover_timeout"`
}

type Collection struct {
	// Staleness is the maximum age of a location fix used for a measurement.
	Staleness   time.Duration `toml:"staleness"`
	MinInterval time.Duration `toml:"min_interval"`
	// Linger keeps a disconnected session around for reattaching.
	Linger time.Duration `toml:"linger"`
}

type Filter struct {
	// MaxAccuracyMeters drops fixes less accurate than this. Zero disables it.
	MaxAccuracyMeters float64 `toml:"max_accuracy_meters"`
}

type Node struct {
	MeshIdentity   string   `toml:"mesh_identity"`
	PublicKey      string   `toml:"public_key"`
	Name           string   `toml:"name"`
	Role           string   `toml:"role"`
	Latitude       *float64 `toml:"latitude"`
	Longitude      *float64 `toml:"longitude"`
	Altitude       *float64 `toml:"altitude"`
	EstimatedRange int      `toml:"estimated_range"`
}

func (n Node) Inventory() (inventory.Node, error) {
	role, err := inventory.ParseRole(n.Role)
	if err != nil {
		return inventory.Node{}, err
	}
	return inventory.Node{
		MeshIdentity:   n.MeshIdentity,
		PublicKey:      n.PublicKey,
		Name:           n.Name,
		Role:           role,
		Latitude:       n.Latitude,
		Longitude:      n.Longitude,
		Altitude:       n.Altitude,
		EstimatedRange: n.EstimatedRange,
		Active:         true,
	}, nil
}

func Default() *Config {
	return &Config{
		Listen: ":8080",
		Store: Store{
			Type:           "sqlite",
			SQLiteFile:     "/tmp/meshsurvey.db",
			MySQLServer:    "127.0.0.1:3306",
			MySQLDBName:    "meshsurvey",
			PostgresServer: "127.0.0.1:5432",
			PostgresDBName: "meshsurvey",
		},
		Probe: Probe{
			Type:       "static",
			Timeout:    15 * time.Second,
			StaticRSSI:      -90,
			StaticSNR:       5,
			DiscoverTimeout: 30 * time.Second,
		},
		Collection: Collection{
			Staleness:   10 * time.Second,
			MinInterval: time.Second,
			Linger:      2 * time.Minute,
		},
		Coverage: coverage.DefaultRange,
	}
}

// Load decodes the TOML file at path over the defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file not found: %w", err)
	}
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown keys in config file %q: %s", path, strings.Join(keys, ", "))
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	switch c.Store.Type {
	case "sqlite":
		if c.Store.SQLiteFile == "" {
			return fmt.Errorf("store.sqlite_file is required for the sqlite store")
		}
	case "mysql", "postgres", "memory":
	default:
		return fmt.Errorf("%q is not a supported store, pick one of: sqlite, mysql, postgres, memory", c.Store.Type)
	}
	switch c.Probe.Type {
	case "static":
	case "command":
		if c.Probe.Command == "" {
			return fmt.Errorf("probe.command is required for the command probe")
		}
	default:
		return fmt.Errorf("%q is not a supported probe, pick one of: static, command", c.Probe.Type)
	}
	if c.Probe.DiscoverTimeout <= 0 {
		return fmt.Errorf("probe.discover_timeout must be positive, got %s", c.Probe.DiscoverTimeout)
	}
	if c.Collection.Staleness <= 0 {
		return fmt.Errorf("collection.staleness must be positive, got %s", c.Collection.Staleness)
	}
	if c.Collection.MinInterval <= 0 {
		return fmt.Errorf("collection.min_interval must be positive, got %s", c.Collection.MinInterval)
	}
	if c.Collection.Linger < 0 {
		return fmt.Errorf("collection.linger must not be negative, got %s", c.Collection.Linger)
	}
	if c.Filter.MaxAccuracyMeters < 0 {
		return fmt.Errorf("filter.max_accuracy_meters must not be negative")
	}
	if err := c.Coverage.Validate(); err != nil {
		return fmt.Errorf("coverage: %w", err)
	}
	for i, n := range c.Nodes {
		if n.MeshIdentity == "" {
			return fmt.Errorf("nodes[%d]: mesh_identity is required", i)
		}
		if _, err := inventory.ParseRole(n.Role); err != nil {
			return fmt.Errorf("nodes[%d]: %w", i, err)
		}
	}
	return nil
}
