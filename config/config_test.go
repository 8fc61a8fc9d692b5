package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hb9tf/meshsurvey/coverage"
	"github.com/hb9tf/meshsurvey/inventory"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meshsurvey.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 10*time.Second, cfg.Collection.Staleness)
	assert.Equal(t, time.Second, cfg.Collection.MinInterval)
	assert.Equal(t, 2*time.Minute, cfg.Collection.Linger)
	assert.Equal(t, coverage.DefaultRange, cfg.Coverage)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
listen = ":9090"

[store]
type = "mysql"
mysql_user = "survey"
mysql_password_file = "/etc/meshsurvey/mysql.pass"

[probe]
type = "command"
command = "meshcore-cli"
args = ["-s", "/dev/ttyUSB0", "trace", "{target}"]
timeout = "20s"
discover_command = "meshcore-cli"
discover_args = ["-s", "/dev/ttyUSB0", "discover", "{timeout}"]

[collection]
staleness = "5s"

[coverage]
min_rssi = -130
max_rssi = -50

[[nodes]]
mesh_identity = "a1b2c3"
name = "Grouse Mountain"
latitude = 49.38
longitude = -123.08
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "mysql", cfg.Store.Type)
	assert.Equal(t, "survey", cfg.Store.MySQLUser)
	// Untouched values keep their defaults.
	assert.Equal(t, "127.0.0.1:3306", cfg.Store.MySQLServer)
	assert.Equal(t, time.Second, cfg.Collection.MinInterval)

	assert.Equal(t, "command", cfg.Probe.Type)
	assert.Equal(t, []string{"-s", "/dev/ttyUSB0", "trace", "{target}"}, cfg.Probe.Args)
	assert.Equal(t, 20*time.Second, cfg.Probe.Timeout)
	assert.Equal(t, "meshcore-cli", cfg.Probe.DiscoverCommand)
	assert.Equal(t, 30*time.Second, cfg.Probe.DiscoverTimeout)
	assert.Equal(t, 5*time.Second, cfg.Collection.Staleness)
	assert.Equal(t, coverage.Range{MinRSSI: -130, MaxRSSI: -50}, cfg.Coverage)

	require.Len(t, cfg.Nodes, 1)
	n, err := cfg.Nodes[0].Inventory()
	require.NoError(t, err)
	assert.Equal(t, inventory.RoleRepeater, n.Role)
	assert.True(t, n.Active)
	require.NotNil(t, n.Latitude)
	assert.Equal(t, 49.38, *n.Latitude)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		desc    string
		content string
	}{
		{desc: "unknown key", content: "listn = \":80\"\n"},
		{desc: "syntax", content: "listen = \n"},
		{desc: "bad store", content: "[store]\ntype = \"elastic\"\n"},
		{desc: "command probe without command", content: "[probe]\ntype = \"command\"\n"},
		{desc: "inverted range", content: "[coverage]\nmin_rssi = -40\nmax_rssi = -120\n"},
		{desc: "zero staleness", content: "[collection]\nstaleness = \"0s\"\n"},
		{desc: "zero discover timeout", content: "[probe]\ndiscover_timeout = \"0s\"\n"},
		{desc: "node without identity", content: "[[nodes]]\nname = \"x\"\n"},
		{desc: "node with bad role", content: "[[nodes]]\nmesh_identity = \"x\"\nrole = \"sensor\"\n"},
	}
	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
