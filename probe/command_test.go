package probe

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func TestScanRow(t *testing.T) {
	tests := []struct {
		desc     string
		line     string
		wantRSSI int
		wantSNR  float64
		okRSSI   bool
		okSNR    bool
		wantErr  bool
	}{
		{
			desc:     "key value pairs",
			line:     "rssi=-78 snr=12.5",
			wantRSSI: -78,
			wantSNR:  12.5,
			okRSSI:   true,
			okSNR:    true,
		},
		{
			desc:     "colon separated with units",
			line:     "RSSI: -101dBm, SNR: -3.25dB",
			wantRSSI: -101,
			wantSNR:  -3.25,
			okRSSI:   true,
			okSNR:    true,
		},
		{
			desc:    "only snr",
			line:    "path 3 hops snr=7",
			wantSNR: 7,
			okSNR:   true,
		},
		{
			desc: "noise",
			line: "connected to /dev/ttyUSB0 at 12:30:01",
		},
		{
			desc:    "garbage value",
			line:    "rssi=loud",
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			rssi, snr, okRSSI, okSNR, err := scanRow(tc.line)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.okRSSI, okRSSI)
			assert.Equal(t, tc.okSNR, okSNR)
			assert.Equal(t, tc.wantRSSI, rssi)
			assert.Equal(t, tc.wantSNR, snr)
		})
	}
}

func TestCommandReadCurrent(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := &Command{
		Path:  "sh",
		Args:  []string{"-c", "echo 'tracing...'; echo 'rssi=-78'; echo 'snr=12.5'"},
		Clock: testingclock.NewFakePassiveClock(now),
	}

	reading, err := c.ReadCurrent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -78, reading.RSSI)
	assert.Equal(t, 12.5, reading.SNR)
	assert.Equal(t, now, reading.ReadAt)
}

func TestCommandTargetPlaceholder(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	c := &Command{
		Path: "sh",
		Args: []string{"-c", `test "$0" = "node-{target}" && echo "rssi=-60 snr=7"`, "node-{target}"},
	}

	reading, err := c.ReadCurrent(WithTarget(context.Background(), 42))
	require.NoError(t, err)
	assert.Equal(t, -60, reading.RSSI)
	assert.Equal(t, 7.0, reading.SNR)

	assert.Equal(t, c.Args, c.args(context.Background()))
	assert.Equal(t, []string{"-c", `test "$0" = "node-42" && echo "rssi=-60 snr=7"`, "node-42"}, c.args(WithTarget(context.Background(), 42)))
}

func TestCommandReadCurrentFailures(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	tests := []struct {
		desc string
		cmd  *Command
	}{
		{
			desc: "missing binary",
			cmd:  &Command{Path: "/nonexistent/meshcore-cli"},
		},
		{
			desc: "non zero exit",
			cmd:  &Command{Path: "sh", Args: []string{"-c", "echo 'no radio attached'; exit 3"}},
		},
		{
			desc: "no snr",
			cmd:  &Command{Path: "sh", Args: []string{"-c", "echo 'rssi=-90'"}},
		},
		{
			desc: "timeout",
			cmd:  &Command{Path: "sh", Args: []string{"-c", "exec sleep 5"}, Options: Options{Timeout: 50 * time.Millisecond}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := tc.cmd.ReadCurrent(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
		})
	}
}
