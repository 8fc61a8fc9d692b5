package probe

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"k8s.io/utils/clock"

	"github.com/hb9tf/meshsurvey/survey"
)

const (
	commandSourceName = "command"
	targetPlaceholder = "{target}"
)

// Command runs an external radio CLI once per read and scans its output for
// "rssi" and "snr" values, e.g. "rssi=-78 snr=12.5" or "RSSI: -78, SNR: 12.5".
// Occurrences of {target} in Args are replaced with the node from WithTarget.
type Command struct {
	Path string
	Args []string

	Options Options
	Clock   clock.PassiveClock
}

func (c *Command) Name() string {
	return commandSourceName
}

func (c *Command) ReadCurrent(ctx context.Context) (survey.SignalReading, error) {
	timeout := c.Options.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Path, c.args(ctx)...)
	cmd.WaitDelay = time.Second
	out, err := cmd.StdoutPipe()
	if err != nil {
		return survey.SignalReading{}, err
	}
	scanner := bufio.NewScanner(out)
	glog.V(2).Infof("Running radio probe: %q\n", cmd)
	if err := cmd.Start(); err != nil {
		return survey.SignalReading{}, fmt.Errorf("%w: unable to start %q: %s", ErrUnavailable, c.Path, err)
	}

	var (
		reading      survey.SignalReading
		haveRSSI     bool
		haveSNR      bool
		parseFailure error
	)
	for scanner.Scan() {
		rssi, snr, okRSSI, okSNR, err := scanRow(scanner.Text())
		if err != nil {
			parseFailure = err
			continue
		}
		if okRSSI {
			reading.RSSI, haveRSSI = rssi, true
		}
		if okSNR {
			reading.SNR, haveSNR = snr, true
		}
	}
	if err := cmd.Wait(); err != nil {
		return survey.SignalReading{}, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	if !haveRSSI || !haveSNR {
		if parseFailure != nil {
			return survey.SignalReading{}, fmt.Errorf("%w: %s", ErrUnavailable, parseFailure)
		}
		return survey.SignalReading{}, fmt.Errorf("%w: no rssi/snr in output of %q", ErrUnavailable, c.Path)
	}

	clk := c.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	reading.ReadAt = clk.Now()
	return reading, nil
}

func (c *Command) args(ctx context.Context) []string {
	target, ok := TargetFrom(ctx)
	if !ok {
		return c.Args
	}
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = strings.ReplaceAll(a, targetPlaceholder, strconv.FormatInt(target, 10))
	}
	return args
}

// scanRow extracts rssi and snr tokens from a single line of probe output.
func scanRow(line string) (rssi int, snr float64, okRSSI, okSNR bool, err error) {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t' || r == ';'
	})
	for i := 0; i < len(fields); i++ {
		key, value, found := strings.Cut(fields[i], "=")
		if !found {
			key, value, found = strings.Cut(fields[i], ":")
		}
		if found && value == "" && i+1 < len(fields) {
			// "RSSI: -78" splits into two fields.
			i++
			value = fields[i]
		}
		if !found {
			continue
		}
		value = strings.TrimSuffix(strings.TrimSuffix(strings.ToLower(value), "dbm"), "db")
		switch strings.ToLower(key) {
		case "rssi":
			v, perr := strconv.ParseFloat(value, 64)
			if perr != nil {
				return 0, 0, false, false, fmt.Errorf("bad rssi %q: %s", value, perr)
			}
			rssi, okRSSI = int(v), true
		case "snr":
			v, perr := strconv.ParseFloat(value, 64)
			if perr != nil {
				return 0, 0, false, false, fmt.Errorf("bad snr %q: %s", value, perr)
			}
			snr, okSNR = v, true
		}
	}
	return rssi, snr, okRSSI, okSNR, nil
}
