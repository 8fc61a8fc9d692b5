package probe

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
)

const (
	// DefaultDiscoverTimeout bounds a discovery run when none is requested.
	DefaultDiscoverTimeout = 30 * time.Second
	timeoutPlaceholder     = "{timeout}"
)

// Discovered is a node heard by the radio during discovery.
type Discovered struct {
	MeshIdentity string   `json:"meshIdentity"`
	Name         string   `json:"name,omitempty"`
	Role         string   `json:"role"`
	PublicKey    string   `json:"publicKey,omitempty"`
	Latitude     *float64 `json:"lat,omitempty"`
	Longitude    *float64 `json:"lon,omitempty"`
}

type Discoverer interface {
	Discover(ctx context.Context, timeout time.Duration) ([]Discovered, error)
}

// DiscoverCommand runs an external radio CLI that lists the nodes it hears,
// one CSV row per node:
//
//	mesh_identity,name,role,lat,lon,public_key
//
// Only the identity is required. Rows starting with # are skipped and
// occurrences of {timeout} in Args are replaced with the timeout in seconds.
type DiscoverCommand struct {
	Path string
	Args []string
}

func (d *DiscoverCommand) Discover(ctx context.Context, timeout time.Duration) ([]Discovered, error) {
	if timeout <= 0 {
		timeout = DefaultDiscoverTimeout
	}
	args := make([]string, len(d.Args))
	for i, a := range d.Args {
		args[i] = strings.ReplaceAll(a, timeoutPlaceholder, strconv.Itoa(int(timeout.Seconds())))
	}
	// The CLI gets a little headroom to report what it heard.
	ctx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.Path, args...)
	cmd.WaitDelay = time.Second
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	glog.V(2).Infof("Running radio discovery: %q\n", cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: unable to start %q: %s", ErrUnavailable, d.Path, err)
	}
	nodes, perr := parseDiscovered(out)
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	if perr != nil {
		return nil, perr
	}
	return nodes, nil
}

func parseDiscovered(r io.Reader) ([]Discovered, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var nodes []Discovered
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nodes, nil
		}
		if err != nil {
			return nil, fmt.Errorf("unable to parse discovery output: %w", err)
		}
		n, err := discoveredRow(row)
		if err != nil {
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("discovery output line %d: %w", line, err)
		}
		nodes = append(nodes, n)
	}
}

func discoveredRow(row []string) (Discovered, error) {
	field := func(i int) string {
		if i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}
	n := Discovered{
		MeshIdentity: field(0),
		Name:         field(1),
		Role:         strings.ToLower(field(2)),
		PublicKey:    field(5),
	}
	if n.MeshIdentity == "" {
		return Discovered{}, errors.New("missing mesh identity")
	}
	if n.Role == "" {
		n.Role = "repeater"
	}
	if lat, lon := field(3), field(4); lat != "" && lon != "" {
		la, err := strconv.ParseFloat(lat, 64)
		if err != nil {
			return Discovered{}, fmt.Errorf("bad latitude %q", lat)
		}
		lo, err := strconv.ParseFloat(lon, 64)
		if err != nil {
			return Discovered{}, fmt.Errorf("bad longitude %q", lon)
		}
		n.Latitude, n.Longitude = &la, &lo
	}
	return n, nil
}
