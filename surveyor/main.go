package main

/*
The surveyor runs next to the operator: it relays GPS fixes read from an NMEA
device (or a recorded log) to the server and takes collection commands from
stdin:

	collect            take a single measurement
	start <interval>   collect continuously, e.g. "start 5s"
	stop               stop continuous collection
	target <id>        survey another node
	quit               leave, the session lingers on the server for a while
*/

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/hb9tf/meshsurvey/channel"
	"github.com/hb9tf/meshsurvey/location"
	"github.com/hb9tf/meshsurvey/survey"
)

// Flags
var (
	identifier     = flag.String("id", "", "unique identifier of this surveyor (defaults to a random UUID)")
	server         = flag.String("server", "ws://localhost:8080/ws", "URL of the session endpoint of the meshsurvey server.")
	sessionID      = flag.String("session", "", "Session to reattach to.")
	target         = flag.Int64("target", 0, "Node to survey, can be changed later with the target command.")
	nmeaPath       = flag.String("nmea", "/dev/ttyACM0", "Path of the NMEA device or log file the fixes are read from.")
	uere           = flag.Float64("uere", location.DefaultUERE, "User equivalent range error in meters used to estimate the accuracy from HDOP.")
	replayInterval = flag.Duration("replayInterval", 0, "Delay between fixes, used to replay recorded logs in real time.")
	retryDelay     = flag.Duration("retryDelay", 5*time.Second, "Delay between attempts to reach the server or the GPS.")
)

// paced delays every fix, recorded logs are otherwise sent in one burst.
type paced struct {
	src      location.Source
	interval time.Duration
}

func (p *paced) Next(ctx context.Context) (survey.LocationSample, error) {
	select {
	case <-time.After(p.interval):
	case <-ctx.Done():
		return survey.LocationSample{}, ctx.Err()
	}
	s, err := p.src.Next(ctx)
	if err == nil {
		s.CapturedAt = time.Now()
	}
	return s, err
}

func readCommands(in io.Reader, cmds chan<- string) {
	defer close(cmds)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			cmds <- line
		}
	}
}

// relay keeps forwarding fixes, reopening the source when it ends or fails.
func relay(ctx context.Context, c *channel.Client, src location.Source) {
	for {
		err := c.Relay(ctx, src)
		switch {
		case ctx.Err() != nil:
			return
		case survey.KindOf(err) == survey.ChannelDisconnected:
			return
		case errors.Is(err, location.ErrPermission):
			glog.Errorf("no permission to read %s: %s", *nmeaPath, err)
		case err != nil:
			glog.Warningf("location source failed: %s\n", err)
		default:
			glog.V(1).Infof("location source ended, reopening %s\n", *nmeaPath)
		}
		select {
		case <-time.After(*retryDelay):
		case <-ctx.Done():
			return
		}
	}
}

// dispatch sends a single operator command. It returns false on quit.
func dispatch(c *channel.Client, line string) (bool, error) {
	fields := strings.Fields(line)
	var err error
	switch strings.ToLower(fields[0]) {
	case "quit", "exit":
		return false, nil
	case "collect", "c":
		_, err = c.Collect()
	case "start":
		if len(fields) != 2 {
			return true, fmt.Errorf("usage: start <interval>")
		}
		interval, perr := time.ParseDuration(fields[1])
		if perr != nil {
			return true, fmt.Errorf("invalid interval %q: %w", fields[1], perr)
		}
		_, err = c.StartContinuous(interval)
	case "stop":
		_, err = c.StopContinuous()
	case "target":
		if len(fields) != 2 {
			return true, fmt.Errorf("usage: target <id>")
		}
		id, perr := strconv.ParseInt(fields[1], 10, 64)
		if perr != nil {
			return true, fmt.Errorf("invalid node id %q", fields[1])
		}
		_, err = c.SetTarget(id)
	default:
		return true, fmt.Errorf("unknown command %q, use one of: collect, start, stop, target, quit", fields[0])
	}
	return true, err
}

func describe(m channel.Message) string {
	switch m.Type {
	case channel.TypeAck:
		return fmt.Sprintf("[%s] ok, state %s", m.RequestID, m.State)
	case channel.TypePoint:
		return fmt.Sprintf("point %.6f,%.6f weight %.2f", *m.Lat, *m.Lon, *m.Weight)
	case channel.TypeResult:
		count := 0
		if m.Count != nil {
			count = *m.Count
		}
		if err := m.Err(); err != nil {
			return fmt.Sprintf("[%s] %s failed: %s (count %d, missed %d)", m.RequestID, m.Mode, err, count, m.Missed)
		}
		return fmt.Sprintf("[%s] %s rssi %d dBm snr %.1f dB (count %d, missed %d)", m.RequestID, m.Mode, *m.RSSI, *m.SNR, count, m.Missed)
	}
	return m.Type
}

// session drives one connection. It returns true once the operator quits.
func session(ctx context.Context, c *channel.Client, src location.Source, cmds <-chan string) bool {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go relay(ctx, c, src)

	for {
		select {
		case m, ok := <-c.Messages():
			if !ok {
				glog.Warningf("Session %s: %s\n", c.SessionID(), c.Err())
				return false
			}
			fmt.Println(describe(m))
		case line, ok := <-cmds:
			if !ok {
				return true
			}
			more, err := dispatch(c, line)
			if err != nil {
				fmt.Println(err)
			}
			if !more {
				return true
			}
		case <-ctx.Done():
			return true
		}
	}
}

func main() {
	// Set defaults for glog flags. Can be overridden via cmdline.
	flag.Set("logtostderr", "false")
	flag.Set("stderrthreshold", "WARNING")
	flag.Set("v", "1")
	// Parse flags globally.
	flag.Parse()
	defer glog.Flush()

	if *identifier == "" {
		*identifier = uuid.NewString()
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nmea := &location.Reopen{
		Open: func() (io.ReadCloser, error) { return os.Open(*nmeaPath) },
		UERE: *uere,
	}
	defer nmea.Close()
	var src location.Source = nmea
	if *replayInterval > 0 {
		src = &paced{src: nmea, interval: *replayInterval}
	}

	cmds := make(chan string)
	go readCommands(os.Stdin, cmds)

	header := http.Header{}
	header.Set(channel.SurveyorHeader, *identifier)
	opts := channel.DialOptions{SessionID: *sessionID, TargetNodeID: *target, Header: header}
	for {
		c, err := channel.Open(ctx, *server, opts)
		if err != nil {
			glog.Warningf("unable to open session on %s: %s\n", *server, err)
			select {
			case <-time.After(*retryDelay):
				continue
			case <-ctx.Done():
				return
			}
		}
		hello := c.Hello()
		fmt.Printf("Session %s, state %s\n", c.SessionID(), hello.State)

		// Reconnects reattach and keep the target the server already knows.
		opts.SessionID, opts.TargetNodeID = c.SessionID(), 0
		quit := session(ctx, c, src, cmds)
		c.Close()
		if quit {
			fmt.Printf("Left session %s, reattach with -session=%s\n", c.SessionID(), c.SessionID())
			return
		}
	}
}
