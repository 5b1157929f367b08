package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-i2p/go-duplex/lib/config"
	"github.com/go-i2p/go-duplex/lib/duplex"
	"github.com/go-i2p/go-duplex/lib/overlay/memnet"
	"github.com/go-i2p/go-duplex/lib/util"
	"github.com/go-i2p/go-duplex/lib/util/signals"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

const (
	pingPrefix = "ping "
	pongPrefix = "pong "
)

// LoopbackOptions controls a loopback run.
type LoopbackOptions struct {
	Rounds       int
	Chaos        bool
	RoundTimeout time.Duration
}

// LoopbackReport summarises a finished loopback run.
type LoopbackReport struct {
	Pings      int64
	Pongs      int64
	RouteKills int
	Host       duplex.Stats
	Client     duplex.Stats
}

func newLoopbackCommand() *cobra.Command {
	opts := LoopbackOptions{}
	cmd := &cobra.Command{
		Use:   "loopback",
		Short: "Run a host and a client over an in-process overlay and exchange ping/pong",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			go signals.Handle(ctx)
			interrupt := signals.RegisterInterruptHandler(func() {
				cancel()
				if err := util.CloseAll(); err != nil {
					log.WithError(err).Warn("close on interrupt")
				}
			})
			defer signals.DeregisterInterruptHandler(interrupt)
			reload := signals.RegisterReloadHandler(func() {
				if err := config.InitConfig(); err != nil {
					log.WithError(err).Warn("config reload failed")
				}
			})
			defer signals.DeregisterReloadHandler(reload)

			report, err := RunLoopback(ctx, config.NewSessionConfigFromViper(), opts)
			if report != nil {
				printReport(cmd.OutOrStdout(), report)
			}
			return err
		},
	}
	cmd.Flags().IntVar(&opts.Rounds, "rounds", 5, "number of ping/pong exchanges")
	cmd.Flags().BoolVar(&opts.Chaos, "chaos", false, "kill live routes between rounds, alternating sides")
	cmd.Flags().DurationVar(&opts.RoundTimeout, "round-timeout", 30*time.Second, "limit for one ping/pong exchange")
	return cmd
}

// RunLoopback starts a host and a client on one in-memory overlay, has the
// host answer every ping with a pong, and drives opts.Rounds exchanges from
// the client. The report is returned even when a round fails.
func RunLoopback(ctx context.Context, cfg *config.SessionConfig, opts LoopbackOptions) (*LoopbackReport, error) {
	if opts.Rounds < 1 {
		return nil, oops.Errorf("rounds must be at least 1, got %d", opts.Rounds)
	}
	if opts.RoundTimeout <= 0 {
		opts.RoundTimeout = 30 * time.Second
	}

	hub := memnet.NewHub()
	util.RegisterCloser(closerFunc(func() error { hub.Close(); return nil }))
	defer func() {
		if err := util.CloseAll(); err != nil {
			log.WithError(err).Warn("loopback teardown")
		}
	}()

	hostNode, err := hub.NewNode()
	if err != nil {
		return nil, err
	}
	clientNode, err := hub.NewNode()
	if err != nil {
		return nil, err
	}

	host, err := duplex.NewHost(ctx, hostNode, cfg)
	if err != nil {
		return nil, oops.Wrapf(err, "start host")
	}
	util.RegisterCloser(host)

	client, err := duplex.NewClient(ctx, clientNode, host.DirectoryKey(), cfg)
	if err != nil {
		return nil, oops.Wrapf(err, "start client")
	}
	util.RegisterCloser(client)

	log.WithFields(logger.Fields{
		"at":            "RunLoopback",
		"directory_key": host.DirectoryKey().String(),
		"rounds":        opts.Rounds,
		"chaos":         opts.Chaos,
	}).Info("loopback sessions started")

	report := &LoopbackReport{}
	var pings atomic.Int64
	echoDone := make(chan struct{})
	go func() {
		defer close(echoDone)
		echo(ctx, host, &pings)
	}()

	runErr := pingRounds(ctx, hub, hostNode, clientNode, client, opts, report)

	report.Host = host.Stats()
	report.Client = client.Stats()
	host.Close()
	<-echoDone
	report.Pings = pings.Load()
	return report, runErr
}

// echo answers pings on the host until its session closes.
func echo(ctx context.Context, host *duplex.Session, pings *atomic.Int64) {
	for {
		msg, err := host.Receive(ctx)
		if err != nil {
			return
		}
		body, ok := strings.CutPrefix(string(msg.Payload), pingPrefix)
		if !ok {
			log.WithField("payload", string(msg.Payload)).Warn("host ignored unexpected payload")
			continue
		}
		pings.Add(1)
		if err := host.Send(ctx, []byte(pongPrefix+body)); err != nil {
			log.WithError(err).WithField("round", body).Warn("pong not sent")
		}
	}
}

func pingRounds(ctx context.Context, hub *memnet.Hub, hostNode, clientNode *memnet.Node, client *duplex.Session, opts LoopbackOptions, report *LoopbackReport) error {
	for round := 1; round <= opts.Rounds; round++ {
		if opts.Chaos && round > 1 {
			victim := hostNode
			if round%2 == 1 {
				victim = clientNode
			}
			report.RouteKills += hub.KillNodeRoutes(victim.NodeID())
		}

		if err := exchange(ctx, client, round, opts.RoundTimeout); err != nil {
			return sessionError(client, oops.Wrapf(err, "round %d", round))
		}
		report.Pongs++
	}
	return nil
}

func exchange(ctx context.Context, client *duplex.Session, round int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	want := pongPrefix + strconv.Itoa(round)
	if err := client.Send(ctx, []byte(pingPrefix+strconv.Itoa(round))); err != nil {
		return err
	}
	for {
		msg, err := client.Receive(ctx)
		if err != nil {
			return err
		}
		if string(msg.Payload) == want {
			return nil
		}
		log.WithFields(logger.Fields{
			"at":   "exchange",
			"want": want,
			"got":  string(msg.Payload),
		}).Warn("client ignored unexpected payload")
	}
}

// sessionError prefers the fatal error a session reported over the generic
// closed error its callers observe.
func sessionError(s *duplex.Session, err error) error {
	if !errors.Is(err, duplex.ErrSessionClosed) {
		return err
	}
	select {
	case fatal, ok := <-s.Err():
		if ok && fatal != nil {
			return fatal
		}
	default:
	}
	return err
}

func printReport(w io.Writer, r *LoopbackReport) {
	fmt.Fprintf(w, "pings %d  pongs %d  route kills %d\n", r.Pings, r.Pongs, r.RouteKills)
	for _, side := range []struct {
		name  string
		stats duplex.Stats
	}{{"host", r.Host}, {"client", r.Client}} {
		s := side.stats
		fmt.Fprintf(w, "%-6s sent=%d delivered=%d duplicates=%d dropped=%d recoveries=%d lookups=%d refreshes=%d route_version=%d\n",
			side.name, s.Sent, s.Delivered, s.Duplicates, s.Dropped, s.Recoveries, s.Lookups, s.Refreshes, s.RouteVersion)
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
