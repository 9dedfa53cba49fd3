package internal

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/reverb-project/reverb/internal/codec"
	"github.com/reverb-project/reverb/internal/core"
	"github.com/reverb-project/reverb/internal/core/debug"
	"github.com/reverb-project/reverb/internal/metrics"
	"github.com/reverb-project/reverb/internal/relay"
	"github.com/reverb-project/reverb/internal/transport"
)

// How often the poll loop reports its health.
const summaryInterval = 10 * time.Second

// Controller is the main entrypoint for reverb. It wires the transport,
// codec, and relay together and owns the polling loop that drives them.
// It is also the transport listener, which makes it the host-side admission
// and identity authority.
type Controller struct {
	Config *core.Config

	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
	codec   *codec.Codec
	relay   *relay.Relay
	net     *transport.Transport

	proc        *process.Process
	lastSummary time.Time
}

// Start brings the relay up and blocks until ctx is cancelled. It returns an
// error without starting if the logger cannot be built, the relay cannot be
// created, or the UDP port cannot be bound.
func (c *Controller) Start(ctx context.Context) error {
	var err error
	c.logger, err = core.NewLogger(c.Config)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	if c.Config.Debugging.Enabled {
		debug.StartUtilities(c.logger, c.Config.Debugging.PprofPort)
	}

	c.metrics = metrics.New()
	c.codec = codec.New(c.logger, c.metrics)

	c.relay, err = relay.New(c.logger, c.codec, c.metrics, relay.Options{
		PacketLogging: c.Config.Debugging.PacketLoggingEnabled,
	})
	if err != nil {
		return fmt.Errorf("initializing relay: %w", err)
	}

	c.net = transport.New(c, transport.Options{
		PingInterval:   time.Duration(c.Config.Transport.PingIntervalMs) * time.Millisecond,
		Timeout:        time.Duration(c.Config.Transport.TimeoutMs) * time.Millisecond,
		ResendInterval: time.Duration(c.Config.Transport.ResendIntervalMs) * time.Millisecond,
	}, c.logger, c.metrics)

	if err := c.net.Start(c.Config.ListenAddress()); err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}
	c.logger.Infof("relay listening on %s (session %08x)", c.Config.ListenAddress(), c.relay.SessionID())

	// Process stats for the rolling summary. Failure here only costs us
	// the cpu/rss columns.
	if proc, procErr := process.NewProcess(int32(os.Getpid())); procErr == nil {
		c.proc = proc
	}

	c.runLoop(ctx)

	c.net.Stop()
	c.logger.Info("relay stopped")
	return nil
}

// runLoop is the single driver of all relay progress: each cycle drains the
// transport, which synchronously invokes every callback, then yields.
func (c *Controller) runLoop(ctx context.Context) {
	pollInterval := time.Duration(c.Config.Relay.PollIntervalMs) * time.Millisecond
	c.lastSummary = time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		c.net.Poll()
		c.metrics.ObservePoll(time.Since(start))

		if time.Since(c.lastSummary) >= summaryInterval {
			c.logSummary()
		}

		time.Sleep(pollInterval)
	}
}

func (c *Controller) logSummary() {
	window := time.Since(c.lastSummary)
	c.lastSummary = time.Now()
	s := c.metrics.SummarizePolls(window)

	var cpuPct float64
	var rssMiB uint64
	if c.proc != nil {
		if pct, err := c.proc.Percent(0); err == nil {
			cpuPct = pct
		}
		if mem, err := c.proc.MemoryInfo(); err == nil {
			rssMiB = mem.RSS / (1 << 20)
		}
	}

	c.logger.Infof(
		"poll summary: %.0f polls/s avg=%s max=%s overruns=%d clients=%d cpu=%.1f%% rss=%dMiB",
		s.PollsPerSecond(), s.AvgCycle, s.MaxCycle, s.Overruns,
		c.metrics.PlayersConnected.Load(), cpuPct, rssMiB,
	)
}

// ConnectionRequested admits every peer that presents the configured
// connection key, up to the client cap. Trust beyond the key is delegated
// to the host-level join flow.
func (c *Controller) ConnectionRequested(req *transport.ConnectionRequest) {
	if req.Key() != c.Config.Relay.ConnectionKey {
		c.logger.Warnf("rejected connection from %v: bad key", req.Addr())
		c.metrics.CountError("admission")
		req.Reject()
		return
	}
	if c.net.PeerCount() >= c.Config.Relay.MaxClients {
		c.logger.Warnf("rejected connection from %v: server full", req.Addr())
		req.Reject()
		return
	}
	req.Accept()
}

// PeerConnected binds the new peer to a player identity. Running
// standalone, reverb mints the identifier itself; an embedding game server
// would call Relay.BindPeer with the identity from its own join flow.
func (c *Controller) PeerConnected(p *transport.Peer) {
	c.relay.BindPeer(p, uuid.New())
	c.metrics.PlayersConnected.Add(1)
	c.metrics.PlayersJoined.Add(1)
}

func (c *Controller) PeerDisconnected(p *transport.Peer, reason transport.DisconnectReason) {
	c.logger.Infof("peer %v disconnected: %s", p.Addr(), reason)
	c.relay.PeerDisconnected(p)
	c.metrics.PlayersConnected.Add(-1)
	c.metrics.PlayersLeft.Add(1)
}

func (c *Controller) Receive(p *transport.Peer, data []byte, d transport.Delivery) {
	if err := c.codec.Dispatch(p, data); err != nil {
		c.logger.Debugf("dispatch from %v (%s): %v", p.Addr(), d, err)
	}
}

func (c *Controller) NetworkError(addr net.Addr, err error) {
	// The transport has already logged and counted; the peer stays alive
	// until it reports the disconnect itself.
}
