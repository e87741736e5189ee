// Package netrt is the root facade over the network I/O core: a single
// process-wide reactor loop and event queue, and the handful of
// constructors a caller (cmd/netrtd, or a script host's OPEN) uses to
// get a port.Port running. Grounded on Startup_Networking/
// Shutdown_Networking in dev-net.c, which likewise own the one live
// reactor instance and its two always-armed housekeeping timers for the
// life of the process.
package netrt

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ankit-kulkarni/netrt/internal/ipv4"
	"github.com/ankit-kulkarni/netrt/internal/netevent"
	"github.com/ankit-kulkarni/netrt/internal/port"
	"github.com/ankit-kulkarni/netrt/internal/reactor"
	"github.com/ankit-kulkarni/netrt/internal/sockio"
	"github.com/ankit-kulkarni/netrt/internal/wait"
)

var log = logrus.WithField("component", "netrt")

// housekeepingTick is the period of the two always-armed timers
// Startup keeps running for the process lifetime, standing in for the
// original's two always-live timer handles (the WAIT timer and the
// halt-poll timer, which internal/wait instead arms per call) --
// there's no equivalent OS-level housekeeping Go's net package needs,
// but §4.1 treats "exactly two live timer handles between Startup and
// Shutdown" as an invariant worth preserving so RunToDrain's bookkeeping
// has real handles to drain.
const housekeepingTick = 30 * time.Second

// Core is the single live instance Startup returns; Shutdown tears it
// down. Only one should exist per process (§4.1 "exactly one reactor
// instance").
type Core struct {
	Loop   *reactor.Loop
	Events *netevent.Queue

	mu         sync.Mutex
	ports      []*port.Port
	keepAlive  *reactor.Timer
	dnsCacheTk *reactor.Timer
	shutdown   bool
}

var (
	singleton   *Core
	singletonMu sync.Mutex
)

// Startup brings up the process-wide reactor and event queue and arms
// the two always-live housekeeping timers. Idempotent: calling it again
// returns the existing Core.
func Startup() *Core {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton != nil {
		return singleton
	}

	c := &Core{
		Loop:   reactor.New(),
		Events: netevent.New(),
	}
	c.keepAlive = c.Loop.StartTimer(housekeepingTick, housekeepingTick, func() {
		log.Debug("housekeeping tick")
	})
	c.dnsCacheTk = c.Loop.StartTimer(housekeepingTick, housekeepingTick, func() {})

	singleton = c
	log.Info("network core started")
	return c
}

// Shutdown closes every port still open, stops and reclaims the two
// housekeeping timers, drains the loop, and closes it. Idempotent.
func Shutdown() {
	singletonMu.Lock()
	c := singleton
	singleton = nil
	singletonMu.Unlock()
	if c == nil {
		return
	}

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	ports := c.ports
	c.ports = nil
	c.mu.Unlock()

	for _, p := range ports {
		if err := p.Close(); err != nil {
			log.WithError(err).Warn("error closing port during shutdown")
		}
	}

	c.keepAlive.Stop()
	c.keepAlive.Close()
	c.dnsCacheTk.Stop()
	c.dnsCacheTk.Close()
	c.Loop.RunToDrain()
	c.Loop.Close()
	log.Info("network core stopped")
}

func (c *Core) track(p *port.Port) *port.Port {
	c.mu.Lock()
	c.ports = append(c.ports, p)
	c.mu.Unlock()
	return p
}

// Connect opens a TCP connection to host:port, resolving host first.
func (c *Core) Connect(ctx context.Context, host string, portID uint16) (*port.Port, error) {
	p := port.New(c.Loop, c.Events, sockio.TCP, port.Spec{HostText: &host, PortID: portID})
	if err := p.Open(ctx); err != nil {
		return nil, errors.Wrap(err, "connect")
	}
	return c.track(p), nil
}

// ConnectIP opens a TCP connection directly to an IPv4 endpoint, no DNS
// step and no default timeout.
func (c *Core) ConnectIP(ctx context.Context, ep ipv4.Endpoint) (*port.Port, error) {
	p := port.New(c.Loop, c.Events, sockio.TCP, port.Spec{HostIP: &ep})
	if err := p.Open(ctx); err != nil {
		return nil, errors.Wrap(err, "connect")
	}
	return c.track(p), nil
}

// Listen opens a TCP listener bound to localID (0 picks the default).
func (c *Core) Listen(ctx context.Context, localID uint16) (*port.Port, error) {
	p := port.New(c.Loop, c.Events, sockio.TCP, port.Spec{LocalID: localID})
	if err := p.Open(ctx); err != nil {
		return nil, errors.Wrap(err, "listen")
	}
	return c.track(p), nil
}

// ListenUDP opens a UDP datagram port bound to localID.
func (c *Core) ListenUDP(ctx context.Context, localID uint16) (*port.Port, error) {
	p := port.New(c.Loop, c.Events, sockio.UDP, port.Spec{LocalID: localID})
	if err := p.Open(ctx); err != nil {
		return nil, errors.Wrap(err, "listen udp")
	}
	return c.track(p), nil
}

// Wait blocks until one of req.Ports has work, req.Timeout elapses, or
// ctx is cancelled. See internal/wait for the full contract.
func (c *Core) Wait(ctx context.Context, req wait.Request) (wait.Result, error) {
	return wait.Wait(ctx, c.Loop, req)
}
