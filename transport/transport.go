// Package transport implements the UDP broadcast link between nodes: a
// receive socket bound on the fixed port, a send socket used to broadcast
// beacons, and the observed-state cell the role state machine reads from.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sys/unix"

	"github.com/alepez/racegate/clock"
	"github.com/alepez/racegate/common/log"
	"github.com/alepez/racegate/metrics"
	"github.com/alepez/racegate/race"
	"github.com/alepez/racegate/wire"
)

// Port is the fixed UDP port every node listens on and broadcasts to.
const Port = 6699

// workerPeriod is the transport worker's tick period.
const workerPeriod = 20 * time.Millisecond

// recvBufferSize comfortably holds one 16-byte frame plus slack.
const recvBufferSize = 256

// coordinatorBeaconTTL is how long a received coordinator time is trusted
// before CoordinatorTime reports it as stale.
const coordinatorBeaconTTL = 50 * time.Millisecond

// Stats is a point-in-time snapshot of transport counters, exported both to
// tests and to Prometheus.
type Stats struct {
	FramesSent     uint64
	FramesReceived uint64
	DecodeErrors   uint64
}

// Transport is the node's view of the wire: publish beacons, read the
// latest observed gate table and coordinator time.
type Transport interface {
	// Start begins the background worker. It returns once the receive and
	// send sockets are bound.
	Start(ctx context.Context) error

	// Stop shuts the worker down and releases the sockets. It blocks until
	// the worker goroutine has exited.
	Stop() error

	// Publish enqueues a message to be broadcast on the next worker tick.
	Publish(msg wire.Message)

	// CoordinatorTime returns the most recently observed coordinator time,
	// or false if none has been received within the last
	// coordinatorBeaconTTL.
	CoordinatorTime() (clock.CoordinatedInstant, bool)

	// SetCoordinatorTime overwrites the observed coordinator time. Used by
	// the coordinator node itself, which is always its own time source.
	SetCoordinatorTime(t clock.CoordinatedInstant)

	// Gates returns a copy of the observed gate table.
	Gates() race.Gates

	// TimeSinceCoordinatorBeacon reports how long ago the last coordinator
	// beacon was observed, or false if none has ever arrived.
	TimeSinceCoordinatorBeacon(now time.Time) (time.Duration, bool)

	// Stats returns a snapshot of the transport counters.
	Stats() Stats
}

// observedState is the lock-guarded cell shared between the worker
// goroutine and callers of Transport's read methods. Every access goes
// through TryLock: a missed lock simply skips that read or write rather
// than blocking the caller or the worker.
type observedState struct {
	mu sync.Mutex

	coordinatorTime     clock.CoordinatedInstant
	haveCoordinatorTime bool
	coordinatorBeaconAt time.Time

	gates race.Gates

	stats Stats
}

// UDPTransport is the production Transport: a real broadcast UDP socket
// pair driven by a clockwork.Ticker.
type UDPTransport struct {
	log           log.Logger
	clock         clockwork.Clock
	bindAddr      string
	broadcastAddr string

	recvConn *net.UDPConn
	sendConn *net.UDPConn

	state observedState

	outbox chan wire.Message

	stopCh chan struct{}
	doneCh chan struct{}
}

// Config bundles the addresses and clock an UDPTransport is built with.
type Config struct {
	BindAddr      string // e.g. "0.0.0.0:6699"
	BroadcastAddr string // e.g. "255.255.255.255:6699"
	Clock         clockwork.Clock
	Logger        log.Logger
}

// New builds a transport ready to Start. Defaults BindAddr/BroadcastAddr to
// the standard port on the wildcard and limited-broadcast addresses.
func New(cfg Config) *UDPTransport {
	if cfg.BindAddr == "" {
		cfg.BindAddr = fmt.Sprintf("0.0.0.0:%d", Port)
	}
	if cfg.BroadcastAddr == "" {
		cfg.BroadcastAddr = fmt.Sprintf("255.255.255.255:%d", Port)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.DefaultLogger()
	}
	return &UDPTransport{
		log:           cfg.Logger.Named("transport"),
		clock:         cfg.Clock,
		bindAddr:      cfg.BindAddr,
		broadcastAddr: cfg.BroadcastAddr,
		outbox:        make(chan wire.Message, 8),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start binds the receive and send sockets, sets SO_BROADCAST on the send
// socket, and launches the worker goroutine.
func (t *UDPTransport) Start(ctx context.Context) error {
	recvAddr, err := net.ResolveUDPAddr("udp4", t.bindAddr)
	if err != nil {
		return fmt.Errorf("transport: resolve bind addr: %w", err)
	}
	recvConn, err := net.ListenUDP("udp4", recvAddr)
	if err != nil {
		return fmt.Errorf("transport: bind receive socket: %w", err)
	}

	sendConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		recvConn.Close()
		return fmt.Errorf("transport: bind send socket: %w", err)
	}
	if err := setBroadcast(sendConn); err != nil {
		recvConn.Close()
		sendConn.Close()
		return fmt.Errorf("transport: set SO_BROADCAST: %w", err)
	}

	t.recvConn = recvConn
	t.sendConn = sendConn

	go t.run()

	t.log.Infow("transport started", "bind", t.bindAddr, "broadcast", t.broadcastAddr)
	return nil
}

// setBroadcast sets SO_BROADCAST on conn's underlying file descriptor.
// net.ListenUDP alone does not expose this socket option, so the raw fd is
// reached through SyscallConn.
func setBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// Stop signals the worker to exit and waits for it, then closes both
// sockets.
func (t *UDPTransport) Stop() error {
	close(t.stopCh)
	<-t.doneCh

	var err error
	if t.recvConn != nil {
		if cerr := t.recvConn.Close(); cerr != nil {
			err = cerr
		}
	}
	if t.sendConn != nil {
		if cerr := t.sendConn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (t *UDPTransport) Publish(msg wire.Message) {
	select {
	case t.outbox <- msg:
	default:
		t.log.Warn("outbox full, dropping beacon")
	}
}

// CoordinatorTime returns the most recently observed coordinator time, but
// only while it is still fresh: if more than coordinatorBeaconTTL has
// elapsed since the beacon that produced it, it reports false, same as if
// none had ever been received.
func (t *UDPTransport) CoordinatorTime() (clock.CoordinatedInstant, bool) {
	if !t.state.mu.TryLock() {
		return 0, false
	}
	defer t.state.mu.Unlock()
	if !t.state.haveCoordinatorTime {
		return 0, false
	}
	if t.clock.Now().Sub(t.state.coordinatorBeaconAt) > coordinatorBeaconTTL {
		return 0, false
	}
	return t.state.coordinatorTime, true
}

func (t *UDPTransport) SetCoordinatorTime(v clock.CoordinatedInstant) {
	if !t.state.mu.TryLock() {
		return
	}
	defer t.state.mu.Unlock()
	t.state.coordinatorTime = v
	t.state.haveCoordinatorTime = true
	t.state.coordinatorBeaconAt = t.clock.Now()
}

func (t *UDPTransport) Gates() race.Gates {
	if !t.state.mu.TryLock() {
		return race.Gates{}
	}
	defer t.state.mu.Unlock()
	return t.state.gates
}

func (t *UDPTransport) TimeSinceCoordinatorBeacon(now time.Time) (time.Duration, bool) {
	if !t.state.mu.TryLock() {
		return 0, false
	}
	defer t.state.mu.Unlock()
	if !t.state.haveCoordinatorTime {
		return 0, false
	}
	return now.Sub(t.state.coordinatorBeaconAt), true
}

func (t *UDPTransport) Stats() Stats {
	if !t.state.mu.TryLock() {
		return Stats{}
	}
	defer t.state.mu.Unlock()
	return t.state.stats
}

// run is the worker loop: every tick it drains the outbox (broadcasting
// each queued message) and drains any pending inbound frames, applying them
// to the observed-state cell. It exits promptly on stopCh, within one tick
// period.
func (t *UDPTransport) run() {
	defer close(t.doneCh)

	ticker := t.clock.NewTicker(workerPeriod)
	defer ticker.Stop()

	buf := make([]byte, recvBufferSize)

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.Chan():
			t.drainOutbox()
			t.drainInbound(buf)
		}
	}
}

func (t *UDPTransport) drainOutbox() {
	for {
		select {
		case msg := <-t.outbox:
			t.send(msg)
		default:
			return
		}
	}
}

func (t *UDPTransport) send(msg wire.Message) {
	frame, err := wire.Encode(msg)
	if err != nil {
		t.log.Errorw("encode failed, dropping beacon", "error", err)
		return
	}

	broadcastAddr, err := net.ResolveUDPAddr("udp4", t.broadcastAddr)
	if err != nil {
		t.log.Errorw("resolve broadcast addr failed", "error", err)
		return
	}

	if _, err := t.sendConn.WriteToUDP(frame, broadcastAddr); err != nil {
		t.log.Errorw("broadcast send failed", "error", err)
		return
	}

	if t.state.mu.TryLock() {
		t.state.stats.FramesSent++
		t.state.mu.Unlock()
	}
	metrics.FramesSent.Inc()
}

// drainInbound reads all frames currently queued on the receive socket
// without blocking past the worker tick, applying each to the observed
// state.
func (t *UDPTransport) drainInbound(buf []byte) {
	// A 1ms deadline bounds ReadFromUDP: queued frames are read, and once the
	// socket is empty the read times out almost at once, so the worker never
	// stalls waiting for a frame that may never arrive. (A deadline of
	// exactly now would fail every read before reading anything.) This uses
	// the wall clock, not the injected clockwork.Clock, since the deadline is
	// enforced by the OS socket, not by anything clockwork can fake.
	_ = t.recvConn.SetReadDeadline(time.Now().Add(time.Millisecond))
	for {
		n, _, err := t.recvConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		t.applyFrame(buf[:n])
	}
}

func (t *UDPTransport) applyFrame(frame []byte) {
	msg, err := wire.Decode(frame)
	if err != nil {
		if t.state.mu.TryLock() {
			t.state.stats.DecodeErrors++
			t.state.mu.Unlock()
		}
		metrics.DecodeErrors.Inc()
		t.log.Debugw("decode failed", "error", err)
		return
	}

	if !t.state.mu.TryLock() {
		return
	}
	defer t.state.mu.Unlock()

	t.state.stats.FramesReceived++
	metrics.FramesReceived.Inc()

	switch {
	case msg.Coordinator != nil:
		t.state.coordinatorTime = msg.Coordinator.Time
		t.state.haveCoordinatorTime = true
		t.state.coordinatorBeaconAt = t.clock.Now()
	case msg.Gate != nil:
		idx, ok := msg.Gate.Addr.AsGateIndex()
		if !ok {
			return
		}
		var beaconAt *clock.CoordinatedInstant
		if t.state.haveCoordinatorTime {
			v := t.state.coordinatorTime
			beaconAt = &v
		}
		t.state.gates[idx] = race.Gate{
			Active:             msg.Gate.State == wire.GateActive,
			LastActivationTime: msg.Gate.LastActivationTime,
			LastBeaconTime:     beaconAt,
		}
	}
}
