package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/gridwise/gridagent-server/internal/codec"
	"github.com/gridwise/gridagent-server/internal/domain"
	"github.com/gridwise/gridagent-server/internal/metrics"
	"github.com/gridwise/gridagent-server/internal/store"
)

// connDeps bundles everything a connection handler needs from its
// surroundings. Tests construct it directly over a net.Pipe.
type connDeps struct {
	cfg          Config
	registry     *Registry
	store        store.Store
	metrics      *metrics.Registry
	logger       zerolog.Logger
	now          func() time.Time
	onRegister   func(domain.MAC)
	onUnregister func(domain.MAC)
}

// Conn is the protocol handler for one agent connection. It owns the
// socket, the outbound queue, the scheduler timers and the protocol
// state flags. Inbound messages are processed strictly in arrival
// order; the software-update gate may pause the outbound path.
type Conn struct {
	d      connDeps
	socket net.Conn
	reader *codec.Reader
	writer *codec.Writer

	mac   domain.MAC
	agent domain.Agent

	outbound chan codec.Message
	work     chan codec.Message
	gate     *gate
	breaker  *gobreaker.CircuitBreaker

	pollPending     atomic.Bool
	registered      atomic.Bool
	identified      bool
	onlineSinceUnix atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    zerolog.Logger
}

func newConn(socket net.Conn, d connDeps) *Conn {
	version := d.cfg.DefaultProtocolVersion
	if version < codec.MinVersion || version > codec.MaxVersion {
		version = codec.Version1
	}
	c := &Conn{
		d:        d,
		socket:   socket,
		reader:   codec.NewReader(socket, version),
		writer:   codec.NewWriter(socket, version),
		outbound: make(chan codec.Message, d.cfg.OutboundQueueSize),
		work:     make(chan codec.Message, d.cfg.WorkQueueSize),
		gate:     newGate(),
		closed:   make(chan struct{}),
		logger:   d.logger.With().Str("remote", socket.RemoteAddr().String()).Logger(),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "db-" + socket.RemoteAddr().String(),
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return c
}

// MAC returns the identified agent MAC, zero before identification.
func (c *Conn) MAC() domain.MAC { return c.mac }

// Enqueue appends an outbound message. Accepted in every state; it is
// written once the write loop runs and the software-update gate permits.
func (c *Conn) Enqueue(m codec.Message) error {
	select {
	case c.outbound <- m:
		return nil
	default:
		c.logger.Warn().Stringer("type", m.MessageType()).Msg("Outbound queue full, dropping message")
		return domain.ErrQueueFull
	}
}

// Done is closed when the connection has fully shut down.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// run services the connection until the socket closes or the handler is
// torn down. It blocks; the caller runs it on its own goroutine.
func (c *Conn) run(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	defer c.teardown()
	c.readLoop()
}

func (c *Conn) readLoop() {
	for {
		m, err := c.reader.Next()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				c.logger.Debug().Msg("Connection closed by peer")
			case errors.Is(err, domain.ErrUnknownType):
				// Frame was consumed; the connection stays open.
				c.logger.Warn().Err(err).Msg("Skipping message of unknown type")
				c.d.metrics.FrameErrors.Inc()
				continue
			default:
				c.logger.Error().Err(err).Msg("Read failed, closing connection")
				c.d.metrics.FrameErrors.Inc()
			}
			c.close(err)
			return
		}

		c.d.metrics.FramesReceived.WithLabelValues(m.MessageType().String()).Inc()

		// A poll reply counts on arrival. The database visit may sit
		// behind the FIFO or an open circuit; neither makes the agent
		// unresponsive.
		if _, ok := m.(codec.NotificationGaMeasurements); ok {
			c.pollPending.Store(false)
		}

		// Gate release happens on receipt, ahead of the FIFO, so the
		// writer unblocks without waiting for earlier visits.
		if codec.IsSoftwareResponse(m) && c.gate.release() {
			c.d.metrics.GateReleases.Inc()
			c.d.metrics.GatedWriters.Dec()
			c.logger.Info().Stringer("type", m.MessageType()).Msg("Software-update gate released")
		}

		if !c.identified {
			if err := c.identify(m); err != nil {
				c.logger.Warn().Err(err).Msg("Identification failed, closing connection")
				c.close(err)
				return
			}
		}

		select {
		case c.work <- m:
		case <-c.ctx.Done():
			return
		}
	}
}

// identify resolves the peer from the first agent-originated message,
// claims the registry slot and starts the work, write and scheduler
// loops.
func (c *Conn) identify(m codec.Message) error {
	am, ok := m.(codec.AgentMessage)
	if !ok {
		return domain.ErrMalformedFrame
	}
	mac := am.AgentMAC()

	agent, err := c.d.store.GetAgent(c.ctx, mac)
	if err != nil {
		if errors.Is(err, domain.ErrAgentNotFound) {
			return domain.ErrUnknownAgent
		}
		return err
	}

	c.mac = mac
	c.agent = agent
	c.identified = true
	c.logger = c.logger.With().Stringer("agent", mac).Logger()

	if v := agent.ProtocolVersion; v >= codec.MinVersion && v <= codec.MaxVersion {
		c.reader.SetVersion(v)
		c.writer.SetVersion(v)
	}

	if prior := c.d.registry.Claim(c); prior != nil {
		c.d.metrics.Displacements.Inc()
		c.logger.Info().Msg("Displacing prior connection for agent")
		prior.close(domain.ErrConnectionClosed)
	}
	c.registered.Store(true)

	now := c.d.now()
	c.onlineSinceUnix.Store(now.Unix())
	if err := c.d.store.SetAgentOnline(c.ctx, mac, true, now); err != nil {
		c.logger.Error().Err(err).Msg("Failed to mark agent online")
	}
	if c.d.onRegister != nil {
		c.d.onRegister(mac)
	}

	c.logger.Info().Uint8("protocol_version", c.reader.Version()).Msg("Agent registered")

	c.wg.Add(3)
	go c.workLoop()
	go c.writeLoop()
	go c.schedulerLoop()
	return nil
}

func (c *Conn) workLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case m := <-c.work:
			c.visit(m)
		}
	}
}

// visit processes one inbound message against the database. Transient
// failures discard the message and reset the database handle; the
// connection is not torn down. Repeated failures trip the breaker so
// later visits fail fast until the cool-down passes.
func (c *Conn) visit(m codec.Message) {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.dispatch(m)
	})
	if err == nil {
		return
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.logger.Warn().Stringer("type", m.MessageType()).Msg("Circuit open, discarding message")
		return
	}
	c.d.metrics.DatabaseErrors.Inc()
	c.logger.Error().Err(err).Stringer("type", m.MessageType()).Msg("Visit failed, discarding message")
	if resetErr := c.d.store.Reset(c.ctx); resetErr != nil {
		c.logger.Error().Err(resetErr).Msg("Database reset failed")
	} else {
		c.d.metrics.DatabaseResets.Inc()
	}
}

func (c *Conn) dispatch(m codec.Message) error {
	switch msg := m.(type) {
	case codec.NotificationGaMeasurements:
		return c.handleMeasurements(msg)
	case codec.NotificationGaAddMode:
		return c.handleAddMode(msg)
	case codec.NotificationGaTime:
		return c.handleTime(msg)
	case codec.NotificationGaConnectedSet:
		return c.handleConnectedSet(msg)
	case codec.NotificationGpState:
		return c.handleGpState(msg)
	case codec.NotificationGaVersionInfo:
		return c.handleVersionInfo(msg)
	case codec.NotificationGaEventLog:
		return c.handleEventLog(msg)
	case codec.AcknowledgementGaSoftware, codec.AcknowledgementGpSoftware:
		return nil
	case codec.ErrorGaSoftware:
		return c.handleSoftwareError(msg.Code, "agent rejected software image")
	case codec.ErrorGpSoftware:
		return c.handleSoftwareError(msg.Code, "meter "+msg.Meter.String()+" rejected software image")
	default:
		c.logger.Warn().Stringer("type", m.MessageType()).Msg("No visit for message type")
		return nil
	}
}

// withTx runs one message visit inside a single transaction.
func (c *Conn) withTx(fn func(tx store.Tx) error) error {
	tx, err := c.d.store.Begin(c.ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (c *Conn) handleMeasurements(m codec.NotificationGaMeasurements) error {
	return c.withTx(func(tx store.Tx) error {
		horizon := c.d.now().Add(24 * time.Hour)
		var batch []domain.RawPoint

		for _, mm := range m.Meters {
			if err := tx.UpsertMeter(c.ctx, c.mac, mm.Meter); err != nil {
				return err
			}
			for _, set := range mm.Sets {
				ts := set.Timestamp.UTC()
				for _, meas := range set.Measurements {
					in, err := tx.UpsertPhysicalInput(c.ctx, c.mac, mm.Meter, meas.DataType, meas.AgentUnit, meas.InputNumber)
					if err != nil {
						return err
					}
					if in == nil {
						c.logger.Warn().
							Uint8("agent_unit", meas.AgentUnit).
							Stringer("meter", mm.Meter).
							Msg("Unknown unit code, skipping measurement")
						c.d.metrics.MeasurementsSkipped.WithLabelValues("unknown_unit").Inc()
						continue
					}
					// Agents on old GridLink firmware occasionally
					// report timestamps far in the future.
					if ts.After(horizon) {
						c.d.metrics.MeasurementsSkipped.WithLabelValues("future_timestamp").Inc()
						continue
					}
					if !in.StoreMeasurements {
						c.d.metrics.MeasurementsSkipped.WithLabelValues("storage_disabled").Inc()
						continue
					}
					batch = append(batch, domain.RawPoint{
						InputRowID: in.RowID,
						Timestamp:  ts,
						Value:      domain.AdjustValue(meas.AgentUnit, meas.Value),
					})
				}
			}
		}

		if len(batch) > 0 {
			if err := tx.BulkInsertRaw(c.ctx, batch); err != nil {
				return err
			}
		}
		c.d.metrics.MeasurementsStored.Add(float64(len(batch)))
		return nil
	})
}

func (c *Conn) handleAddMode(m codec.NotificationGaAddMode) error {
	return c.withTx(func(tx store.Tx) error {
		return tx.SetAgentAddMode(c.ctx, c.mac, m.AddMode, m.Timestamp)
	})
}

// handleTime applies clock discipline: a peer clock within tolerance is
// asked to propagate its own time to its children; a drifted one is
// forced to server time.
func (c *Conn) handleTime(m codec.NotificationGaTime) error {
	now := c.d.now()
	diff := m.Timestamp.Sub(now)
	if diff < 0 {
		diff = -diff
	}
	if diff <= c.d.cfg.TimeSyncTolerance {
		c.d.metrics.TimeSyncs.WithLabelValues("propagate").Inc()
		c.Enqueue(codec.CommandGaPropagateTime{})
		return nil
	}
	c.d.metrics.TimeSyncs.WithLabelValues("force").Inc()
	c.logger.Info().Dur("drift", diff).Msg("Agent clock out of tolerance, forcing server time")
	c.Enqueue(codec.ConfigGaTime{Timestamp: now})
	return nil
}

func (c *Conn) handleConnectedSet(m codec.NotificationGaConnectedSet) error {
	return c.withTx(func(tx store.Tx) error {
		return tx.MarkMetersOnline(c.ctx, c.mac, m.Meters, c.d.now())
	})
}

func (c *Conn) handleGpState(m codec.NotificationGpState) error {
	return c.withTx(func(tx store.Tx) error {
		if err := tx.UpsertMeter(c.ctx, c.mac, m.Meter); err != nil {
			return err
		}
		return tx.SetMeterState(c.ctx, c.mac, m.Meter, m.Manual, m.RelayOn, true, m.Timestamp)
	})
}

func (c *Conn) handleVersionInfo(m codec.NotificationGaVersionInfo) error {
	serial := int64(m.Serial)
	if serial < 0 {
		c.logger.Warn().Int64("serial", serial).Msg("Negative serial reported, sanitizing to zero")
		serial = 0
	}
	return c.withTx(func(tx store.Tx) error {
		return tx.SetAgentInfo(c.ctx, c.mac, m.DeviceType, serial, m.HardwareVersion, m.SoftwareVersion)
	})
}

func (c *Conn) handleEventLog(m codec.NotificationGaEventLog) error {
	return c.withTx(func(tx store.Tx) error {
		return tx.StoreEvent(c.ctx, domain.AgentEvent{
			Agent:     c.mac,
			Timestamp: m.Timestamp,
			Code:      m.Code,
			Message:   m.Text,
		})
	})
}

// handleSoftwareError records the rejection; the image is not re-sent.
func (c *Conn) handleSoftwareError(code uint32, text string) error {
	return c.withTx(func(tx store.Tx) error {
		return tx.StoreEvent(c.ctx, domain.AgentEvent{
			Agent:     c.mac,
			Timestamp: c.d.now(),
			Code:      code,
			Message:   text,
		})
	})
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case m := <-c.outbound:
			if err := c.gate.wait(c.ctx); err != nil {
				return
			}
			if err := c.writer.Write(m); err != nil {
				// Encode failures never reach the socket; the message is
				// dropped and the connection lives on.
				if errors.Is(err, domain.ErrVersionUnsupported) ||
					errors.Is(err, domain.ErrFrameTooLarge) ||
					errors.Is(err, domain.ErrUnknownType) {
					c.d.metrics.FrameErrors.Inc()
					c.logger.Warn().Err(err).Stringer("type", m.MessageType()).Msg("Dropping message the peer version cannot carry")
					continue
				}
				c.logger.Error().Err(err).Stringer("type", m.MessageType()).Msg("Write failed, closing connection")
				c.d.metrics.ConnectionErrors.Inc()
				c.close(err)
				return
			}
			c.d.metrics.FramesSent.WithLabelValues(m.MessageType().String()).Inc()
			if codec.IsSoftwarePush(m) {
				c.gate.pause()
				c.d.metrics.GatePauses.Inc()
				c.d.metrics.GatedWriters.Inc()
				c.logger.Info().Stringer("type", m.MessageType()).Msg("Software image sent, write path gated")
			}
		}
	}
}

// schedulerLoop drives periodic polling and clock synchronization. The
// time-sync message goes out immediately after the start-up delay; the
// poll timer arms one extra delay later and first fires a full interval
// after that.
func (c *Conn) schedulerLoop() {
	defer c.wg.Done()

	if !c.sleep(c.d.cfg.PollStartupDelay) {
		return
	}
	c.sendTimeSync()
	timeSync := time.NewTicker(c.d.cfg.TimeSyncInterval)
	defer timeSync.Stop()

	if !c.sleep(c.d.cfg.PollStartDelay) {
		return
	}
	poll := time.NewTicker(c.d.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-poll.C:
			if !c.pollTick() {
				return
			}
		case <-timeSync.C:
			c.sendTimeSync()
		}
	}
}

func (c *Conn) sleep(d time.Duration) bool {
	if d <= 0 {
		return c.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// pollTick issues a measurement poll. A poll still outstanding from the
// previous tick means the agent stopped answering; the connection is
// closed.
func (c *Conn) pollTick() bool {
	if !c.pollPending.CompareAndSwap(false, true) {
		c.logger.Warn().Msg("Poll response outstanding at next tick, closing connection")
		c.d.metrics.PollDeadlineCloses.Inc()
		c.close(domain.ErrPollDeadlineExceeded)
		return false
	}
	c.d.metrics.PollsSent.Inc()
	c.Enqueue(codec.CommandGaPollMeasurements{})
	return true
}

func (c *Conn) sendTimeSync() {
	c.Enqueue(codec.ConfigGaTime{Timestamp: c.d.now()})
}

// close initiates shutdown. Idempotent; the socket close unblocks the
// read loop, whose return runs teardown.
func (c *Conn) close(err error) {
	c.closeOnce.Do(func() {
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, domain.ErrConnectionClosed) {
			c.logger.Debug().Err(err).Msg("Closing connection")
		}
		if c.cancel != nil {
			c.cancel()
		}
		c.socket.Close()
	})
}

// teardown releases the registry slot and writes offline state, then
// re-checks ownership so a quick reconnect is not clobbered.
func (c *Conn) teardown() {
	c.close(nil)
	c.wg.Wait()

	if c.registered.Load() {
		if c.d.registry.Release(c) {
			// Detached context: the connection context is already
			// cancelled, but the offline write must still land.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := c.d.store.SetAgentOnline(ctx, c.mac, false, c.d.now()); err != nil {
				c.logger.Error().Err(err).Msg("Failed to mark agent offline")
			}
			// Last registration wins: a handler that registered while
			// the offline write was in flight re-asserts online state.
			if other, ok := c.d.registry.Lookup(c.mac); ok {
				since := time.Unix(other.onlineSinceUnix.Load(), 0).UTC()
				if err := c.d.store.SetAgentOnline(ctx, c.mac, true, since); err != nil {
					c.logger.Error().Err(err).Msg("Failed to restore online state for new owner")
				}
			}
			if c.d.onUnregister != nil {
				c.d.onUnregister(c.mac)
			}
			c.logger.Info().Msg("Agent unregistered")
		} else {
			c.logger.Debug().Msg("Displaced handler, leaving online state to new owner")
		}
	}

	close(c.closed)
}
