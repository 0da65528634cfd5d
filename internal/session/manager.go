// Package session owns the single WebSocket connection to the venue. It
// reconnects with backoff, detects dead peers, keeps reference-counted
// subscriptions alive across reconnects and dispatches inbound frames by
// message type.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"venuesync/config"
	"venuesync/internal/metrics"
	"venuesync/internal/models"
	"venuesync/logger"
)

const (
	defaultPingInterval     = 30 * time.Second
	defaultPongTimeout      = 60 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second

	metricsComponent = "session"
)

var (
	ErrClosed              = errors.New("session closed")
	ErrAlreadyStarted      = errors.New("session already started")
	ErrInvalidSubscription = errors.New("invalid subscription")
)

var pingFrame = []byte(`{"type":"ping"}`)

// Options configures a Manager. Zero durations fall back to defaults.
type Options struct {
	URL              string
	Header           http.Header
	PingInterval     time.Duration
	PongTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Backoff          *Backoff
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		URL:              cfg.Endpoints.WebSocketURL,
		PingInterval:     cfg.Session.PingInterval,
		PongTimeout:      cfg.Session.PongTimeout,
		HandshakeTimeout: cfg.Session.HandshakeTimeout,
		WriteTimeout:     cfg.Session.WriteTimeout,
		Backoff:          NewBackoff(cfg.Session.Backoff),
	}
}

func (o *Options) applyDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = defaultPongTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.Backoff == nil {
		o.Backoff = NewBackoff(config.BackoffConfig{})
	}
}

// Stats is a point-in-time view of the manager's counters.
type Stats struct {
	State           State
	ConnectionID    string
	FramesIn        int64
	FramesOut       int64
	Reconnects      int64
	DroppedFrames   int64
	HandlerFailures int64
	QueuedFrames    int
	Subscriptions   int
}

// Manager is a long-lived WebSocket session. Create it with New, register
// handlers, then call Start.
type Manager struct {
	opts     Options
	log      *logger.Entry
	dialer   *websocket.Dialer
	handlers *registry

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	connID        string
	everConnected bool
	subs          refCounts
	queue         [][]byte
	listeners     []listenerEntry
	nextListener  ListenerID
	cancel        context.CancelFunc
	done          chan struct{}
	closed        bool

	// writeMu serialises socket writes; it is always taken after mu.
	writeMu sync.Mutex

	framesIn        atomic.Int64
	framesOut       atomic.Int64
	reconnects      atomic.Int64
	dropped         atomic.Int64
	handlerFailures atomic.Int64
}

func New(opts Options) *Manager {
	opts.applyDefaults()
	m := &Manager{
		opts: opts,
		log:  logger.GetLogger().WithComponent("session").WithField("url", opts.URL),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		subs: make(refCounts),
	}
	m.handlers = newRegistry(m.handlerFailed)
	return m
}

// Start launches the connection loop. It returns immediately; the loop
// retries until ctx is cancelled or Close is called.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.cancel != nil {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(runCtx)
	return nil
}

// Close stops the connection loop and waits for it to exit. Subscriptions
// and queued frames are discarded.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	m.mu.Lock()
	m.subs = make(refCounts)
	m.queue = nil
	m.mu.Unlock()
	return nil
}

// On registers h for frames of msgType. Several handlers per type run in
// registration order.
func (m *Manager) On(msgType models.MessageType, h Handler) HandlerID {
	return m.handlers.add(msgType, h)
}

// Off removes a handler. It reports whether the id was registered.
func (m *Manager) Off(id HandlerID) bool {
	return m.handlers.remove(id)
}

// OnStateChange registers a listener called synchronously on every state
// transition.
func (m *Manager) OnStateChange(fn StateListener) ListenerID {
	if fn == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextListener++
	m.listeners = append(m.listeners, listenerEntry{id: m.nextListener, fn: fn})
	return m.nextListener
}

func (m *Manager) OffStateChange(id ListenerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.listeners {
		if l.id == id {
			m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
			return
		}
	}
}

// Subscribe takes a reference on (channel, identifier). The subscribe frame
// is written only when the first reference is taken; while disconnected it
// is deferred to the resend that follows the next connect.
func (m *Manager) Subscribe(channel models.Channel, identifier string) error {
	key, err := NewKey(channel, identifier)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if !m.subs.acquire(key) {
		return nil
	}
	if m.conn != nil {
		m.writeSubscriptionLocked(models.MessageSubscribe, key)
	}
	return nil
}

// Unsubscribe drops a reference. The unsubscribe frame is written only when
// the last reference goes away. Releasing a key that is not held is a no-op.
func (m *Manager) Unsubscribe(channel models.Channel, identifier string) error {
	key, err := NewKey(channel, identifier)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	last, held := m.subs.release(key)
	if !held {
		m.log.WithField("subscription", key.String()).Debug("unsubscribe for a key that is not held")
		return nil
	}
	if last && m.conn != nil {
		m.writeSubscriptionLocked(models.MessageUnsubscribe, key)
	}
	return nil
}

// RefCount returns the number of references held on a key.
func (m *Manager) RefCount(channel models.Channel, identifier string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[Key{Channel: channel, Identifier: identifier}]
}

// Subscriptions returns the held keys in a stable order.
func (m *Manager) Subscriptions() []Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs.keys()
}

// Send writes v as a JSON frame. While disconnected the frame is queued
// and flushed, in order, as soon as the next connection is established.
func (m *Manager) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.conn != nil {
		err := m.writeFrame(m.conn, data)
		if err == nil {
			return nil
		}
		m.log.WithError(err).Warn("write failed, queueing frame and closing connection")
		m.conn.Close()
	}
	m.queue = append(m.queue, data)
	return nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := Stats{
		State:         m.state,
		ConnectionID:  m.connID,
		QueuedFrames:  len(m.queue),
		Subscriptions: len(m.subs),
	}
	m.mu.Unlock()

	s.FramesIn = m.framesIn.Load()
	s.FramesOut = m.framesOut.Load()
	s.Reconnects = m.reconnects.Load()
	s.DroppedFrames = m.dropped.Load()
	s.HandlerFailures = m.handlerFailures.Load()
	return s
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	failures := 0
	for {
		if ctx.Err() != nil {
			m.setState(StateDisconnected, "")
			return
		}

		m.setState(StateConnecting, "")
		connected, err := m.connectAndServe(ctx)
		if ctx.Err() != nil {
			m.setState(StateDisconnected, "")
			return
		}
		if connected {
			failures = 0
		}
		if err != nil {
			m.log.WithError(err).Warn("websocket connection ended")
		}
		m.setState(StateDisconnected, "")

		delay := m.opts.Backoff.Delay(failures)
		failures++
		m.reconnects.Add(1)
		metrics.EmitMetric(logger.GetLogger(), metricsComponent, "reconnect_attempts", 1, metrics.TypeCounter, logger.Fields{
			"url":      m.opts.URL,
			"delay_ms": delay.Milliseconds(),
			"failures": failures,
		})

		m.setState(StateReconnecting, "")
		if waitForReconnect(ctx, delay) {
			m.setState(StateDisconnected, "")
			return
		}
	}
}

// connectAndServe dials, attaches the connection and reads until it fails.
// connected reports whether the connection reached the Connected state.
func (m *Manager) connectAndServe(ctx context.Context) (connected bool, err error) {
	conn, _, err := m.dialer.DialContext(ctx, m.opts.URL, m.opts.Header)
	if err != nil {
		return false, fmt.Errorf("failed to dial websocket: %w", err)
	}

	connID := uuid.NewString()
	log := m.log.WithField("connection_id", connID)

	watchdog := time.AfterFunc(m.opts.PongTimeout, func() {
		log.WithField("pong_timeout", m.opts.PongTimeout.String()).Warn("no pong received in time, closing connection")
		metrics.EmitMetric(logger.GetLogger(), metricsComponent, "liveness_timeouts", 1, metrics.TypeCounter, logger.Fields{"url": m.opts.URL})
		conn.Close()
	})
	defer watchdog.Stop()
	conn.SetPongHandler(func(string) error {
		watchdog.Reset(m.opts.PongTimeout)
		return nil
	})

	connCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	if err := m.attach(conn, connID); err != nil {
		m.detach(conn)
		return false, err
	}
	log.Info("websocket connected")
	metrics.EmitMetric(logger.GetLogger(), metricsComponent, "connections_established", 1, metrics.TypeCounter, logger.Fields{"url": m.opts.URL})

	go m.pingLoop(connCtx, conn, log)

	err = m.readLoop(conn, watchdog, log)
	m.detach(conn)
	return true, err
}

// attach flushes queued frames, resends every held subscription and only
// then publishes the connection, all under mu so no other writer can
// interleave.
func (m *Manager) attach(conn *websocket.Conn, connID string) error {
	m.mu.Lock()
	for len(m.queue) > 0 {
		if err := m.writeFrame(conn, m.queue[0]); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("failed to flush queued frame: %w", err)
		}
		m.queue = m.queue[1:]
	}
	m.queue = nil

	for _, key := range m.subs.keys() {
		data, err := json.Marshal(key.message(models.MessageSubscribe))
		if err != nil {
			continue
		}
		if err := m.writeFrame(conn, data); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("failed to resubscribe %s: %w", key, err)
		}
	}

	m.conn = conn
	m.connID = connID
	change, changed := m.setStateLocked(StateConnected, connID)
	listeners := m.listenersLocked()
	m.mu.Unlock()

	if changed {
		m.notify(listeners, change)
	}
	return nil
}

func (m *Manager) detach(conn *websocket.Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
		m.connID = ""
	}
	m.mu.Unlock()
	conn.Close()
}

func (m *Manager) readLoop(conn *websocket.Conn, watchdog *time.Timer, log *logger.Entry) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		m.framesIn.Add(1)
		logger.RecordStreamMessage(metricsComponent, len(data))

		msg, err := models.DecodeServerMessage(data)
		if err != nil {
			m.dropProtocolFrame(err, log)
			continue
		}

		switch msg.Type {
		case models.MessagePong:
			watchdog.Reset(m.opts.PongTimeout)
		case models.MessageError:
			log.WithField("server_message", msg.Message).Warn("server reported an error")
		}
		m.handlers.dispatch(msg)
	}
}

func (m *Manager) dropProtocolFrame(err error, log *logger.Entry) {
	m.dropped.Add(1)

	var msgType, reason string
	var perr *models.ProtocolError
	if errors.As(err, &perr) {
		msgType, reason = string(perr.Type), perr.Reason
	}
	log.WithError(err).WithField("reason", reason).Warn("dropping malformed frame")
	metrics.EmitDropMetric(logger.GetLogger(), metrics.DropMetricProtocol, msgType, "", reason)
}

func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn, log *logger.Entry) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.writeFrame(conn, pingFrame); err != nil {
				log.WithError(err).Warn("failed to send ping")
				conn.Close()
				return
			}
		}
	}
}

// writeSubscriptionLocked writes a (un)subscribe frame on the current
// connection. A failed write closes the connection; the held keys are
// resent after the reconnect.
func (m *Manager) writeSubscriptionLocked(msgType models.MessageType, key Key) {
	data, err := json.Marshal(key.message(msgType))
	if err != nil {
		return
	}
	if err := m.writeFrame(m.conn, data); err != nil {
		m.log.WithError(err).WithField("subscription", key.String()).Warn("failed to write subscription frame, closing connection")
		m.conn.Close()
	}
}

// writeFrame sends one text frame under writeMu with the write deadline
// applied.
func (m *Manager) writeFrame(conn *websocket.Conn, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	m.framesOut.Add(1)
	return nil
}

func (m *Manager) handlerFailed(msgType models.MessageType, id HandlerID, err error) {
	m.handlerFailures.Add(1)
	m.log.WithError(err).WithFields(logger.Fields{
		"message_type": string(msgType),
		"handler_id":   uint64(id),
	}).Warn("message handler failed")
	metrics.EmitDropMetric(logger.GetLogger(), metrics.DropMetricHandlerFailure, string(msgType), "", "handler_error")
}

func (m *Manager) setState(to State, connID string) {
	m.mu.Lock()
	change, changed := m.setStateLocked(to, connID)
	listeners := m.listenersLocked()
	m.mu.Unlock()

	if changed {
		m.notify(listeners, change)
	}
}

func (m *Manager) setStateLocked(to State, connID string) (StateChange, bool) {
	if m.state == to {
		return StateChange{}, false
	}
	change := StateChange{From: m.state, To: to, ConnectionID: connID}
	if to == StateConnected {
		change.Reconnect = m.everConnected
		m.everConnected = true
	}
	m.state = to
	return change, true
}

func (m *Manager) listenersLocked() []listenerEntry {
	out := make([]listenerEntry, len(m.listeners))
	copy(out, m.listeners)
	return out
}

func (m *Manager) notify(listeners []listenerEntry, change StateChange) {
	m.log.WithFields(logger.Fields{
		"from":          change.From.String(),
		"to":            change.To.String(),
		"connection_id": change.ConnectionID,
	}).Debug("session state changed")

	for _, l := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					m.log.WithField("panic", fmt.Sprint(rec)).Error("state listener panicked")
				}
			}()
			l.fn(change)
		}()
	}
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
