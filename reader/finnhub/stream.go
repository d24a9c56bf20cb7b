package finnhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appconfig "tickflow/config"
	"tickflow/internal/channel"
	"tickflow/logger"
	"tickflow/models"
)

// State is the session lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSubscribed   State = "subscribed"
	StateReceiving    State = "receiving"
	StateClosed       State = "closed"
	StateErrored      State = "errored"
)

// session is one lifetime of the streaming connection, from open to
// close/terminate. The connection handle is owned exclusively by the Reader.
type session struct {
	conn *websocket.Conn
	done chan struct{} // closed when the session's receive loop exits
}

// Reader owns the single streaming connection: connect, subscribe, receive
// loop, teardown and externally triggered restart. At most one session is
// live at any instant; create/destroy are serialized by the mutex.
type Reader struct {
	config   *appconfig.Config
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.Mutex
	session  *session
	running  bool
	notify   chan struct{}
	log      *logger.Log

	stateMu sync.RWMutex
	state   State
}

// NewReader creates a session manager that feeds raw ticks into the
// provided channels.
func NewReader(cfg *appconfig.Config, ch *channel.Channels) *Reader {
	return &Reader{
		config:   cfg,
		channels: ch,
		wg:       &sync.WaitGroup{},
		notify:   make(chan struct{}, 1),
		log:      logger.GetLogger(),
		state:    StateDisconnected,
	}
}

// State reports the current lifecycle state.
func (r *Reader) State() State {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.state
}

func (r *Reader) setState(s State) {
	r.stateMu.Lock()
	prev := r.state
	r.state = s
	r.stateMu.Unlock()

	if prev != s {
		r.log.WithComponent("session").WithFields(logger.Fields{
			"from": string(prev),
			"to":   string(s),
		}).Debug("session state transition")
	}
}

// Start opens the initial session. Calling Start while a session is live is
// a no-op.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running && r.session != nil {
		return nil
	}
	r.running = true
	r.ctx = ctx

	if err := r.connectLocked(); err != nil {
		r.signalClosed()
		return err
	}
	return nil
}

// Restart forcibly terminates the live session, if any, and opens a brand
// new one. The old connection is torn down strictly before the new one is
// dialed. Safe to call whether or not a session is live.
func (r *Reader) Restart() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx == nil {
		return fmt.Errorf("reader not started")
	}

	r.teardownLocked()

	if r.ctx.Err() != nil {
		return r.ctx.Err()
	}

	if err := r.connectLocked(); err != nil {
		r.signalClosed()
		return err
	}
	return nil
}

// Stop terminates the live session and waits for the receive loop to exit.
func (r *Reader) Stop() {
	r.mu.Lock()
	r.running = false
	r.teardownLocked()
	r.mu.Unlock()

	r.log.WithComponent("session").Info("stopping session manager")
	r.wg.Wait()
	r.setState(StateDisconnected)
	r.log.WithComponent("session").Info("session manager stopped")
}

// teardownLocked destroys the current session, bypassing the graceful close
// handshake, and waits for its receive loop to finish.
func (r *Reader) teardownLocked() {
	if r.session == nil {
		return
	}
	r.session.conn.Close()
	<-r.session.done
	r.session = nil
	r.setState(StateDisconnected)
}

// connectLocked dials the streaming endpoint, sends one subscribe directive
// per configured symbol in fixed order and launches the receive loop. Caller
// must hold r.mu.
func (r *Reader) connectLocked() error {
	cfg := r.config.Session
	log := r.log.WithComponent("session")

	r.setState(StateConnecting)

	target, err := url.Parse(cfg.URL)
	if err != nil {
		r.setState(StateDisconnected)
		return fmt.Errorf("invalid stream url: %w", err)
	}
	query := target.Query()
	query.Set("token", cfg.Token)
	target.RawQuery = query.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(r.ctx, target.String(), nil)
	if err != nil {
		r.setState(StateDisconnected)
		return fmt.Errorf("failed to dial stream endpoint: %w", err)
	}

	log.WithFields(logger.Fields{"url": cfg.URL}).Info("stream connected")

	for _, symbol := range cfg.Symbols {
		conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
		if err := conn.WriteJSON(models.SubscribeMessage{Type: "subscribe", Symbol: symbol}); err != nil {
			conn.Close()
			r.setState(StateDisconnected)
			return fmt.Errorf("failed to subscribe to %s: %w", symbol, err)
		}
	}
	r.setState(StateSubscribed)

	log.WithFields(logger.Fields{"symbols": cfg.Symbols}).Info("subscribed to symbols")

	sess := &session{conn: conn, done: make(chan struct{})}
	r.session = sess

	r.setState(StateReceiving)
	r.wg.Add(1)
	go r.receiveLoop(sess)

	return nil
}

// receiveLoop reads frames until the connection dies. Message handling never
// blocks on persistence; each tick's storage path runs downstream of the raw
// channel.
func (r *Reader) receiveLoop(sess *session) {
	defer r.wg.Done()
	defer close(sess.done)
	defer r.signalClosed()

	log := r.log.WithComponent("session").WithFields(logger.Fields{"worker": "receive_loop"})

	for {
		_, payload, err := sess.conn.ReadMessage()
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				r.setState(StateClosed)
				log.WithError(err).Warn("stream connection closed")
			} else {
				r.setState(StateErrored)
				log.WithError(err).Warn("stream transport error")
			}
			return
		}

		r.handleMessage(payload, log)
	}
}

// handleMessage dispatches one inbound frame by its type discriminant. A
// malformed frame is logged and skipped; it never kills the session.
func (r *Reader) handleMessage(payload []byte, log *logger.Entry) {
	var msg models.TradeMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.WithError(err).Warn("malformed frame, skipping")
		return
	}

	switch msg.Type {
	case "trade":
		for _, tick := range msg.Data {
			logger.IncrementTickReceived()
			if !r.channels.SendRaw(r.ctx, tick) && r.ctx.Err() == nil {
				log.WithFields(logger.Fields{"symbol": tick.Symbol}).Warn("raw channel is full, dropping tick")
			}
		}
	case "ping":
		// server liveness signal, nothing to answer at this layer
	default:
		log.WithFields(logger.Fields{"type": msg.Type}).Debug("unknown message type, ignoring")
	}
}

// signalClosed wakes the supervisor, if one is listening. Non-blocking; a
// pending notification already covers this event.
func (r *Reader) signalClosed() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}
