// Package ws maintains resilient Bybit v5 stream sessions. A session owns one
// websocket connection at a time and walks it through connect, optional
// authentication, subscription and the read loop, reconnecting with a
// configurable backoff schedule whenever the connection drops.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"tickflow/logger"
)

// State is the session lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateSubscribed
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Config describes one stream session.
type Config struct {
	Name             string
	URL              string
	APIKey           string
	APISecret        string
	RequireAuth      bool
	Topics           []string
	PingInterval     time.Duration
	PongTimeout      time.Duration
	AuthTimeout      time.Duration
	HandshakeTimeout time.Duration
	Backoff          []time.Duration
	OpsPerSecond     int
}

// Callbacks are invoked from the session's goroutines; implementations must
// not block.
type Callbacks struct {
	OnOpen        func()
	OnSubscribed  func()
	OnMessage     func(topic string, data []byte)
	OnDisconnect  func(err error)
	OnStateChange func(from, to State)
}

type ack struct {
	Op      string          `json:"op"`
	Success bool            `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Data    json.RawMessage `json:"data"`
}

// Session runs one stream connection with automatic reconnect. Topic handlers
// registered through Handle are matched by prefix, so "tickers" receives
// every "tickers.SYMBOL" frame.
type Session struct {
	cfg      Config
	cb       Callbacks
	log      *logger.Log
	state    int32
	writeLim *rate.Limiter

	mu       sync.Mutex
	conn     *websocket.Conn
	topics   []string
	handlers map[string]func(topic string, data []byte)
	running  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewSession creates a stopped session. Topics from cfg are subscribed on
// every (re)connect.
func NewSession(cfg Config, cb Callbacks) *Session {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = cfg.PingInterval + 10*time.Second
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}
	}
	ops := cfg.OpsPerSecond
	if ops <= 0 {
		ops = 10
	}
	return &Session{
		cfg:      cfg,
		cb:       cb,
		log:      logger.GetLogger(),
		writeLim: rate.NewLimiter(rate.Limit(ops), ops),
		topics:   append([]string(nil), cfg.Topics...),
		handlers: make(map[string]func(string, []byte)),
		now:      time.Now,
	}
}

// Handle registers a handler for every topic whose name starts with prefix.
// Must be called before Start.
func (s *Session) Handle(prefix string, fn func(topic string, data []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[prefix] = fn
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *Session) setState(st State) {
	old := State(atomic.SwapInt32(&s.state, int32(st)))
	if old != st {
		s.log.WithComponent("ws_session").WithFields(logger.Fields{
			"session": s.cfg.Name,
			"from":    old.String(),
			"to":      st.String(),
		}).Debug("session state change")
		if s.cb.OnStateChange != nil {
			s.cb.OnStateChange(old, st)
		}
	}
}

// Start launches the connection loop. Starting a running session is an error.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("session %s already running", s.cfg.Name)
	}
	if s.cfg.RequireAuth && (s.cfg.APIKey == "" || s.cfg.APISecret == "") {
		s.mu.Unlock()
		return fmt.Errorf("session %s requires credentials", s.cfg.Name)
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()

	s.log.WithComponent("ws_session").WithFields(logger.Fields{
		"session": s.cfg.Name,
		"url":     s.cfg.URL,
		"topics":  s.cfg.Topics,
	}).Info("session started")
	return nil
}

// Stop tears the session down and waits for its goroutines. Safe to call more
// than once and before Start.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	// setState runs callbacks that may re-enter the session, so it must not
	// run under the mutex.
	s.setState(StateClosing)
	s.cancel()

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.setState(StateDisconnected)
	s.log.WithComponent("ws_session").WithField("session", s.cfg.Name).Info("session stopped")
}

// Subscribe adds topics to the session. When the session is live the
// subscription is sent immediately; either way the topics are replayed on
// every reconnect.
func (s *Session) Subscribe(topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	s.mu.Lock()
	s.topics = append(s.topics, topics...)
	live := s.State() == StateSubscribed && s.conn != nil
	s.mu.Unlock()

	if !live {
		return nil
	}
	return s.writeJSON(subscribeRequest(topics))
}

// run is the reconnect loop. The backoff index advances on every failed
// cycle and resets once a connection reaches the subscribed state.
func (s *Session) run() {
	defer s.wg.Done()
	log := s.log.WithComponent("ws_session").WithField("session", s.cfg.Name)

	attempt := 0
	for {
		if s.ctx.Err() != nil {
			return
		}

		subscribed, err := s.connectOnce()
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			log.WithError(err).Warn("session connection ended")
		}
		if s.cb.OnDisconnect != nil {
			s.cb.OnDisconnect(err)
		}
		if subscribed {
			attempt = 0
		}

		s.setState(StateDisconnected)
		delay := s.cfg.Backoff[attempt]
		if attempt < len(s.cfg.Backoff)-1 {
			attempt++
		}
		log.WithField("delay", delay.String()).Info("reconnecting after backoff")
		if waitForReconnect(s.ctx, delay) {
			return
		}
	}
}

// connectOnce runs a single connection from dial to read failure. It reports
// whether the subscribed state was reached during the cycle.
func (s *Session) connectOnce() (bool, error) {
	log := s.log.WithComponent("ws_session").WithField("session", s.cfg.Name)
	s.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(s.ctx, s.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	conn.SetReadDeadline(s.now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(s.now().Add(s.cfg.PongTimeout))
	})

	if s.cb.OnOpen != nil {
		s.cb.OnOpen()
	}

	var authWatchdog *time.Timer
	if s.cfg.RequireAuth {
		s.setState(StateAuthenticating)
		if err := s.writeJSON(authRequest(s.cfg.APIKey, s.cfg.APISecret, s.now())); err != nil {
			return false, fmt.Errorf("send auth: %w", err)
		}
		// Force the read loop out if the auth ack never arrives.
		authWatchdog = time.AfterFunc(s.cfg.AuthTimeout, func() {
			if s.State() == StateAuthenticating {
				log.Warn("authentication timed out, closing connection")
				conn.Close()
			}
		})
		defer authWatchdog.Stop()
	} else {
		if err := s.subscribeAll(); err != nil {
			return false, fmt.Errorf("send subscribe: %w", err)
		}
	}

	pingCtx, pingCancel := context.WithCancel(s.ctx)
	defer pingCancel()
	s.startPingLoop(pingCtx, conn)

	subscribed := false
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return subscribed, nil
			}
			return subscribed, fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(s.now().Add(s.cfg.PongTimeout))

		if err := s.dispatch(msg); err != nil {
			return subscribed, err
		}
		if !subscribed && s.State() == StateSubscribed {
			subscribed = true
			if authWatchdog != nil {
				authWatchdog.Stop()
			}
		}
	}
}

// dispatch routes one inbound frame.
func (s *Session) dispatch(msg []byte) error {
	var frame ack
	if err := json.Unmarshal(msg, &frame); err != nil {
		s.log.WithComponent("ws_session").WithError(err).WithField("session", s.cfg.Name).Warn("dropping malformed frame")
		return nil
	}

	switch frame.Op {
	case "auth":
		if !frame.Success {
			return fmt.Errorf("authentication rejected: %s", frame.RetMsg)
		}
		return s.subscribeAll()
	case "subscribe":
		if !frame.Success {
			return fmt.Errorf("subscription rejected: %s", frame.RetMsg)
		}
		s.setState(StateSubscribed)
		if s.cb.OnSubscribed != nil {
			s.cb.OnSubscribed()
		}
		return nil
	case "ping", "pong":
		return nil
	}

	if frame.Topic != "" {
		s.routeTopic(frame.Topic, frame.Data)
	}
	return nil
}

func (s *Session) routeTopic(topic string, data []byte) {
	s.mu.Lock()
	var handler func(string, []byte)
	for prefix, fn := range s.handlers {
		if strings.HasPrefix(topic, prefix) {
			handler = fn
			break
		}
	}
	s.mu.Unlock()

	if handler != nil {
		handler(topic, data)
		return
	}
	if s.cb.OnMessage != nil {
		s.cb.OnMessage(topic, data)
	}
}

// subscribeAll sends one subscribe frame covering every known topic. A
// session with no topics skips the frame and is considered subscribed once
// authenticated.
func (s *Session) subscribeAll() error {
	s.mu.Lock()
	topics := append([]string(nil), s.topics...)
	s.mu.Unlock()

	if len(topics) == 0 {
		s.setState(StateSubscribed)
		if s.cb.OnSubscribed != nil {
			s.cb.OnSubscribed()
		}
		return nil
	}
	return s.writeJSON(subscribeRequest(topics))
}

// writeJSON serializes writes through the op throttle so reconnect storms
// cannot exceed the exchange's per-connection op budget.
func (s *Session) writeJSON(v interface{}) error {
	if err := s.writeLim.Wait(s.ctx); err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("session %s not connected", s.cfg.Name)
	}
	conn.SetWriteDeadline(s.now().Add(5 * time.Second))
	return conn.WriteJSON(v)
}

func (s *Session) startPingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.writeJSON(pingRequest()); err != nil {
					s.log.WithComponent("ws_session").WithError(err).WithField("session", s.cfg.Name).Warn("failed to send ping")
					conn.Close()
					return
				}
			}
		}
	}()
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
