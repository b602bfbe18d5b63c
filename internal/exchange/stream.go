package exchange

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/irfndi/candle-sync/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/time/rate"
)

const (
	DefaultReconnectBase        = time.Second
	DefaultReconnectMax         = 60 * time.Second
	DefaultMaxReconnectAttempts = 10

	defaultIdleTimeout = 5 * time.Minute
	defaultWriteWait   = 10 * time.Second
)

// StreamState is the lifecycle of one streaming connection.
type StreamState string

const (
	StateConnecting StreamState = "CONNECTING"
	StateConnected  StreamState = "CONNECTED"
	StateClosing    StreamState = "CLOSING"
	StateClosed     StreamState = "CLOSED"
	StateFailed     StreamState = "FAILED"
)

// StreamEventType distinguishes candle payloads from lifecycle notices.
type StreamEventType int

const (
	EventKline StreamEventType = iota
	EventState
	// EventGaveUp is sent once the reconnect budget is exhausted.
	EventGaveUp
)

// StreamEvent is handed from a stream's read goroutine to its owner.
type StreamEvent struct {
	StreamID string
	Type     StreamEventType
	Kline    *Kline
	State    StreamState
	Err      error
	At       time.Time
}

// StreamConfig tunes reconnection and dialing.
type StreamConfig struct {
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	MaxAttempts   int
	IdleTimeout   time.Duration
	Dialer        *websocket.Dialer
	DialLimiter   *rate.Limiter
	Logger        *logrus.Entry
}

func (c *StreamConfig) applyDefaults() {
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = DefaultReconnectBase
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = DefaultReconnectMax
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxReconnectAttempts
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
}

// ReconnectDelay returns min(base * 2^(attempt-1), max) for attempt >= 1.
func ReconnectDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

var lowerCaser = cases.Lower(language.Und)

// StreamName returns the channel name of a series, e.g. btcusdt@kline_1h.
func StreamName(symbol string, interval models.Interval) string {
	return lowerCaser.String(strings.TrimSpace(symbol)) + "@kline_" + interval.String()
}

// StreamBaseURL resolves the websocket base of a data source from its ws
// url, or from the REST host when none is configured.
func StreamBaseURL(source *models.DataSource) string {
	if source.WsURL != "" {
		return strings.TrimSuffix(source.WsURL, "/")
	}
	switch venueFor(source.BaseURL).market {
	case models.MarketUSDTM:
		return "wss://fstream.binance.com/ws"
	case models.MarketCoinM:
		return "wss://dstream.binance.com/ws"
	default:
		return "wss://stream.binance.com:9443/ws"
	}
}

// StreamURL is the full websocket URL of one series.
func StreamURL(source *models.DataSource, symbol string, interval models.Interval) string {
	return StreamBaseURL(source) + "/" + StreamName(symbol, interval)
}

// NewStreamDialer builds a websocket dialer that honours the data source's
// proxy.
func NewStreamDialer(source *models.DataSource, handshakeTimeout time.Duration) (*websocket.Dialer, error) {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	proxy, err := ProxyURL(source)
	if err != nil {
		return nil, err
	}
	if proxy != nil {
		dialer.Proxy = http.ProxyURL(proxy)
	}
	return dialer, nil
}

// KlineStream is one websocket subscription that reconnects with
// exponential backoff until closed or out of attempts. Decoded candles and
// state changes are delivered on the events channel; no business logic runs
// on the read goroutine.
type KlineStream struct {
	id     string
	url    string
	cfg    StreamConfig
	events chan<- StreamEvent
	logger *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conn     *websocket.Conn
	state    StreamState
	attempts int
	closed   bool
	timer    *time.Timer
}

func NewKlineStream(url string, cfg StreamConfig, events chan<- StreamEvent) *KlineStream {
	cfg.applyDefaults()
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &KlineStream{
		id:     id,
		url:    url,
		cfg:    cfg,
		events: events,
		logger: cfg.Logger.WithFields(logrus.Fields{"stream_id": id, "url": url}),
		ctx:    ctx,
		cancel: cancel,
		state:  StateClosed,
	}
}

func (s *KlineStream) ID() string  { return s.id }
func (s *KlineStream) URL() string { return s.url }

// State returns the current connection state.
func (s *KlineStream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the number of reconnect attempts since the last
// successful connect.
func (s *KlineStream) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Start dials in the background.
func (s *KlineStream) Start() {
	go s.connect()
}

func (s *KlineStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *KlineStream) setState(state StreamState, err error) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.emit(StreamEvent{Type: EventState, State: state, Err: err})
}

// emit delivers an event unless the stream has been closed.
func (s *KlineStream) emit(ev StreamEvent) {
	ev.StreamID = s.id
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *KlineStream) connect() {
	if s.isClosed() {
		return
	}
	s.setState(StateConnecting, nil)

	if s.cfg.DialLimiter != nil {
		if err := s.cfg.DialLimiter.Wait(s.ctx); err != nil {
			return
		}
	}

	conn, resp, err := s.cfg.Dialer.DialContext(s.ctx, s.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if s.isClosed() {
			return
		}
		s.logger.WithError(err).Warn("Stream dial failed")
		s.setState(StateFailed, err)
		s.scheduleReconnect()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.attempts = 0
	s.mu.Unlock()

	s.logger.Debug("Stream connected")
	s.setState(StateConnected, nil)
	go s.readLoop(conn)
}

func (s *KlineStream) readLoop(conn *websocket.Conn) {
	idle := s.cfg.IdleTimeout
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(defaultWriteWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(conn, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))

		ev, err := ParseKlineEvent(data)
		if err != nil {
			s.logger.WithError(err).Debug("Ignoring stream message")
			continue
		}
		k := ev.Kline.ToKline()
		s.emit(StreamEvent{Type: EventKline, Kline: &k})
	}
}

func (s *KlineStream) handleDisconnect(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.closed || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.mu.Unlock()
	_ = conn.Close()

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure) {
		s.logger.WithError(err).Warn("Stream disconnected")
	}
	s.setState(StateClosed, err)
	s.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer, or gives up in FAILED once the
// attempt budget is spent.
func (s *KlineStream) scheduleReconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.attempts >= s.cfg.MaxAttempts {
		s.state = StateFailed
		attempts := s.attempts
		s.mu.Unlock()
		s.logger.WithField("attempts", attempts).Error("Stream gave up reconnecting")
		s.emit(StreamEvent{
			Type:  EventGaveUp,
			State: StateFailed,
			Err:   fmt.Errorf("gave up after %d reconnect attempts", attempts),
		})
		return
	}
	s.attempts++
	delay := ReconnectDelay(s.attempts, s.cfg.ReconnectBase, s.cfg.ReconnectMax)
	s.timer = time.AfterFunc(delay, func() {
		if s.isClosed() {
			return
		}
		s.connect()
	})
	attempt := s.attempts
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"attempt": attempt, "delay": delay}).Info("Stream reconnect scheduled")
}

// Close stops the stream without reconnecting. It is safe to call more
// than once.
func (s *KlineStream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	conn := s.conn
	s.conn = nil
	s.state = StateClosing
	s.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.cancel()
}
