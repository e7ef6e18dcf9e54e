package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"dexfeed/internal/domain"
)

// HeadSubscriptionConfig configures the websocket head stream.
type HeadSubscriptionConfig struct {
	// ReconnectDelay is the initial delay before a reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps exponential reconnect backoff.
	MaxReconnectDelay time.Duration
	// PingInterval is the interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is the per-message read deadline.
	ReadTimeout time.Duration
	// WriteTimeout is the per-message write deadline.
	WriteTimeout time.Duration
}

// DefaultHeadSubscriptionConfig returns the default websocket configuration.
func DefaultHeadSubscriptionConfig() HeadSubscriptionConfig {
	return HeadSubscriptionConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// HeadSubscription streams new block headers over a JSON-RPC websocket
// subscription, reconnecting with exponential backoff on connection loss.
// The live runner uses it to learn the chain tip without polling.
type HeadSubscription struct {
	endpoint string
	config   HeadSubscriptionConfig
	logger   *log.Logger

	conn      *websocket.Conn
	connMu    sync.Mutex
	closed    atomic.Bool
	requestID atomic.Uint64

	headers chan domain.BlockHeader

	done chan struct{}
	wg   sync.WaitGroup

	reconnecting atomic.Bool
}

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type wsNotification struct {
	Method string `json:"method"`
	Params struct {
		Result struct {
			Number     int64  `json:"number"`
			Hash       string `json:"hash"`
			ParentHash string `json:"parentHash"`
			Timestamp  int64  `json:"timestamp"`
		} `json:"result"`
	} `json:"params"`
}

// NewHeadSubscription connects and subscribes to new chain heads.
func NewHeadSubscription(ctx context.Context, endpoint string, config *HeadSubscriptionConfig, logger *log.Logger) (*HeadSubscription, error) {
	cfg := DefaultHeadSubscriptionConfig()
	if config != nil {
		cfg = *config
	}
	if logger == nil {
		logger = log.Default()
	}

	s := &HeadSubscription{
		endpoint: endpoint,
		config:   cfg,
		logger:   logger,
		headers:  make(chan domain.BlockHeader, 1024),
		done:     make(chan struct{}),
	}

	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	if err := s.subscribe(); err != nil {
		s.Close()
		return nil, err
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.pingLoop()

	return s, nil
}

// Headers returns the stream of new block headers. Closed on Close.
func (s *HeadSubscription) Headers() <-chan domain.BlockHeader {
	return s.headers
}

// Close shuts down the subscription and closes the header channel.
func (s *HeadSubscription) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	close(s.done)

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()
	close(s.headers)
	return nil
}

// connect establishes the websocket connection.
func (s *HeadSubscription) connect(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	s.conn = conn
	return nil
}

// subscribe sends the newHeads subscription request.
func (s *HeadSubscription) subscribe() error {
	req := wsRequest{
		JSONRPC: "2.0",
		ID:      s.requestID.Add(1),
		Method:  "eth_subscribe",
		Params:  []interface{}{"newHeads"},
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("not connected")
	}

	s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := s.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("write subscribe: %w", err)
	}
	return nil
}

// readLoop reads messages and forwards head notifications.
func (s *HeadSubscription) readLoop() {
	defer s.wg.Done()

	reconnectDelay := s.config.ReconnectDelay

	for !s.closed.Load() {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()

		if conn == nil {
			select {
			case <-s.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}

			if !s.reconnecting.Swap(true) {
				go s.reconnect(reconnectDelay)
			}

			reconnectDelay *= 2
			if reconnectDelay > s.config.MaxReconnectDelay {
				reconnectDelay = s.config.MaxReconnectDelay
			}

			select {
			case <-s.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		reconnectDelay = s.config.ReconnectDelay
		s.handleMessage(message)
	}
}

// handleMessage parses a notification and forwards the header.
func (s *HeadSubscription) handleMessage(message []byte) {
	var note wsNotification
	if err := json.Unmarshal(message, &note); err != nil {
		return
	}
	if note.Method != "eth_subscription" {
		return // subscription confirmations and pongs
	}

	header := domain.BlockHeader{
		Number:     note.Params.Result.Number,
		Hash:       note.Params.Result.Hash,
		ParentHash: note.Params.Result.ParentHash,
		Timestamp:  note.Params.Result.Timestamp,
	}

	select {
	case s.headers <- header:
	case <-s.done:
	}
}

// reconnect re-dials and resubscribes after connection loss.
func (s *HeadSubscription) reconnect(delay time.Duration) {
	defer s.reconnecting.Store(false)

	if s.closed.Load() {
		return
	}

	select {
	case <-s.done:
		return
	case <-time.After(delay):
	}

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.connect(ctx); err != nil {
		s.logger.Printf("Head subscription reconnect failed: %v", err)
		return
	}

	if err := s.subscribe(); err != nil {
		s.logger.Printf("Head resubscribe failed: %v", err)
	}
}

// pingLoop sends periodic ping frames to keep the connection alive.
func (s *HeadSubscription) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.connMu.Lock()
			if s.conn != nil {
				s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
				s.conn.WriteMessage(websocket.PingMessage, nil)
			}
			s.connMu.Unlock()
		}
	}
}
