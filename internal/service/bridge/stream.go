package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"FinAgent/internal/domain/models"
	drepo "FinAgent/internal/domain/repository"
	"FinAgent/pkg/logger"
)

var errNotConnected = errors.New("bridge not connected")

// Stream implements QuoteStream over the broker bridge websocket.
type Stream struct {
	url            string
	token          string
	symbols        []string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *logger.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

func New(wsURL, token string, symbols []string, reconnectDelay, pingInterval time.Duration, log *logger.Logger) drepo.QuoteStream {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Stream{
		url:            wsURL,
		token:          token,
		symbols:        symbols,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		log:            log.With("bridge-stream"),
	}
}

func (s *Stream) Connect(ctx context.Context) error {
	u := s.url
	if s.token != "" {
		u += "?token=" + url.QueryEscape(s.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("bridge connect: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()
	s.log.Info("connected", logger.String("url", s.url))
	return nil
}

func (s *Stream) Subscribe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || !s.connected {
		return errNotConnected
	}
	msg := map[string]interface{}{"type": "subscribe", "symbols": s.symbols}
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.log.Info("subscribed", logger.Strings("symbols", s.symbols))
	return nil
}

type wireQuote struct {
	S string  `json:"s"`
	B float64 `json:"b"`
	A float64 `json:"a"`
	T int64   `json:"t"` // ms
}

type wireMessage struct {
	Type string      `json:"type"`
	Data []wireQuote `json:"data"`
}

// Read streams quotes until ctx ends or the connection fails; both channels
// are closed when it stops.
func (s *Stream) Read(ctx context.Context) (<-chan *models.Quote, <-chan error) {
	quotes := make(chan *models.Quote, 1024)
	errs := make(chan error, 1)

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		errs <- errNotConnected
		close(quotes)
		close(errs)
		return quotes, errs
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				s.mu.Lock()
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				s.mu.Unlock()
			}
		}
	}()

	go func() {
		defer close(quotes)
		defer close(errs)
		defer close(done)
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					errs <- fmt.Errorf("bridge read: %w", err)
				}
				return
			}
			var m wireMessage
			if err := json.Unmarshal(b, &m); err != nil || m.Type != "quote" {
				continue
			}
			for _, d := range m.Data {
				q := &models.Quote{Symbol: d.S, Bid: d.B, Ask: d.A, Timestamp: time.UnixMilli(d.T).UTC()}
				select {
				case quotes <- q:
				case <-ctx.Done():
					return
				default:
					// drop on backpressure
				}
			}
		}
	}()

	return quotes, errs
}

func (s *Stream) Reconnect(ctx context.Context) error {
	_ = s.Close()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.reconnectDelay):
	}
	if err := s.Connect(ctx); err != nil {
		return err
	}
	return s.Subscribe(ctx)
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

func (s *Stream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}
