package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Activity is one settlement transaction touching an escrow. Each signature
// is the base64 witness of one signer; a hash-x signer reveals its preimage.
type Activity struct {
	TxHash     string   `json:"hash"`
	Signatures []string `json:"signatures"`
}

var errClosed = errors.New("subscription closed")

type subscription struct {
	url     string
	options Options
	logger  *zap.Logger

	activity chan []byte
	errs     chan error
	quit     chan struct{}
	once     sync.Once

	connMu sync.Mutex
	conn   *websocket.Conn
	seen   map[string]struct{}
}

func subscribe(ctx context.Context, url string, options Options, logger *zap.Logger) (*subscription, error) {
	sub := &subscription{
		url:      url,
		options:  options,
		logger:   logger,
		activity: make(chan []byte, 64),
		errs:     make(chan error, 1),
		quit:     make(chan struct{}),
		seen:     map[string]struct{}{},
	}
	// The first dial is synchronous so a bad escrow fails the call.
	if err := sub.connect(ctx); err != nil {
		return nil, err
	}
	go sub.run(ctx)
	return sub, nil
}

func (s *subscription) Activity() <-chan []byte {
	return s.activity
}

func (s *subscription) Err() <-chan error {
	return s.errs
}

func (s *subscription) Close() {
	s.once.Do(func() {
		close(s.quit)
		s.closeConn()
	})
}

func (s *subscription) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	select {
	case <-s.quit:
		conn.Close()
		return errClosed
	default:
	}
	s.conn = conn
	return nil
}

func (s *subscription) closeConn() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *subscription) run(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.quit:
		}
	}()

	fallback := s.options.MinReconnect
	for {
		if err := s.read(); err != nil {
			s.logger.Debug("activity stream dropped", zap.Error(err))
			s.report(err)
		}
		s.closeConn()

		for {
			select {
			case <-s.quit:
				return
			case <-time.After(jitter(fallback)):
			}
			if fallback < s.options.MaxReconnect {
				fallback *= 2
			}
			if err := s.connect(ctx); err != nil {
				s.report(err)
				continue
			}
			fallback = s.options.MinReconnect
			break
		}
	}
}

func (s *subscription) read() error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return nil
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
				return err
			}
		}

		var activity Activity
		if err := json.Unmarshal(message, &activity); err != nil {
			s.logger.Debug("skipping malformed activity", zap.Error(err))
			continue
		}
		if activity.TxHash != "" {
			if _, ok := s.seen[activity.TxHash]; ok {
				continue
			}
			s.seen[activity.TxHash] = struct{}{}
		}
		for _, sig := range activity.Signatures {
			raw, err := base64.StdEncoding.DecodeString(sig)
			if err != nil {
				continue
			}
			select {
			case s.activity <- raw:
			case <-s.quit:
				return nil
			}
		}
	}
}

func (s *subscription) report(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// jitter spreads reconnects by up to 20% either way.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	delta := time.Duration(float64(d) * 0.2 * (rand.Float64()*2 - 1))
	return d + delta
}
