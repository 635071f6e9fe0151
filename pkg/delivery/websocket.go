package delivery

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tap-rsvp/tap-node/pkg/errs"
)

// WebSocketSender keeps one persistent connection per recipient endpoint,
// reconnecting on drop, for low-latency repeated exchanges between two
// nodes that already know each other.
type WebSocketSender struct {
	mu          sync.Mutex
	connections map[string]*recipientConn
	dialer      *websocket.Dialer
	logger      *log.Logger
}

type recipientConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketSender builds a WebSocketSender with a 30 second handshake
// timeout.
func NewWebSocketSender(opts ...func(*WebSocketSender)) *WebSocketSender {
	s := &WebSocketSender{
		connections: make(map[string]*recipientConn),
		dialer:      &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
		logger:      log.New(log.Writer(), "[WebSocketSender] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dispatch sends packed to the recipient's WebSocket endpoint, reusing an
// existing connection when one is live and dialing (or re-dialing) when
// it is not.
func (s *WebSocketSender) Dispatch(ctx context.Context, recipientDID, endpoint, packed string) error {
	wsEndpoint, err := toWebSocketURL(endpoint)
	if err != nil {
		return errs.Wrap(errs.Dispatch, "derive websocket endpoint", err)
	}

	rc := s.connFor(recipientDID)
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.conn == nil {
		conn, _, err := s.dialer.DialContext(ctx, wsEndpoint, nil)
		if err != nil {
			return errs.Wrap(errs.Dispatch, fmt.Sprintf("dial websocket endpoint %s", wsEndpoint), err)
		}
		rc.conn = conn
	}

	if err := rc.conn.WriteMessage(websocket.TextMessage, []byte(packed)); err != nil {
		rc.conn.Close()
		rc.conn = nil

		conn, _, dialErr := s.dialer.DialContext(ctx, wsEndpoint, nil)
		if dialErr != nil {
			return errs.Wrap(errs.Dispatch, fmt.Sprintf("reconnect websocket endpoint %s", wsEndpoint), dialErr)
		}
		rc.conn = conn
		if err := rc.conn.WriteMessage(websocket.TextMessage, []byte(packed)); err != nil {
			return errs.Wrap(errs.Dispatch, fmt.Sprintf("send to reconnected websocket endpoint %s", wsEndpoint), err)
		}
	}

	deliveryAttempts.WithLabelValues("websocket", "success").Inc()
	return nil
}

func (s *WebSocketSender) connFor(recipientDID string) *recipientConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc, ok := s.connections[recipientDID]
	if !ok {
		rc = &recipientConn{}
		s.connections[recipientDID] = rc
	}
	return rc
}

// Close tears down every open connection.
func (s *WebSocketSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rc := range s.connections {
		rc.mu.Lock()
		if rc.conn != nil {
			rc.conn.Close()
		}
		rc.mu.Unlock()
	}
}

func toWebSocketURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	return u.String(), nil
}
