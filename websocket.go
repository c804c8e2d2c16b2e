package bayeux

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const defaultDialTimeout = 10 * time.Second

// WebSocketTransport carries Bayeux messages over a single WebSocket
// connection. Init dials the server and starts the read loop; Destroy
// closes the connection.
type WebSocketTransport struct {
	url         string
	logger      Logger
	listeners   *transportListeners
	dialTimeout time.Duration
	headers     map[string][]string

	state  int32
	mu     sync.Mutex
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// WebSocketOption mutates a WebSocketTransport under construction
type WebSocketOption func(*WebSocketTransport)

// WithDialTimeout bounds the WebSocket dial during Init
func WithDialTimeout(d time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.dialTimeout = d
	}
}

// WithHandshakeHeaders supplies custom HTTP headers for the WebSocket
// upgrade request, e.g. an Authorization header
func WithHandshakeHeaders(headers map[string][]string) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.headers = headers
	}
}

// WithWebSocketLogger supplies the transport's logger
func WithWebSocketLogger(logger Logger) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.logger = logger
	}
}

// NewWebSocketTransport creates a WebSocket transport talking to the given
// ws:// or wss:// URL
func NewWebSocketTransport(url string, opts ...WebSocketOption) *WebSocketTransport {
	t := &WebSocketTransport{
		url:         url,
		logger:      newNullLogger(),
		listeners:   newTransportListeners(),
		dialTimeout: defaultDialTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name implements the Transport interface
func (t *WebSocketTransport) Name() string {
	return ConnectionTypeWebSocket
}

// SupportsVersion implements the Transport interface
func (t *WebSocketTransport) SupportsVersion(version string) bool {
	return version == BayeuxVersion
}

// Init implements the Transport interface by dialing the server and
// starting the read loop
func (t *WebSocketTransport) Init() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if atomic.LoadInt32(&t.state) == transportInitialized {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	dialCtx, dialCancel := context.WithTimeout(ctx, t.dialTimeout)
	defer dialCancel()

	dialOptions := &websocket.DialOptions{}
	if t.headers != nil {
		dialOptions.HTTPHeader = t.headers
	}

	conn, _, err := websocket.Dial(dialCtx, t.url, dialOptions)
	if err != nil {
		cancel()
		return err
	}
	// Bayeux batches are JSON arrays; size is server-dependent.
	conn.SetReadLimit(-1)

	t.conn = conn
	t.ctx = ctx
	t.cancel = cancel
	atomic.StoreInt32(&t.state, transportInitialized)
	t.logger.WithField("url", t.url).Debug("websocket connected")

	go t.readLoop(ctx, conn)
	return nil
}

// Destroy implements the Transport interface
func (t *WebSocketTransport) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if atomic.SwapInt32(&t.state, transportDestroyed) != transportInitialized {
		return
	}
	t.cancel()
	_ = t.conn.Close(websocket.StatusNormalClosure, "session closed")
	t.conn = nil
}

// NewMessage implements the Transport interface
func (t *WebSocketTransport) NewMessage() *Message {
	return NewMessage()
}

// AddListener implements the Transport interface
func (t *WebSocketTransport) AddListener(l TransportListener) {
	t.listeners.Add(l)
}

// RemoveListener implements the Transport interface
func (t *WebSocketTransport) RemoveListener(l TransportListener) {
	t.listeners.Remove(l)
}

// Send implements the Transport interface. The write happens on its own
// goroutine; failures arrive through the listeners.
func (t *WebSocketTransport) Send(messages []*Message) error {
	if atomic.LoadInt32(&t.state) != transportInitialized {
		return ErrTransportDestroyed
	}

	encoded, err := json.Marshal(messages)
	if err != nil {
		return err
	}

	go func() {
		t.mu.Lock()
		conn, ctx := t.conn, t.ctx
		t.mu.Unlock()
		if conn == nil {
			t.listeners.notifyFailure(ErrTransportDestroyed, messages)
			return
		}
		if err := conn.Write(ctx, websocket.MessageText, encoded); err != nil {
			t.listeners.notifyFailure(err, messages)
		}
	}()
	return nil
}

func (t *WebSocketTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if atomic.LoadInt32(&t.state) == transportInitialized {
				t.logger.WithError(err).Debug("websocket read failed")
				t.listeners.notifyFailure(err, nil)
			}
			return
		}

		messages := make([]*Message, 0)
		if err := json.Unmarshal(data, &messages); err != nil {
			t.logger.WithError(err).Debug("discarding undecodable frame")
			continue
		}
		t.listeners.notifyMessages(messages)
	}
}
