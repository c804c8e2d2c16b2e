package bayeux

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync/atomic"

	"golang.org/x/net/publicsuffix"
)

const (
	transportUninitialized int32 = iota
	transportInitialized
	transportDestroyed
)

// LongPollingTransport carries Bayeux messages over HTTP POST requests. The
// server holds the connect request open until it has messages to deliver,
// so sends run on their own goroutines and surface their outcome through
// the transport listeners.
type LongPollingTransport struct {
	client        *http.Client
	serverAddress *url.URL
	logger        Logger
	listeners     *transportListeners
	state         int32
}

// LongPollingOption mutates a LongPollingTransport under construction
type LongPollingOption func(*LongPollingTransport)

// WithHTTPClient supplies the http.Client used for every request. Without
// it a client with a publicsuffix-aware cookie jar is created, which the
// Bayeux browser-cookie requirement needs.
func WithHTTPClient(client *http.Client) LongPollingOption {
	return func(t *LongPollingTransport) {
		t.client = client
	}
}

// WithHTTPTransport supplies the http.RoundTripper for the default client.
// Useful for auth decorators such as the salesforce extension.
func WithHTTPTransport(rt http.RoundTripper) LongPollingOption {
	return func(t *LongPollingTransport) {
		t.client.Transport = rt
	}
}

// WithLongPollingLogger supplies the transport's logger
func WithLongPollingLogger(logger Logger) LongPollingOption {
	return func(t *LongPollingTransport) {
		t.logger = logger
	}
}

// NewLongPollingTransport creates a long-polling transport talking to the
// given server address
func NewLongPollingTransport(serverAddress string, opts ...LongPollingOption) (*LongPollingTransport, error) {
	parsedAddress, err := url.Parse(serverAddress)
	if err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}

	t := &LongPollingTransport{
		client:        &http.Client{Jar: jar},
		serverAddress: parsedAddress,
		logger:        newNullLogger(),
		listeners:     newTransportListeners(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Name implements the Transport interface
func (t *LongPollingTransport) Name() string {
	return ConnectionTypeLongPolling
}

// SupportsVersion implements the Transport interface
func (t *LongPollingTransport) SupportsVersion(version string) bool {
	return version == BayeuxVersion
}

// Init implements the Transport interface. The transport is connectionless;
// Init only marks it initialized, which Send requires, and also lets a
// destroyed transport be rebound after a re-handshake.
func (t *LongPollingTransport) Init() error {
	atomic.StoreInt32(&t.state, transportInitialized)
	return nil
}

// Destroy implements the Transport interface
func (t *LongPollingTransport) Destroy() {
	atomic.StoreInt32(&t.state, transportDestroyed)
}

// NewMessage implements the Transport interface
func (t *LongPollingTransport) NewMessage() *Message {
	return NewMessage()
}

// AddListener implements the Transport interface
func (t *LongPollingTransport) AddListener(l TransportListener) {
	t.listeners.Add(l)
}

// RemoveListener implements the Transport interface
func (t *LongPollingTransport) RemoveListener(l TransportListener) {
	t.listeners.Remove(l)
}

// Send implements the Transport interface. The POST round trip happens on
// its own goroutine; decoded replies and failures arrive through the
// listeners.
func (t *LongPollingTransport) Send(messages []*Message) error {
	if atomic.LoadInt32(&t.state) != transportInitialized {
		return ErrTransportDestroyed
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(messages); err != nil {
		return err
	}

	go t.roundTrip(buf.Bytes(), messages)
	return nil
}

func (t *LongPollingTransport) roundTrip(body []byte, attempted []*Message) {
	logger := t.logger.WithField("at", "long-polling")

	req, err := http.NewRequest("POST", t.serverAddress.String(), bytes.NewReader(body))
	if err != nil {
		t.listeners.notifyFailure(err, attempted)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		logger.WithError(err).Debug("error during request")
		t.listeners.notifyFailure(err, attempted)
		return
	}

	received, err := t.parseResponse(resp)
	if err != nil {
		logger.WithError(err).Debug("error parsing response")
		t.listeners.notifyFailure(err, attempted)
		return
	}

	if atomic.LoadInt32(&t.state) != transportInitialized {
		// Destroyed while the poll was in flight; the session has moved on.
		return
	}
	t.listeners.notifyMessages(received)
}

func (t *LongPollingTransport) parseResponse(resp *http.Response) ([]*Message, error) {
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, BadResponseError{resp.StatusCode, resp.Status, body}
	}

	messages := make([]*Message, 0)
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, err
	}
	return messages, nil
}
