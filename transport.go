package bayeux

import (
	"sync"
	"sync/atomic"
)

// TransportListener receives the messages and failures a transport surfaces
type TransportListener interface {
	// OnMessages hands a batch of decoded server messages to the session
	OnMessages(messages []*Message)
	// OnFailure reports an I/O failure together with the messages whose
	// delivery was attempted
	OnFailure(cause error, attempted []*Message)
}

// Transport is the contract a concrete message carrier fulfills. A transport
// moves through three lifecycle phases: uninitialized, initialized (after
// Init) and destroyed (after Destroy). Only one transport is bound to a
// session at a time; swapping unbinds the previous one before binding the
// next.
type Transport interface {
	// Name is the connection type string used during negotiation, e.g.
	// "long-polling" or "websocket"
	Name() string
	// SupportsVersion reports whether the transport can carry the given
	// Bayeux protocol version
	SupportsVersion(version string) bool
	// Init prepares the transport for use
	Init() error
	// Destroy releases the transport's resources. A destroyed transport
	// rejects further sends.
	Destroy()
	// Send delivers a batch of messages to the server. Sends are
	// asynchronous; the outcome arrives through the registered listeners.
	Send(messages []*Message) error
	// AddListener registers a listener for inbound messages and failures
	AddListener(TransportListener)
	// RemoveListener removes a previously registered listener
	RemoveListener(TransportListener)
	// NewMessage creates an empty mutable message suitable for this
	// transport
	NewMessage() *Message
}

// TransportRegistry holds transports by name in registration order, which is
// the client's preference order during negotiation.
type TransportRegistry struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]Transport
}

// NewTransportRegistry creates an empty TransportRegistry
func NewTransportRegistry() *TransportRegistry {
	return &TransportRegistry{byName: make(map[string]Transport)}
}

// Add registers a transport. Registering two transports with the same name
// is an error.
func (r *TransportRegistry) Add(t Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, ok := r.byName[name]; ok {
		return AlreadyRegisteredError{name}
	}
	r.byName[name] = t
	r.order = append(r.order, name)
	return nil
}

// Names returns, in registration order, the names of the transports that
// support the given protocol version
func (r *TransportRegistry) Names(version string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.order))
	for _, name := range r.order {
		if r.byName[name].SupportsVersion(version) {
			names = append(names, name)
		}
	}
	return names
}

// Get returns the transport registered under the given name
func (r *TransportRegistry) Get(name string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// Negotiate returns the first registered transport whose name appears in the
// offered list and which supports the given protocol version, or nil when
// there is none. Ties break in registration order.
func (r *TransportRegistry) Negotiate(version string, offered []string) Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		t := r.byName[name]
		if !t.SupportsVersion(version) {
			continue
		}
		for _, offer := range offered {
			if offer == name {
				return t
			}
		}
	}
	return nil
}

// transportListeners is the copy-on-write listener set concrete transports
// embed
type transportListeners struct {
	mu       sync.Mutex
	snapshot atomic.Value // []TransportListener
}

func newTransportListeners() *transportListeners {
	tl := &transportListeners{}
	tl.snapshot.Store([]TransportListener{})
	return tl
}

func (tl *transportListeners) Snapshot() []TransportListener {
	return tl.snapshot.Load().([]TransportListener)
}

func (tl *transportListeners) Add(l TransportListener) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	current := tl.Snapshot()
	for _, registered := range current {
		if registered == l {
			return
		}
	}
	next := make([]TransportListener, len(current), len(current)+1)
	copy(next, current)
	tl.snapshot.Store(append(next, l))
}

func (tl *transportListeners) Remove(l TransportListener) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	current := tl.Snapshot()
	next := make([]TransportListener, 0, len(current))
	for _, registered := range current {
		if registered == l {
			continue
		}
		next = append(next, registered)
	}
	tl.snapshot.Store(next)
}

func (tl *transportListeners) notifyMessages(messages []*Message) {
	for _, l := range tl.Snapshot() {
		l.OnMessages(messages)
	}
}

func (tl *transportListeners) notifyFailure(cause error, attempted []*Message) {
	for _, l := range tl.Snapshot() {
		l.OnFailure(cause, attempted)
	}
}
