package bayeux

import (
	"strings"
	"sync"
	"sync/atomic"
)

// MessageListener receives the messages delivered to a channel subscription
type MessageListener interface {
	OnMessage(m *Message)
}

type messageListenerFunc struct {
	fn func(*Message)
}

func (l *messageListenerFunc) OnMessage(m *Message) {
	l.fn(m)
}

// MessageListenerFunc adapts a plain function to the MessageListener
// interface. Each call returns a distinct listener; keep the returned value
// if you intend to unsubscribe it later.
func MessageListenerFunc(fn func(*Message)) MessageListener {
	return &messageListenerFunc{fn}
}

// listenerSet is a copy-on-write ordered set of message listeners. Readers
// iterate a snapshot: a listener added during a dispatch is not seen by that
// dispatch, and membership is re-checked per invocation so a listener
// removed mid-dispatch is not invoked further.
type listenerSet struct {
	mu       sync.Mutex
	snapshot atomic.Value // []MessageListener
}

func newListenerSet() *listenerSet {
	ls := &listenerSet{}
	ls.snapshot.Store([]MessageListener{})
	return ls
}

func (ls *listenerSet) Snapshot() []MessageListener {
	return ls.snapshot.Load().([]MessageListener)
}

// Add appends the listener in registration order. Adding the same listener
// twice is idempotent; the first return value reports whether the set was
// empty before the call.
func (ls *listenerSet) Add(l MessageListener) (wasEmpty bool, added bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	current := ls.Snapshot()
	wasEmpty = len(current) == 0
	for _, registered := range current {
		if registered == l {
			return wasEmpty, false
		}
	}
	next := make([]MessageListener, len(current), len(current)+1)
	copy(next, current)
	ls.snapshot.Store(append(next, l))
	return wasEmpty, true
}

// Remove removes one registration of the listener. The first return value
// reports whether the set became empty.
func (ls *listenerSet) Remove(l MessageListener) (nowEmpty bool, removed bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	current := ls.Snapshot()
	next := make([]MessageListener, 0, len(current))
	for _, registered := range current {
		if !removed && registered == l {
			removed = true
			continue
		}
		next = append(next, registered)
	}
	if removed {
		ls.snapshot.Store(next)
	}
	return len(next) == 0, removed
}

func (ls *listenerSet) Contains(l MessageListener) bool {
	for _, registered := range ls.Snapshot() {
		if registered == l {
			return true
		}
	}
	return false
}

// deliver invokes each currently registered listener exactly once. A
// listener panic is logged and does not affect the other listeners.
func (ls *listenerSet) deliver(m *Message, logger Logger) {
	for _, l := range ls.Snapshot() {
		if !ls.Contains(l) {
			continue
		}
		invokeListener(l, m, logger)
	}
}

func invokeListener(l MessageListener, m *Message, logger Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("channel", m.Channel()).
				WithField("panic", r).
				Error("listener panicked during delivery")
		}
	}()
	l.OnMessage(m)
}

// ClientChannel is the client-side handle over a channel. It holds the set
// of listeners subscribed to the channel and drives the subscription
// protocol with the server: the first subscriber triggers a
// `/meta/subscribe` round trip, the removal of the last subscriber triggers
// `/meta/unsubscribe`.
type ClientChannel struct {
	name      Channel
	session   *Session
	listeners *listenerSet
}

// Name returns the channel name this handle is bound to
func (ch *ClientChannel) Name() Channel {
	return ch.name
}

// Subscribe adds a listener to the channel. On the first subscriber the
// session emits a `/meta/subscribe` request to the server.
func (ch *ClientChannel) Subscribe(l MessageListener) {
	ch.SubscribeWith(l, nil)
}

// SubscribeWith behaves like Subscribe and additionally reports the outcome
// of the server round trip to done. A nil error means the server accepted
// the subscription or no round trip was needed. When the server rejects the
// subscription the local listener is kept: it is still invoked for any
// matching message that arrives via other subscriptions.
func (ch *ClientChannel) SubscribeWith(l MessageListener, done func(error)) {
	wasEmpty, _ := ch.listeners.Add(l)
	if !wasEmpty || ch.name.IsMeta() {
		if done != nil {
			done(nil)
		}
		return
	}
	ch.session.sendSubscribe(ch.name, done)
}

// Unsubscribe removes one registration of the listener. When the last
// subscriber is removed the session emits a `/meta/unsubscribe` request.
func (ch *ClientChannel) Unsubscribe(l MessageListener) {
	ch.UnsubscribeWith(l, nil)
}

// UnsubscribeWith behaves like Unsubscribe and reports the outcome of the
// server round trip to done.
func (ch *ClientChannel) UnsubscribeWith(l MessageListener, done func(error)) {
	nowEmpty, removed := ch.listeners.Remove(l)
	if !removed || !nowEmpty || ch.name.IsMeta() {
		if done != nil {
			done(nil)
		}
		return
	}
	ch.session.sendUnsubscribe(ch.name, done)
}

// Publish sends an application message with the given data on this channel.
// Publish messages never carry the session's clientId on the wire.
func (ch *ClientChannel) Publish(data any) error {
	return ch.session.publish(ch.name, data)
}

func (ch *ClientChannel) deliver(m *Message, logger Logger) {
	ch.listeners.deliver(m, logger)
}

// ChannelRegistry is the canonical storage of channels and their
// subscribers. Stored channels are a flat mapping by name; wildcard matching
// is evaluated at dispatch time only.
type ChannelRegistry struct {
	mu       sync.RWMutex
	channels map[Channel]*ClientChannel
	session  *Session
}

func newChannelRegistry(session *Session) *ChannelRegistry {
	return &ChannelRegistry{
		channels: make(map[Channel]*ClientChannel),
		session:  session,
	}
}

// Get returns the handle for the named channel, canonicalizing and
// validating the name. With create set, a missing channel is created.
func (r *ChannelRegistry) Get(name Channel, create bool) (*ClientChannel, error) {
	if !name.IsValid() {
		return nil, InvalidChannelError{name}
	}

	r.mu.RLock()
	ch, ok := r.channels[name]
	r.mu.RUnlock()
	if ok || !create {
		return ch, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[name]; ok {
		return ch, nil
	}
	ch = &ClientChannel{name: name, session: r.session, listeners: newListenerSet()}
	r.channels[name] = ch
	return ch, nil
}

func (r *ChannelRegistry) peek(name Channel) *ClientChannel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channels[name]
}

// dispatch routes a message with a concrete channel name to the listeners of
// the exact channel, then of each matching single-segment wildcard, then of
// each matching deep wildcard, most specific first.
func (r *ChannelRegistry) dispatch(m *Message, logger Logger) {
	name := m.Channel()
	for _, bucket := range matchCandidates(name) {
		if ch := r.peek(bucket); ch != nil {
			ch.deliver(m, logger)
		}
	}
}

// matchCandidates computes, most specific first, every channel name whose
// subscribers receive a message published on the given concrete channel.
func matchCandidates(name Channel) []Channel {
	s := string(name)
	last := strings.LastIndexByte(s, '/')
	if last < 0 {
		return []Channel{name}
	}

	candidates := []Channel{name, Channel(s[:last+1] + "*")}
	for i := last; i >= 0; i = strings.LastIndexByte(s[:i], '/') {
		candidates = append(candidates, Channel(s[:i+1]+"**"))
	}
	return candidates
}
