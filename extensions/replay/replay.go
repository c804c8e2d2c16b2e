// Package replay implements the Salesforce replay extension: the client
// advertises replay support during handshake and resumes each subscription
// from the last replay id it saw on that channel.
package replay

import (
	"sync"
	"sync/atomic"

	bayeux "github.com/cometgo/bayeux"
)

const (
	// ExtensionName is the name used by Salesforce for its Bayeux extensions
	ExtensionName string = "replay"
	eventKey      string = "event"
	replayIDKey   string = "replayId"
)

const (
	unsupported int32 = iota
	supported
)

// Extension manages the state of the Salesforce replay Bayeux extension
type Extension struct {
	supportedByServer int32
	replayStore       IDStorer
}

// IDStorer stores and manages the channels and replay IDs for a bayeux
// server that supports the replay extension
type IDStorer interface {
	Set(channel string, replayID int)
	Get(channel string) (int, bool)
	Delete(channel string)
	AsMap() map[string]int
}

// New creates a new extension instance backed by the given store
func New(store IDStorer) *Extension {
	return &Extension{replayStore: store}
}

// MetaOutgoing advertises replay support on handshake requests and attaches
// the stored replay ids to subscribe requests
func (e *Extension) MetaOutgoing(m *bayeux.Message) *bayeux.Message {
	switch m.Channel() {
	case bayeux.MetaHandshake:
		ext := m.GetExt(true)
		if ext != nil {
			ext[ExtensionName] = true
		}
	case bayeux.MetaSubscribe:
		if e.isSupported() {
			ext := m.GetExt(true)
			if ext != nil {
				ext[ExtensionName] = e.replayStore.AsMap()
			}
		}
	}
	return m
}

// MetaIncoming records whether the server supports replay and forgets
// replay ids for unsubscribed channels
func (e *Extension) MetaIncoming(m *bayeux.Message) *bayeux.Message {
	switch m.Channel() {
	case bayeux.MetaHandshake:
		if ext := m.GetExt(false); ext != nil {
			if isSupported, ok := ext[ExtensionName].(bool); ok && isSupported {
				atomic.CompareAndSwapInt32(&e.supportedByServer, unsupported, supported)
			}
		}
	case bayeux.MetaUnsubscribe:
		if sub := m.Subscription(); sub != "" {
			e.replayStore.Delete(string(sub))
		}
	}
	return m
}

// Incoming harvests the replay id of every broadcast message
func (e *Extension) Incoming(m *bayeux.Message) *bayeux.Message {
	if m.Channel().Type() == bayeux.ChannelTypeBroadcast {
		e.updateReplayID(m)
	}
	return m
}

// Outgoing implements the Extension interface; publishes pass through
// unchanged
func (e *Extension) Outgoing(m *bayeux.Message) *bayeux.Message {
	return m
}

// Registered is called after the extension has been added to a session
func (e *Extension) Registered(session *bayeux.Session) {
}

// Unregistered is called when the extension is removed
func (e *Extension) Unregistered() {
	e.replayStore = nil
}

func (e *Extension) updateReplayID(m *bayeux.Message) {
	data, ok := m.Data().(map[string]any)
	if !ok {
		return
	}
	event, ok := data[eventKey].(map[string]any)
	if !ok {
		return
	}
	replayID, ok := event[replayIDKey].(float64)
	if !ok {
		return
	}
	e.replayStore.Set(string(m.Channel()), int(replayID))
}

func (e *Extension) isSupported() bool {
	return atomic.LoadInt32(&e.supportedByServer) == supported
}

// MapStorage implements the IDStorer interface over a regular map with a
// RWMutex protecting the access
type MapStorage struct {
	store map[string]int
	lock  sync.RWMutex
}

// NewMapStorage creates a new MapStorage instance
func NewMapStorage() *MapStorage {
	return &MapStorage{store: make(map[string]int)}
}

// Set implements the IDStorer interface
func (s *MapStorage) Set(channel string, replayID int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.store[channel] = replayID
}

// Get implements the IDStorer interface
func (s *MapStorage) Get(channel string) (replayID int, ok bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	replayID, ok = s.store[channel]
	return
}

// Delete implements the IDStorer interface
func (s *MapStorage) Delete(channel string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.store, channel)
}

// AsMap implements the IDStorer interface
func (s *MapStorage) AsMap() map[string]int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	replay := make(map[string]int, len(s.store))
	for k, v := range s.store {
		replay[k] = v
	}
	return replay
}
