package bayeux

import (
	"sync"
	"sync/atomic"
)

// Extension is a user-supplied filter invoked for every message that crosses
// the session boundary. Each hook may return the message unchanged, return a
// transformed message, or return nil to veto it.
//
// A hook that panics is logged and treated as if it had returned its input
// unchanged. A faulty extension never aborts the session.
type Extension interface {
	// Incoming filters application messages received from the server
	Incoming(*Message) *Message
	// Outgoing filters application messages published by this client
	Outgoing(*Message) *Message
	// MetaIncoming filters meta messages received from the server
	MetaIncoming(*Message) *Message
	// MetaOutgoing filters meta messages sent by this client
	MetaOutgoing(*Message) *Message
}

// ExtensionRegistrar is implemented by extensions that want lifecycle
// callbacks when they are added to or removed from a session
type ExtensionRegistrar interface {
	Registered(session *Session)
	Unregistered()
}

// extensionList is a copy-on-write ordered list of extensions. Mutation
// replaces the snapshot pointer; readers capture the snapshot once per
// traversal, so an in-flight pipeline pass never observes a concurrent
// add or remove.
type extensionList struct {
	mu       sync.Mutex
	snapshot atomic.Value // []Extension
}

func newExtensionList() *extensionList {
	el := &extensionList{}
	el.snapshot.Store([]Extension{})
	return el
}

func (el *extensionList) Snapshot() []Extension {
	return el.snapshot.Load().([]Extension)
}

func (el *extensionList) Add(ext Extension) error {
	el.mu.Lock()
	defer el.mu.Unlock()
	current := el.Snapshot()
	for _, registered := range current {
		if registered == ext {
			return AlreadyRegisteredError{"extension"}
		}
	}
	next := make([]Extension, len(current), len(current)+1)
	copy(next, current)
	el.snapshot.Store(append(next, ext))
	return nil
}

func (el *extensionList) Remove(ext Extension) bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	current := el.Snapshot()
	next := make([]Extension, 0, len(current))
	found := false
	for _, registered := range current {
		if !found && registered == ext {
			found = true
			continue
		}
		next = append(next, registered)
	}
	if found {
		el.snapshot.Store(next)
	}
	return found
}

// pipeline passes a message through every extension in registration order.
// It returns nil when an extension vetoed the message.
func (el *extensionList) pipeline(m *Message, hook func(Extension, *Message) *Message, logger Logger) *Message {
	for _, ext := range el.Snapshot() {
		processed, ok := applyExtension(ext, m, hook)
		if !ok {
			logger.WithField("channel", m.Channel()).
				Warn("extension panicked, treating as pass-through")
			continue
		}
		if processed == nil {
			logger.WithField("channel", m.Channel()).
				Debug("extension vetoed message")
			return nil
		}
		m = processed
	}
	return m
}

// applyExtension isolates a single hook invocation. The second return value
// is false when the hook panicked.
func applyExtension(ext Extension, m *Message, hook func(Extension, *Message) *Message) (result *Message, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			result, ok = m, false
		}
	}()
	return hook(ext, m), true
}

func incomingHook(ext Extension, m *Message) *Message {
	return ext.Incoming(m)
}

func outgoingHook(ext Extension, m *Message) *Message {
	return ext.Outgoing(m)
}

func metaIncomingHook(ext Extension, m *Message) *Message {
	return ext.MetaIncoming(m)
}

func metaOutgoingHook(ext Extension, m *Message) *Message {
	return ext.MetaOutgoing(m)
}
