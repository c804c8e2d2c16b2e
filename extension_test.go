package bayeux

import (
	"testing"
)

// recordingExtension tags messages with its name so tests can observe
// invocation order
type recordingExtension struct {
	name        string
	vetoMetaOut bool
	vetoMetaIn  bool
	panics      bool
}

func (e *recordingExtension) record(m *Message) *Message {
	if e.panics {
		panic("faulty extension")
	}
	order, _ := m.Get("order")
	entries, _ := order.([]string)
	_ = m.Set("order", append(entries, e.name))
	return m
}

func (e *recordingExtension) Incoming(m *Message) *Message { return e.record(m) }
func (e *recordingExtension) Outgoing(m *Message) *Message { return e.record(m) }

func (e *recordingExtension) MetaIncoming(m *Message) *Message {
	if e.vetoMetaIn {
		return nil
	}
	return e.record(m)
}

func (e *recordingExtension) MetaOutgoing(m *Message) *Message {
	if e.vetoMetaOut {
		return nil
	}
	return e.record(m)
}

func recordedOrder(t *testing.T, m *Message) []string {
	t.Helper()
	order, _ := m.Get("order")
	entries, ok := order.([]string)
	if !ok {
		t.Fatal("no order recorded on message")
	}
	return entries
}

func TestPipelineRunsInRegistrationOrder(t *testing.T) {
	el := newExtensionList()
	first := &recordingExtension{name: "first"}
	second := &recordingExtension{name: "second"}
	if err := el.Add(first); err != nil {
		t.Fatalf("unexpected error: %q", err)
	}
	if err := el.Add(second); err != nil {
		t.Fatalf("unexpected error: %q", err)
	}

	m := NewMessage()
	_ = m.SetChannel("/foo")
	out := el.pipeline(m, outgoingHook, newNullLogger())
	if out == nil {
		t.Fatal("message unexpectedly vetoed")
	}

	order := recordedOrder(t, out)
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("want [first second], got %v", order)
	}

	// Same order on the incoming direction.
	in := NewMessage()
	_ = in.SetChannel("/foo")
	out = el.pipeline(in, incomingHook, newNullLogger())
	order = recordedOrder(t, out)
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("want [first second] incoming, got %v", order)
	}
}

func TestPipelineVetoStopsTheChain(t *testing.T) {
	el := newExtensionList()
	veto := &recordingExtension{name: "veto", vetoMetaOut: true}
	after := &recordingExtension{name: "after"}
	_ = el.Add(veto)
	_ = el.Add(after)

	m := NewMessage()
	_ = m.SetChannel(MetaHandshake)
	if out := el.pipeline(m, metaOutgoingHook, newNullLogger()); out != nil {
		t.Error("expected the message to be vetoed")
	}
	if _, ok := m.Get("order"); ok {
		t.Error("extensions after the veto must not run")
	}
}

func TestPipelineIsolatesPanickingExtension(t *testing.T) {
	el := newExtensionList()
	faulty := &recordingExtension{name: "faulty", panics: true}
	after := &recordingExtension{name: "after"}
	_ = el.Add(faulty)
	_ = el.Add(after)

	m := NewMessage()
	_ = m.SetChannel("/foo")
	out := el.pipeline(m, outgoingHook, newNullLogger())
	if out == nil {
		t.Fatal("faulty extension must act as identity, not veto")
	}
	order := recordedOrder(t, out)
	if len(order) != 1 || order[0] != "after" {
		t.Errorf("want [after], got %v", order)
	}
}

func TestPipelineWithZeroExtensions(t *testing.T) {
	el := newExtensionList()
	m := NewMessage()
	_ = m.SetChannel("/foo")
	if out := el.pipeline(m, outgoingHook, newNullLogger()); out != m {
		t.Error("empty pipeline must pass the message through unchanged")
	}
}

func TestExtensionListAddRemove(t *testing.T) {
	el := newExtensionList()
	ext := &recordingExtension{name: "only"}
	if err := el.Add(ext); err != nil {
		t.Fatalf("unexpected error: %q", err)
	}
	if err := el.Add(ext); err == nil {
		t.Error("expected adding the same extension twice to error")
	}
	if !el.Remove(ext) {
		t.Error("expected Remove to find the extension")
	}
	if el.Remove(ext) {
		t.Error("expected Remove of an absent extension to report false")
	}
}
