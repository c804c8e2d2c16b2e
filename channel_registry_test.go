package bayeux

import (
	"testing"
)

func newTestRegistry() *ChannelRegistry {
	return newChannelRegistry(nil)
}

func appMessage(t *testing.T, channel Channel) *Message {
	t.Helper()
	m := NewMessage()
	if err := m.SetChannel(channel); err != nil {
		t.Fatalf("unexpected error: %q", err)
	}
	return m
}

func TestMatchCandidatesOrder(t *testing.T) {
	tests := []struct {
		input Channel
		want  []Channel
	}{
		{"/a", []Channel{"/a", "/*", "/**"}},
		{"/a/x", []Channel{"/a/x", "/a/*", "/a/**", "/**"}},
		{"/a/b/c", []Channel{"/a/b/c", "/a/b/*", "/a/b/**", "/a/**", "/**"}},
	}

	for _, testCase := range tests {
		tc := testCase
		t.Run(string(tc.input), func(t *testing.T) {
			got := matchCandidates(tc.input)
			if len(got) != len(tc.want) {
				t.Fatalf("want %v, got %v", tc.want, got)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Fatalf("want %v, got %v", tc.want, got)
				}
			}
		})
	}
}

func TestRegistryValidatesNames(t *testing.T) {
	registry := newTestRegistry()
	if _, err := registry.Get("nope", true); err == nil {
		t.Error("expected an invalid channel name to be rejected")
	}
	if _, err := registry.Get("/ok", true); err != nil {
		t.Errorf("unexpected error: %q", err)
	}
}

func TestRegistryGetWithoutCreate(t *testing.T) {
	registry := newTestRegistry()
	ch, err := registry.Get("/a", false)
	if err != nil {
		t.Fatalf("unexpected error: %q", err)
	}
	if ch != nil {
		t.Error("expected no channel without create")
	}

	created, err := registry.Get("/a", true)
	if err != nil {
		t.Fatalf("unexpected error: %q", err)
	}
	again, err := registry.Get("/a", true)
	if err != nil {
		t.Fatalf("unexpected error: %q", err)
	}
	if created != again {
		t.Error("expected the same channel handle on repeated Get")
	}
}

func TestWildcardDispatchLaws(t *testing.T) {
	registry := newTestRegistry()

	counts := make(map[string]int)
	subscribe := func(name Channel) {
		ch, err := registry.Get(name, true)
		if err != nil {
			t.Fatalf("unexpected error: %q", err)
		}
		key := string(name)
		ch.listeners.Add(MessageListenerFunc(func(m *Message) {
			counts[key]++
		}))
	}

	subscribe("/a")
	subscribe("/a/*")
	subscribe("/a/**")

	registry.dispatch(appMessage(t, "/a"), newNullLogger())
	registry.dispatch(appMessage(t, "/a/x"), newNullLogger())
	registry.dispatch(appMessage(t, "/a/x/y"), newNullLogger())

	if got := counts["/a"]; got != 1 {
		t.Errorf("listener on /a: want 1 delivery, got %d", got)
	}
	if got := counts["/a/*"]; got != 1 {
		t.Errorf("listener on /a/*: want 1 delivery, got %d", got)
	}
	if got := counts["/a/**"]; got != 2 {
		t.Errorf("listener on /a/**: want 2 deliveries, got %d", got)
	}
}

func TestDispatchBucketsMostSpecificFirst(t *testing.T) {
	registry := newTestRegistry()

	var order []string
	subscribe := func(name Channel) {
		ch, err := registry.Get(name, true)
		if err != nil {
			t.Fatalf("unexpected error: %q", err)
		}
		key := string(name)
		ch.listeners.Add(MessageListenerFunc(func(m *Message) {
			order = append(order, key)
		}))
	}

	// Registered in scrambled order; dispatch order depends on
	// specificity, not registration.
	subscribe("/**")
	subscribe("/a/*")
	subscribe("/a/x")
	subscribe("/a/**")

	registry.dispatch(appMessage(t, "/a/x"), newNullLogger())

	want := []string{"/a/x", "/a/*", "/a/**", "/**"}
	if len(order) != len(want) {
		t.Fatalf("want %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("want %v, got %v", want, order)
		}
	}
}

func TestIdempotentSubscribe(t *testing.T) {
	registry := newTestRegistry()
	ch, err := registry.Get("/a", true)
	if err != nil {
		t.Fatalf("unexpected error: %q", err)
	}

	deliveries := 0
	listener := MessageListenerFunc(func(m *Message) {
		deliveries++
	})
	ch.listeners.Add(listener)
	ch.listeners.Add(listener)

	registry.dispatch(appMessage(t, "/a"), newNullLogger())
	if deliveries != 1 {
		t.Errorf("want exactly one delivery, got %d", deliveries)
	}
}

func TestListenerAddedDuringDispatchIsNotSeen(t *testing.T) {
	registry := newTestRegistry()
	ch, err := registry.Get("/a", true)
	if err != nil {
		t.Fatalf("unexpected error: %q", err)
	}

	lateDeliveries := 0
	late := MessageListenerFunc(func(m *Message) {
		lateDeliveries++
	})
	ch.listeners.Add(MessageListenerFunc(func(m *Message) {
		ch.listeners.Add(late)
	}))

	registry.dispatch(appMessage(t, "/a"), newNullLogger())
	if lateDeliveries != 0 {
		t.Errorf("listener added during dispatch must not be seen, got %d deliveries", lateDeliveries)
	}

	registry.dispatch(appMessage(t, "/a"), newNullLogger())
	if lateDeliveries != 1 {
		t.Errorf("listener must be seen by the next dispatch, got %d deliveries", lateDeliveries)
	}
}

func TestListenerRemovedDuringDispatchIsNotInvoked(t *testing.T) {
	registry := newTestRegistry()
	ch, err := registry.Get("/a", true)
	if err != nil {
		t.Fatalf("unexpected error: %q", err)
	}

	secondDeliveries := 0
	second := MessageListenerFunc(func(m *Message) {
		secondDeliveries++
	})
	ch.listeners.Add(MessageListenerFunc(func(m *Message) {
		ch.listeners.Remove(second)
	}))
	ch.listeners.Add(second)

	registry.dispatch(appMessage(t, "/a"), newNullLogger())
	if secondDeliveries != 0 {
		t.Errorf("listener removed during dispatch must not be invoked, got %d deliveries", secondDeliveries)
	}
}

func TestListenerPanicIsIsolated(t *testing.T) {
	registry := newTestRegistry()
	ch, err := registry.Get("/a", true)
	if err != nil {
		t.Fatalf("unexpected error: %q", err)
	}

	deliveries := 0
	ch.listeners.Add(MessageListenerFunc(func(m *Message) {
		panic("bad listener")
	}))
	ch.listeners.Add(MessageListenerFunc(func(m *Message) {
		deliveries++
	}))

	registry.dispatch(appMessage(t, "/a"), newNullLogger())
	if deliveries != 1 {
		t.Errorf("panicking listener must not affect others, got %d deliveries", deliveries)
	}
}
