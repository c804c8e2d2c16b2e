package bayeux

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMessageFieldAccessors(t *testing.T) {
	m := NewMessage()
	if err := m.SetChannel("/foo/bar"); err != nil {
		t.Fatalf("unexpected error: %q", err)
	}
	if err := m.SetID("17"); err != nil {
		t.Fatalf("unexpected error: %q", err)
	}
	if err := m.SetClientID("c1"); err != nil {
		t.Fatalf("unexpected error: %q", err)
	}

	if got := m.Channel(); got != "/foo/bar" {
		t.Errorf("want channel %q, got %q", "/foo/bar", got)
	}
	if got := m.ID(); got != "17" {
		t.Errorf("want id %q, got %q", "17", got)
	}
	if got := m.ClientID(); got != "c1" {
		t.Errorf("want clientId %q, got %q", "c1", got)
	}
}

func TestMessageFreeze(t *testing.T) {
	m := NewMessage()
	if err := m.SetChannel("/foo"); err != nil {
		t.Fatalf("unexpected error: %q", err)
	}

	raw := `{"channel":"/foo"}`
	if err := m.Freeze(raw); err != nil {
		t.Fatalf("unexpected error freezing: %q", err)
	}
	if !m.Frozen() {
		t.Fatal("expected message to be frozen")
	}

	got, err := m.JSON()
	if err != nil {
		t.Fatalf("unexpected error: %q", err)
	}
	if got != raw {
		t.Errorf("want stored JSON %q, got %q", raw, got)
	}

	if err := m.Set("data", 1); err != ErrFrozenMessage {
		t.Errorf("want ErrFrozenMessage, got %v", err)
	}
	if err := m.Delete("channel"); err != ErrFrozenMessage {
		t.Errorf("want ErrFrozenMessage, got %v", err)
	}
	if err := m.Freeze(raw); err != ErrAlreadyFrozen {
		t.Errorf("want ErrAlreadyFrozen, got %v", err)
	}
}

func TestFrozenMessageHandsOutDetachedViews(t *testing.T) {
	m := NewMessage()
	_ = m.Set(ExtField, map[string]any{"replay": true})
	_ = m.Set(DataField, map[string]any{"x": 1.0})
	if err := m.Freeze(`{}`); err != nil {
		t.Fatalf("unexpected error: %q", err)
	}

	ext := m.GetExt(false)
	ext["replay"] = false
	if again := m.GetExt(false); again["replay"] != true {
		t.Error("mutating the ext view leaked into the frozen message")
	}

	data, ok := m.Data().(map[string]any)
	if !ok {
		t.Fatal("expected data to be a map")
	}
	data["x"] = 2.0
	if again := m.Data().(map[string]any); again["x"] != 1.0 {
		t.Error("mutating the data view leaked into the frozen message")
	}
}

func TestMessageJSONLazySerialization(t *testing.T) {
	m := NewMessage()
	_ = m.SetChannel("/foo")
	got, err := m.JSON()
	if err != nil {
		t.Fatalf("unexpected error: %q", err)
	}
	if !strings.Contains(got, `"channel":"/foo"`) {
		t.Errorf("serialized JSON missing channel: %q", got)
	}
	if m.Frozen() {
		t.Error("JSON() should not freeze the message")
	}
}

func TestMessagePreservesUnknownFields(t *testing.T) {
	raw := `{"channel":"/foo","x-custom":{"nested":true},"id":"3"}`
	m := NewMessage()
	if err := json.Unmarshal([]byte(raw), m); err != nil {
		t.Fatalf("unexpected error: %q", err)
	}
	custom, ok := m.Get("x-custom")
	if !ok {
		t.Fatal("unknown field was dropped on decode")
	}
	if nested, ok := custom.(map[string]any); !ok || nested["nested"] != true {
		t.Errorf("unknown field mangled: %+v", custom)
	}

	encoded, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("unexpected error: %q", err)
	}
	if !strings.Contains(string(encoded), `"x-custom"`) {
		t.Errorf("unknown field dropped on encode: %s", encoded)
	}
}

func TestMessageAssociated(t *testing.T) {
	request := NewMessage()
	_ = request.SetChannel(MetaSubscribe)
	reply := NewMessage()
	reply.SetAssociated(request)
	if reply.Associated() != request {
		t.Error("expected the associated message to be the request")
	}

	encoded, err := json.Marshal(reply)
	if err != nil {
		t.Fatalf("unexpected error: %q", err)
	}
	if strings.Contains(string(encoded), "associated") {
		t.Error("associated linkage must not be serialized")
	}
}

func TestAdviceParsing(t *testing.T) {
	raw := `{"channel":"/meta/connect","advice":{"reconnect":"retry","interval":250,"timeout":30000}}`
	m := NewMessage()
	if err := json.Unmarshal([]byte(raw), m); err != nil {
		t.Fatalf("unexpected error: %q", err)
	}
	advice := m.Advice()
	if advice == nil {
		t.Fatal("expected advice to be parsed")
	}
	if !advice.ShouldRetry() {
		t.Error("expected retry advice")
	}
	if advice.Interval != 250 {
		t.Errorf("want interval 250, got %d", advice.Interval)
	}
	if advice.Timeout != 30000 {
		t.Errorf("want timeout 30000, got %d", advice.Timeout)
	}
}

func TestAdviceIntervalClampsNegatives(t *testing.T) {
	a := Advice{Reconnect: ReconnectRetry, Interval: -50}
	if got := a.IntervalAsDuration(); got != 0 {
		t.Errorf("want 0, got %v", got)
	}
}

func TestParseError(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		want      MessageError
		shouldErr bool
	}{
		{
			"well formed error",
			"401:clientId:unknown client",
			MessageError{401, []string{"clientId"}, "unknown client"},
			false,
		},
		{
			"multiple args",
			"403:/foo,/bar:forbidden",
			MessageError{403, []string{"/foo", "/bar"}, "forbidden"},
			false,
		},
		{
			"not parseable",
			"nope",
			MessageError{},
			true,
		},
	}

	for _, testCase := range tests {
		tc := testCase
		t.Run(tc.name, func(t *testing.T) {
			m := NewMessage()
			_ = m.Set(ErrorField, tc.input)
			got, err := m.ParseError()
			if tc.shouldErr {
				if err == nil {
					t.Error("expected an error but didn't get one")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %q", err)
			}
			if got.ErrorCode != tc.want.ErrorCode || got.ErrorMessage != tc.want.ErrorMessage {
				t.Errorf("want %+v, got %+v", tc.want, got)
			}
			if len(got.ErrorArgs) != len(tc.want.ErrorArgs) {
				t.Errorf("want args %v, got %v", tc.want.ErrorArgs, got.ErrorArgs)
			}
		})
	}
}
