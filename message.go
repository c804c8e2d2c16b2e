package bayeux

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Recognized Bayeux message fields.
//
// See also: https://docs.cometd.org/current/reference/#_bayeux_message_fields
const (
	// ChannelField is the channel on which the message was sent
	ChannelField = "channel"
	// ClientIDField identifies a particular session via a session id token
	ClientIDField = "clientId"
	// IDField represents the identifier of the specific message
	IDField = "id"
	// SuccessfulField indicates success or failure in responses to
	// `/meta/handshake`, `/meta/connect`, `/meta/subscribe`,
	// `/meta/unsubscribe`, `/meta/disconnect`, and publish channels
	SuccessfulField = "successful"
	// SubscriptionField specifies the channel the client wishes to subscribe
	// to or unsubscribe from
	SubscriptionField = "subscription"
	// DataField contains the event information of an application message
	DataField = "data"
	// ExtField carries arbitrary values that allow extensions to be
	// negotiated between server and client implementations
	ExtField = "ext"
	// AdviceField is a way for servers to inform clients of their preferred
	// mode of client operation
	AdviceField = "advice"
	// SupportedConnectionTypesField reveals the transports supported by the
	// client and the server during the handshake
	SupportedConnectionTypesField = "supportedConnectionTypes"
	// VersionField indicates the protocol version expected by the
	// client/server
	VersionField = "version"
	// MinimumVersionField indicates the oldest protocol version that can be
	// handled by the client/server
	MinimumVersionField = "minimumVersion"
	// ConnectionTypeField specifies the type of transport the client requires
	// for communication
	ConnectionTypeField = "connectionType"
	// ErrorField MAY indicate the type of error that occurred when a request
	// returns with an unsuccessful response
	ErrorField = "error"
	// TimestampField is an optional ISO 8601 timestamp
	TimestampField = "timestamp"
)

const timestampFmt = "2006-01-02T15:04:05.00"

// Message is a Bayeux message: a mapping from field names to JSON-compatible
// values. Fields the protocol does not recognize are carried and preserved
// on the wire unchanged.
//
// A Message starts out mutable while it is being constructed and may later
// be frozen together with its serialized JSON text. A frozen Message rejects
// mutation and hands out detached copies of its nested maps.
//
// A reply Message received from the server may carry an associated link back
// to the request that caused it. The link is a borrowed reference used for
// correlation only.
type Message struct {
	fields     map[string]any
	frozen     bool
	raw        string
	associated *Message
}

// NewMessage creates a new empty mutable Message
func NewMessage() *Message {
	return &Message{fields: make(map[string]any)}
}

// Set assigns a field on a mutable Message. It fails with ErrFrozenMessage
// once the Message has been frozen.
func (m *Message) Set(field string, value any) error {
	if m.frozen {
		return ErrFrozenMessage
	}
	if m.fields == nil {
		m.fields = make(map[string]any)
	}
	m.fields[field] = value
	return nil
}

// Get retrieves a field value. The second return value reports whether the
// field is present.
func (m *Message) Get(field string) (any, bool) {
	v, ok := m.fields[field]
	return v, ok
}

// Delete removes a field from a mutable Message.
func (m *Message) Delete(field string) error {
	if m.frozen {
		return ErrFrozenMessage
	}
	delete(m.fields, field)
	return nil
}

// Len reports the number of fields set on the Message.
func (m *Message) Len() int {
	return len(m.fields)
}

// Freeze transitions the Message to its immutable state, recording the JSON
// text it was serialized to. Freezing twice is an error.
func (m *Message) Freeze(raw string) error {
	if m.frozen {
		return ErrAlreadyFrozen
	}
	m.frozen = true
	m.raw = raw
	return nil
}

// Frozen reports whether the Message has been frozen.
func (m *Message) Frozen() bool {
	return m.frozen
}

// JSON returns the JSON text recorded at freeze time, serializing the
// current fields lazily when the Message has not been frozen.
func (m *Message) JSON() (string, error) {
	if m.frozen {
		return m.raw, nil
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// SetAssociated links this Message to the request or reply it correlates
// with. The link is borrowed; it is never serialized.
func (m *Message) SetAssociated(other *Message) {
	m.associated = other
}

// Associated returns the Message this one correlates with, if any.
func (m *Message) Associated() *Message {
	return m.associated
}

// MarshalJSON implements json.Marshaler over the field map
func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.fields)
}

// UnmarshalJSON implements json.Unmarshaler, preserving unrecognized fields
func (m *Message) UnmarshalJSON(data []byte) error {
	fields := make(map[string]any)
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	m.fields = fields
	m.frozen = false
	m.raw = ""
	return nil
}

func (m *Message) stringField(field string) string {
	if v, ok := m.fields[field].(string); ok {
		return v
	}
	return ""
}

// Channel is the Channel on which the message was sent
//
// See also: https://docs.cometd.org/current/reference/#_channel
func (m *Message) Channel() Channel {
	return Channel(m.stringField(ChannelField))
}

// SetChannel assigns the channel field
func (m *Message) SetChannel(c Channel) error {
	return m.Set(ChannelField, string(c))
}

// ID represents the identifier of the specific message
//
// See also: https://docs.cometd.org/current/reference/#_bayeux_id
func (m *Message) ID() string {
	return m.stringField(IDField)
}

// SetID assigns the message id
func (m *Message) SetID(id string) error {
	return m.Set(IDField, id)
}

// ClientID identifies a particular session via a session id token
//
// See also: https://docs.cometd.org/current/reference/#_bayeux_clientid
func (m *Message) ClientID() string {
	return m.stringField(ClientIDField)
}

// SetClientID assigns the clientId field
func (m *Message) SetClientID(clientID string) error {
	return m.Set(ClientIDField, clientID)
}

// Successful reports the value of the successful field in a response
//
// See also: https://docs.cometd.org/current/reference/#_successful
func (m *Message) Successful() bool {
	v, _ := m.fields[SuccessfulField].(bool)
	return v
}

// Subscription is the channel named in requests and responses to/from the
// `/meta/subscribe` or `/meta/unsubscribe` channels
//
// See also: https://docs.cometd.org/current/reference/#_subscription
func (m *Message) Subscription() Channel {
	return Channel(m.stringField(SubscriptionField))
}

// Version indicates the protocol version expected by the client/server
func (m *Message) Version() string {
	return m.stringField(VersionField)
}

// ConnectionType specifies the transport the client requires, included in
// `/meta/connect` request messages
func (m *Message) ConnectionType() string {
	return m.stringField(ConnectionTypeField)
}

// SupportedConnectionTypes lists the transports revealed in messages to/from
// the `/meta/handshake` channel
//
// See also: https://docs.cometd.org/current/reference/#_bayeux_supported_connections
func (m *Message) SupportedConnectionTypes() []string {
	switch v := m.fields[SupportedConnectionTypesField].(type) {
	case []string:
		return v
	case []any:
		types := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				types = append(types, s)
			}
		}
		return types
	default:
		return nil
	}
}

// Data contains the event information of an application message. Frozen
// messages hand out a detached copy.
//
// See also: https://docs.cometd.org/current/reference/#_data
func (m *Message) Data() any {
	return m.view(m.fields[DataField])
}

// GetExt retrieves the ext field map. If passed `true` it will instantiate
// the map on a mutable Message when it is missing, otherwise it will just
// return the current value. Frozen messages hand out a detached copy.
//
// See also: https://docs.cometd.org/current/reference/#_bayeux_ext
func (m *Message) GetExt(create bool) map[string]any {
	ext, ok := m.fields[ExtField].(map[string]any)
	if !ok {
		if !create || m.frozen {
			return nil
		}
		ext = make(map[string]any)
		if err := m.Set(ExtField, ext); err != nil {
			return nil
		}
	}
	if m.frozen {
		return copyMap(ext)
	}
	return ext
}

// ErrorMessage returns the error field of an unsuccessful response
//
// See also: https://docs.cometd.org/current/reference/#_error
func (m *Message) ErrorMessage() string {
	return m.stringField(ErrorField)
}

// TimestampAsTime returns the timestamp field of a message as a time.Time
func (m *Message) TimestampAsTime() (time.Time, error) {
	return time.Parse(timestampFmt, m.stringField(TimestampField))
}

// ParseError returns a struct representing the error message as defined in
// the specification.
//
// See also: https://docs.cometd.org/current/reference/#_error
func (m *Message) ParseError() (MessageError, error) {
	text := m.ErrorMessage()
	pieces := strings.SplitN(text, ":", 3)
	if len(pieces) != 3 {
		return MessageError{}, fmt.Errorf("error message not parseable: %s", text)
	}
	errorCode, err := strconv.Atoi(pieces[0])
	if err != nil {
		return MessageError{}, err
	}
	return MessageError{
		errorCode,
		strings.Split(pieces[1], ","),
		pieces[2],
	}, nil
}

// Advice returns the parsed advice field, or nil when the message carries
// none.
func (m *Message) Advice() *Advice {
	switch v := m.fields[AdviceField].(type) {
	case *Advice:
		return v
	case map[string]any:
		return adviceFromMap(v)
	default:
		return nil
	}
}

// SetAdvice assigns the advice field
func (m *Message) SetAdvice(a *Advice) error {
	return m.Set(AdviceField, a)
}

// view protects a frozen Message from mutation through its nested maps by
// handing out detached copies.
func (m *Message) view(v any) any {
	if !m.frozen {
		return v
	}
	switch nested := v.(type) {
	case map[string]any:
		return copyMap(nested)
	case []any:
		return append([]any(nil), nested...)
	default:
		return v
	}
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Advice represents the field from the server which is used to inform
// clients of their preferred mode of client operation.
//
// See also: https://docs.cometd.org/current/reference/#_bayeux_advice
type Advice struct {
	// Reconnect indicates how the client should act in the case of a failure
	// to connect.
	//
	// See also: https://docs.cometd.org/current/reference/#_reconnect_advice_field
	Reconnect string `json:"reconnect,omitempty"`
	// Timeout represents the period of time, in milliseconds, for the server
	// to delay responses to the `/meta/connect` channel.
	//
	// See also: https://docs.cometd.org/current/reference/#_timeout_advice_field
	Timeout int `json:"timeout,omitempty"`
	// Interval represents the minimum period of time, in milliseconds, for
	// the client to delay subsequent requests to the /meta/connect channel.
	//
	// See also: https://docs.cometd.org/current/reference/#_interval_advice_field
	Interval int `json:"interval,omitempty"`
	// MultipleClients indicates that the server has detected multiple Bayeux
	// client instances running within the same web client
	//
	// See also: https://docs.cometd.org/current/reference/#_bayeux_multiple_clients_advice
	MultipleClients bool `json:"multiple-clients,omitempty"`
	// Hosts is an array of host names or IP addresses that MAY be used as
	// alternate servers.
	//
	// See also: https://docs.cometd.org/current/reference/#_hosts_advice_field
	Hosts []string `json:"hosts,omitempty"`
}

// Reconnect advice values defined by the protocol
const (
	// ReconnectRetry instructs the client to issue another connect request
	ReconnectRetry = "retry"
	// ReconnectHandshake instructs the client to re-handshake
	ReconnectHandshake = "handshake"
	// ReconnectNone instructs the client to stay idle
	ReconnectNone = "none"
)

func adviceFromMap(fields map[string]any) *Advice {
	a := &Advice{}
	if v, ok := fields["reconnect"].(string); ok {
		a.Reconnect = v
	}
	if v, ok := fields["timeout"].(float64); ok {
		a.Timeout = int(v)
	}
	if v, ok := fields["interval"].(float64); ok {
		a.Interval = int(v)
	}
	if v, ok := fields["multiple-clients"].(bool); ok {
		a.MultipleClients = v
	}
	if hosts, ok := fields["hosts"].([]any); ok {
		for _, h := range hosts {
			if s, ok := h.(string); ok {
				a.Hosts = append(a.Hosts, s)
			}
		}
	}
	return a
}

// MustNotRetryOrHandshake indicates whether neither a handshake nor a retry
// is allowed
func (a Advice) MustNotRetryOrHandshake() bool {
	return a.Reconnect == ReconnectNone
}

// ShouldRetry indicates whether a retry should occur
func (a Advice) ShouldRetry() bool {
	return a.Reconnect == ReconnectRetry
}

// ShouldHandshake indicates whether the advice is that a handshake should
// occur
func (a Advice) ShouldHandshake() bool {
	return a.Reconnect == ReconnectHandshake
}

// TimeoutAsDuration returns the Timeout field as a time.Duration for
// scheduling
func (a Advice) TimeoutAsDuration() time.Duration {
	return time.Duration(a.Timeout) * time.Millisecond
}

// IntervalAsDuration returns the Interval field as a time.Duration for
// scheduling. Negative intervals are clamped to zero.
func (a Advice) IntervalAsDuration() time.Duration {
	if a.Interval < 0 {
		return 0
	}
	return time.Duration(a.Interval) * time.Millisecond
}

// MessageError represents a parsed error field of a Message
//
// See also: https://docs.cometd.org/current/reference/#_error
type MessageError struct {
	ErrorCode    int
	ErrorArgs    []string
	ErrorMessage string
}

const (
	// ConnectionTypeLongPolling is a constant for the long-polling string
	ConnectionTypeLongPolling string = "long-polling"
	// ConnectionTypeCallbackPolling is a constant for the callback-polling string
	ConnectionTypeCallbackPolling = "callback-polling"
	// ConnectionTypeWebSocket is a constant for the websocket string
	ConnectionTypeWebSocket = "websocket"
)
