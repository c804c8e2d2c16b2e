package bayeux

import (
	"fmt"
	"strings"
)

const (
	// ErrSessionNotConnected is returned when an operation needs an active
	// session but the client is not connected
	ErrSessionNotConnected = sentinel("session not connected to server")

	// ErrSessionClosed is returned once Close has been called
	ErrSessionClosed = sentinel("session closed")

	// ErrFrozenMessage is returned when mutating a frozen message
	ErrFrozenMessage = sentinel("message is frozen")

	// ErrAlreadyFrozen is returned when freezing a message twice
	ErrAlreadyFrozen = sentinel("message already frozen")

	// ErrNoTransport is returned when a send is attempted with no transport
	// bound to the session
	ErrNoTransport = sentinel("no transport bound to session")

	// ErrTransportDestroyed is returned when using a transport after Destroy
	ErrTransportDestroyed = sentinel("transport has been destroyed")

	// ErrRequestTimedOut is the failure delivered for a request whose reply
	// never arrived inside the correlation window
	ErrRequestTimedOut = sentinel("request timed out")

	// ErrMessageVetoed is the failure delivered for a request dropped by an
	// outgoing extension
	ErrMessageVetoed = sentinel("message vetoed by extension")
)

type sentinel string

func (s sentinel) Error() string {
	return string(s)
}

// BadStateError is returned when an API call is made in the wrong session
// state. It signals a caller bug and is reported synchronously.
type BadStateError struct {
	Current   SessionState
	Operation string
}

func (e BadStateError) Error() string {
	return fmt.Sprintf("cannot %s in state %s", e.Operation, e.Current)
}

// NegotiationError is returned when the client transport registry and the
// server's offered connection types have no transport in common
type NegotiationError struct {
	Requested []string
	Available []string
}

func (e NegotiationError) Error() string {
	return fmt.Sprintf(
		"could not negotiate transport: requested [%s], available [%s]",
		strings.Join(e.Requested, ", "),
		strings.Join(e.Available, ", "),
	)
}

// TransportError wraps an I/O failure reported by the bound transport
type TransportError struct {
	Transport string
	Err       error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("transport %q failed (%s)", e.Transport, e.Err)
}

func (e TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a malformed or unexpected message: a missing
// channel, a reply in the wrong state, or an unknown meta channel. It is
// delivered to the session error listeners and does not tear the session
// down unless it occurs during handshake.
type ProtocolError struct {
	Reason  string
	Message *Message
}

func (e ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// HandshakeFailedError is returned whenever the handshake fails
type HandshakeFailedError struct {
	Err error
}

func (e HandshakeFailedError) Error() string {
	return e.Err.Error()
}

func (e HandshakeFailedError) Unwrap() error {
	return e.Err
}

// ConnectionFailedError is delivered when a connect request fails
type ConnectionFailedError struct {
	Err error
}

func (e ConnectionFailedError) Error() string {
	return fmt.Sprintf("connection failed (%s)", e.Err)
}

func (e ConnectionFailedError) Unwrap() error {
	return e.Err
}

// SubscriptionFailedError is delivered for any error on a subscribe request
type SubscriptionFailedError struct {
	Channel Channel
	Err     error
}

func (e SubscriptionFailedError) Error() string {
	return fmt.Sprintf("subscription of %q failed (%s)", e.Channel, e.Err)
}

func (e SubscriptionFailedError) Unwrap() error {
	return e.Err
}

// UnsubscribeFailedError is delivered for any error on an unsubscribe
// request
type UnsubscribeFailedError struct {
	Channel Channel
	Err     error
}

func (e UnsubscribeFailedError) Error() string {
	return fmt.Sprintf("unsubscription of %q failed (%s)", e.Channel, e.Err)
}

func (e UnsubscribeFailedError) Unwrap() error {
	return e.Err
}

// DisconnectFailedError is delivered when the disconnect round trip fails
type DisconnectFailedError struct {
	Err error
}

func (e DisconnectFailedError) Error() string {
	msg := "unable to disconnect from Bayeux server"

	if e.Err == nil {
		return msg
	}

	return fmt.Sprintf("%s (%s)", msg, e.Err)
}

func (e DisconnectFailedError) Unwrap() error {
	return e.Err
}

// PublishFailedError is delivered when the transport could not carry an
// application message
type PublishFailedError struct {
	Channel Channel
	Err     error
}

func (e PublishFailedError) Error() string {
	return fmt.Sprintf("publish on %q failed (%s)", e.Channel, e.Err)
}

func (e PublishFailedError) Unwrap() error {
	return e.Err
}

// ServerError carries the error field of an unsuccessful meta response
type ServerError struct {
	Channel Channel
	Text    string
}

func (e ServerError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("server reported failure on %s", e.Channel)
	}
	return fmt.Sprintf("server reported failure on %s: %s", e.Channel, e.Text)
}

// AlreadyRegisteredError signifies that the given Extension or Transport is
// already registered with the session
type AlreadyRegisteredError struct {
	Name string
}

func (e AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("already registered: %s", e.Name)
}

// BadResponseError is returned when we get an unexpected HTTP response from
// the server
type BadResponseError struct {
	StatusCode int
	Status     string
	Body       []byte
}

func (e BadResponseError) Error() string {
	return fmt.Sprintf(
		"expected 200 response from bayeux server, got %d with status '%s' and body '%s'",
		e.StatusCode,
		e.Status,
		e.Body,
	)
}

// InvalidChannelError is the result of a failure to validate a channel name
type InvalidChannelError struct {
	Channel
}

func (e InvalidChannelError) Error() string {
	return fmt.Sprintf("channel %q appears to not be a valid channel", e.Channel)
}

// UnknownEventTypeError is returned when a state machine event is unknown
type UnknownEventTypeError struct {
	Event
}

func (e UnknownEventTypeError) Error() string {
	return fmt.Sprintf("unknown event type (%q)", e.Event)
}
