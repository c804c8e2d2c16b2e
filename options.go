package bayeux

import "time"

const (
	defaultDisconnectTimeout = 5 * time.Second
	defaultHandshakeTimeout  = 30 * time.Second
	defaultRequestWindow     = 30 * time.Second
)

// Options holds the configurable knobs of a Session
type Options struct {
	// Logger receives the session's diagnostics. Defaults to a logger that
	// discards everything.
	Logger Logger

	// Transports are registered in preference order before the first
	// handshake. More can be added later with RegisterTransport.
	Transports []Transport

	// DisconnectTimeout bounds how long the session waits for a disconnect
	// reply before forcing the DISCONNECTED state and destroying the
	// transport. Defaults to 5 seconds.
	DisconnectTimeout time.Duration

	// HandshakeTimeout bounds how long a handshake may stay in flight before
	// a synthesized failure drops the session back to DISCONNECTED. Defaults
	// to 30 seconds.
	HandshakeTimeout time.Duration

	// RequestWindow is the correlation window for pending requests. A request
	// older than it is dropped, with ErrRequestTimedOut, the next time a
	// request is sent; replies arriving after that are not correlated.
	// Defaults to 30 seconds.
	RequestWindow time.Duration
}

// Option mutates the Options of a Session under construction
type Option func(*Options)

// WithTransport registers a transport with the session. Registration order
// is the client's preference order during negotiation.
func WithTransport(t Transport) Option {
	return func(options *Options) {
		options.Transports = append(options.Transports, t)
	}
}

// WithDisconnectTimeout overrides the bound on the disconnect round trip
func WithDisconnectTimeout(d time.Duration) Option {
	return func(options *Options) {
		options.DisconnectTimeout = d
	}
}

// WithHandshakeTimeout overrides the bound on an in-flight handshake
func WithHandshakeTimeout(d time.Duration) Option {
	return func(options *Options) {
		options.HandshakeTimeout = d
	}
}

// WithRequestWindow overrides the correlation window for pending requests
func WithRequestWindow(d time.Duration) Option {
	return func(options *Options) {
		options.RequestWindow = d
	}
}

func newOptions(opts []Option) Options {
	options := Options{
		Logger:            newNullLogger(),
		DisconnectTimeout: defaultDisconnectTimeout,
		HandshakeTimeout:  defaultHandshakeTimeout,
		RequestWindow:     defaultRequestWindow,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}
