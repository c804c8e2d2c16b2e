// Package gobayeuxtest provides an in-memory Bayeux broker for tests. The
// broker implements http.RoundTripper so it can sit behind a long-polling
// transport without a network.
package gobayeuxtest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/cometgo/bayeux"
)

// Version is the protocol version the test broker speaks
const Version = "1.0"

// Logger is the subset of testing.TB the broker logs through
type Logger interface {
	Log(args ...any)
	Logf(format string, args ...any)
}

var defaultAdvice = &bayeux.Advice{
	Reconnect: bayeux.ReconnectRetry,
	Timeout:   30000,
	Interval:  500,
}

// Server is an in-memory Bayeux broker. Every client session it hands out a
// clientId is tracked together with its subscriptions and a queue of
// pending broadcast messages, delivered on the session's next connect.
type Server struct {
	log Logger

	mu             sync.Mutex
	running        bool
	subs           map[string][]bayeux.Channel
	queues         map[string][]*bayeux.Message
	requests       [][]byte
	handshakeError bool
	advice         *bayeux.Advice
}

// ServerOpts configures a Server
type ServerOpts interface {
	apply(s *Server)
}

type serverOptFn func(s *Server)

func (opt serverOptFn) apply(s *Server) {
	opt(s)
}

// WithHandshakeError makes every handshake fail with a 400 response
func WithHandshakeError(handshakeError bool) ServerOpts {
	return serverOptFn(func(s *Server) {
		s.handshakeError = handshakeError
	})
}

// WithAdvice overrides the advice attached to handshake and connect replies
func WithAdvice(advice *bayeux.Advice) ServerOpts {
	return serverOptFn(func(s *Server) {
		s.advice = advice
	})
}

// NewServer creates a stopped broker; call Start before use
func NewServer(logger Logger, opts ...ServerOpts) *Server {
	server := &Server{
		log:    logger,
		subs:   make(map[string][]bayeux.Channel),
		queues: make(map[string][]*bayeux.Message),
		advice: defaultAdvice,
	}

	for _, opt := range opts {
		opt.apply(server)
	}

	return server
}

// Start marks the broker as accepting requests
func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
}

// Stop makes every subsequent round trip fail
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

// Requests returns the raw bodies of every request the broker has seen, in
// arrival order
func (s *Server) Requests() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.requests...)
}

// RoundTrip implements http.RoundTripper
func (s *Server) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil, errors.New("server not running")
	}

	defer func() {
		if err := req.Body.Close(); err != nil {
			s.log.Logf("could not close test server request body: %+v", err)
		}
	}()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("issue reading body (%w)", err)
	}
	s.requests = append(s.requests, body)

	var msgs []*bayeux.Message
	if err := json.Unmarshal(body, &msgs); err != nil {
		return &http.Response{
			StatusCode: http.StatusUnprocessableEntity,
			Status:     http.StatusText(http.StatusUnprocessableEntity),
			Body:       io.NopCloser(bytes.NewReader(nil)),
		}, nil
	}

	replies := []*bayeux.Message{}
	statusCode := http.StatusOK

	for _, msg := range msgs {
		switch msg.Channel() {
		case bayeux.MetaHandshake:
			if s.handshakeError {
				return &http.Response{
					StatusCode: http.StatusBadRequest,
					Status:     http.StatusText(http.StatusBadRequest),
					Body:       io.NopCloser(bytes.NewReader([]byte(`{"error":"Invalid request"}`))),
				}, nil
			}
			clientID := uuid.NewString()
			s.subs[clientID] = nil
			replies = append(replies, s.reply(map[string]any{
				"channel":                  string(bayeux.MetaHandshake),
				"version":                  msg.Version(),
				"supportedConnectionTypes": msg.SupportedConnectionTypes(),
				"clientId":                 clientID,
				"successful":               true,
				"advice":                   s.advice,
				"id":                       msg.ID(),
			}))

		case bayeux.MetaConnect:
			clientID := msg.ClientID()
			replies = append(replies, s.queues[clientID]...)
			s.queues[clientID] = nil
			replies = append(replies, s.reply(map[string]any{
				"channel":    string(bayeux.MetaConnect),
				"successful": true,
				"clientId":   clientID,
				"advice":     s.advice,
				"id":         msg.ID(),
			}))

		case bayeux.MetaSubscribe:
			clientID := msg.ClientID()
			fields := map[string]any{
				"channel":      string(bayeux.MetaSubscribe),
				"id":           msg.ID(),
				"clientId":     clientID,
				"successful":   true,
				"subscription": string(msg.Subscription()),
			}
			for _, ch := range s.subs[clientID] {
				if ch == msg.Subscription() {
					statusCode = http.StatusBadRequest
					fields["successful"] = false
					fields["error"] = "403:%s:already subscribed"
				}
			}
			s.subs[clientID] = append(s.subs[clientID], msg.Subscription())
			replies = append(replies, s.reply(fields))

		case bayeux.MetaUnsubscribe:
			clientID := msg.ClientID()
			fields := map[string]any{
				"channel":      string(bayeux.MetaUnsubscribe),
				"id":           msg.ID(),
				"clientId":     clientID,
				"successful":   true,
				"subscription": string(msg.Subscription()),
			}
			found := false
			subs := []bayeux.Channel{}
			for _, ch := range s.subs[clientID] {
				if ch == msg.Subscription() {
					found = true
					continue
				}
				subs = append(subs, ch)
			}
			s.subs[clientID] = subs
			if !found {
				statusCode = http.StatusBadRequest
				fields["successful"] = false
				fields["error"] = "403:%s:not subscribed"
			}
			replies = append(replies, s.reply(fields))

		case bayeux.MetaDisconnect:
			clientID := msg.ClientID()
			delete(s.subs, clientID)
			delete(s.queues, clientID)
			replies = append(replies, s.reply(map[string]any{
				"channel":    string(bayeux.MetaDisconnect),
				"id":         msg.ID(),
				"clientId":   clientID,
				"successful": true,
			}))

		default:
			if msg.Channel().IsMeta() {
				s.log.Logf("unhandled: %+v", msg)
				continue
			}
			s.broadcast(msg)
			replies = append(replies, s.reply(map[string]any{
				"channel":    string(msg.Channel()),
				"id":         msg.ID(),
				"successful": true,
			}))
		}
	}

	reply, err := json.Marshal(replies)
	if err != nil {
		return nil, fmt.Errorf("issue marshaling body (%w)", err)
	}

	return &http.Response{
		StatusCode: statusCode,
		Status:     http.StatusText(statusCode),
		Body:       io.NopCloser(bytes.NewReader(reply)),
	}, nil
}

// broadcast queues a published message for every client whose subscriptions
// match its channel. The queued copy never carries the publisher's
// clientId.
func (s *Server) broadcast(msg *bayeux.Message) {
	for clientID, subs := range s.subs {
		for _, sub := range subs {
			if !sub.Match(msg.Channel()) {
				continue
			}
			s.queues[clientID] = append(s.queues[clientID], s.reply(map[string]any{
				"channel": string(msg.Channel()),
				"data":    msg.Data(),
				"id":      uuid.NewString(),
			}))
			break
		}
	}
}

func (s *Server) reply(fields map[string]any) *bayeux.Message {
	m := bayeux.NewMessage()
	for k, v := range fields {
		if err := m.Set(k, v); err != nil {
			s.log.Logf("could not set %s: %+v", k, err)
		}
	}
	return m
}
