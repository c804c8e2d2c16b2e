package bayeux

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// BayeuxVersion is the protocol version this client targets
//
// See also: https://docs.cometd.org/current/reference/#_bayeux_versions
const BayeuxVersion = "1.0"

const opsQueueSize = 64

// Session is a Bayeux client session engine. It negotiates a transport with
// the remote broker, performs the handshake, maintains the connection,
// routes inbound messages to subscribers, accepts publications and
// subscriptions, and obeys server-issued reconnection advice.
//
// All protocol state is mutated on a single protocol goroutine. The public
// API may be called from any goroutine; calls enqueue work and return as
// soon as it is queued, except for the state checks documented on each
// method which fail synchronously.
type Session struct {
	options Options
	logger  Logger

	transports   *TransportRegistry
	channels     *ChannelRegistry
	metaChannels *metaChannelRegistry
	extensions   *extensionList
	stateMachine *connectionStateMachine
	metrics      *sessionMetrics

	messageIDs atomic.Int64
	clientID   atomic.Value // string

	errorMu        sync.Mutex
	errorListeners atomic.Value // []func(error)

	ops       chan func()
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the protocol goroutine.
	transport         Transport
	transportListener TransportListener
	advice            *Advice
	scheduled         *time.Timer
	handshakeTimer    *time.Timer
	disconnectTimer   *time.Timer
	batchDepth        int
	batchQueue        []*Message
	pending           map[string]*pendingRequest
}

// pendingRequest correlates an in-flight request with the callback waiting
// on its reply. Entries are evicted when the reply arrives, or, once the
// correlation window has expired, when the next request is registered.
type pendingRequest struct {
	request *Message
	done    func(reply *Message, err error)
	expires time.Time
}

type sessionTransportListener struct {
	session *Session
}

func (l *sessionTransportListener) OnMessages(messages []*Message) {
	l.session.enqueue(func() { l.session.receive(messages) })
}

func (l *sessionTransportListener) OnFailure(cause error, attempted []*Message) {
	l.session.enqueue(func() { l.session.receiveFailure(cause, attempted) })
}

// NewSession creates a Session and starts its protocol goroutine. Register
// at least one transport (via WithTransport or RegisterTransport) before
// calling Handshake.
func NewSession(opts ...Option) *Session {
	options := newOptions(opts)
	s := &Session{
		options:      options,
		logger:       options.Logger,
		transports:   NewTransportRegistry(),
		metaChannels: newMetaChannelRegistry(),
		extensions:   newExtensionList(),
		stateMachine: newConnectionStateMachine(),
		metrics:      newSessionMetrics(),
		ops:          make(chan func(), opsQueueSize),
		done:         make(chan struct{}),
		pending:      make(map[string]*pendingRequest),
	}
	s.channels = newChannelRegistry(s)
	s.clientID.Store("")
	s.errorListeners.Store([]func(error){})
	s.transportListener = &sessionTransportListener{s}

	for _, t := range options.Transports {
		if err := s.transports.Add(t); err != nil {
			s.logger.WithError(err).WithField("transport", t.Name()).
				Warn("skipping duplicate transport")
		}
	}

	go s.run()
	return s
}

func (s *Session) run() {
	for {
		select {
		case op := <-s.ops:
			op()
		case <-s.done:
			return
		}
	}
}

// enqueue posts work to the protocol goroutine. It must never be called
// from the protocol goroutine itself.
func (s *Session) enqueue(op func()) {
	select {
	case s.ops <- op:
	case <-s.done:
	}
}

// Close stops the protocol goroutine and destroys the bound transport. A
// closed session cannot be revived.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.enqueue(func() {
			s.teardown()
			close(s.done)
		})
	})
}

// Handshake negotiates a transport and begins the handshake with the
// server. It fails synchronously with a BadStateError unless the session is
// DISCONNECTED.
func (s *Session) Handshake() error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	if err := s.stateMachine.ProcessEvent(handshakeRequested); err != nil {
		return err
	}
	s.enqueue(s.asyncHandshake)
	return nil
}

// Disconnect sends a `/meta/disconnect` request and cancels any pending
// reconnect. It fails synchronously with a BadStateError when the session
// is already DISCONNECTED. If the disconnect reply does not arrive within
// the configured bound, the session forces DISCONNECTED and destroys the
// transport.
func (s *Session) Disconnect() error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	if err := s.stateMachine.ProcessEvent(disconnectSent); err != nil {
		return err
	}
	s.enqueue(func() {
		s.cancelSchedule()
		if s.transport == nil {
			s.teardown()
			return
		}
		m := s.newMessage()
		_ = m.SetChannel(MetaDisconnect)
		s.send(m, nil)
		s.scheduleDisconnectTimeout()
	})
	return nil
}

// GetClientID returns the opaque session identifier assigned by the server
// at the last successful handshake, or the empty string.
func (s *Session) GetClientID() string {
	return s.clientID.Load().(string)
}

// State returns the current lifecycle state of the session
func (s *Session) State() SessionState {
	return s.stateMachine.CurrentState()
}

// GetChannel returns the handle for the named channel, creating it when
// missing
func (s *Session) GetChannel(name Channel) (*ClientChannel, error) {
	return s.channels.Get(name, true)
}

// GetMetaChannel returns the subscription surface for one of the five
// lifecycle meta channels
func (s *Session) GetMetaChannel(kind MetaChannelKind) *MetaChannel {
	return s.metaChannels.From(kind)
}

// RegisterTransport adds a transport to the session's registry. Transports
// registered earlier are preferred during negotiation.
func (s *Session) RegisterTransport(t Transport) error {
	return s.transports.Add(t)
}

// AddExtension appends an extension to the pipeline
func (s *Session) AddExtension(ext Extension) error {
	if err := s.extensions.Add(ext); err != nil {
		return err
	}
	if registrar, ok := ext.(ExtensionRegistrar); ok {
		registrar.Registered(s)
	}
	return nil
}

// RemoveExtension removes an extension from the pipeline
func (s *Session) RemoveExtension(ext Extension) bool {
	removed := s.extensions.Remove(ext)
	if removed {
		if registrar, ok := ext.(ExtensionRegistrar); ok {
			registrar.Unregistered()
		}
	}
	return removed
}

// OnError registers a listener for session-level errors: protocol errors,
// unsuccessful meta replies and transport failures
func (s *Session) OnError(fn func(error)) {
	s.errorMu.Lock()
	defer s.errorMu.Unlock()
	current := s.errorListeners.Load().([]func(error))
	next := make([]func(error), len(current), len(current)+1)
	copy(next, current)
	s.errorListeners.Store(append(next, fn))
}

// Batch defers transport flushes until work returns: every message sent by
// work travels to the server in a single transport send. Batches nest; only
// the outermost one flushes.
func (s *Session) Batch(work func()) {
	s.enqueue(func() { s.batchDepth++ })
	defer s.enqueue(func() {
		s.batchDepth--
		if s.batchDepth == 0 {
			queue := s.batchQueue
			s.batchQueue = nil
			s.flush(queue)
		}
	})
	work()
}

func (s *Session) notifyError(err error) {
	s.logger.WithError(err).Debug("session error")
	for _, fn := range s.errorListeners.Load().([]func(error)) {
		fn(err)
	}
}

func (s *Session) nextMessageID() string {
	return strconv.FormatInt(s.messageIDs.Add(1), 10)
}

func (s *Session) newMessage() *Message {
	if s.transport != nil {
		return s.transport.NewMessage()
	}
	return NewMessage()
}

// --- protocol goroutine below this point ---

func (s *Session) asyncHandshake() {
	names := s.transports.Names(BayeuxVersion)
	negotiated := s.transports.Negotiate(BayeuxVersion, names)
	if negotiated == nil {
		_ = s.stateMachine.ProcessEvent(handshakeFailed)
		s.notifyError(HandshakeFailedError{NegotiationError{Requested: names, Available: names}})
		return
	}
	if negotiated != s.transport {
		bound, err := s.lifecycleTransport(s.transport, negotiated)
		if err != nil {
			_ = s.stateMachine.ProcessEvent(handshakeFailed)
			s.notifyError(HandshakeFailedError{err})
			return
		}
		s.transport = bound
	}
	s.logger.WithField("transport", negotiated.Name()).Debug("handshaking")

	m := s.newMessage()
	_ = m.SetChannel(MetaHandshake)
	_ = m.Set(VersionField, BayeuxVersion)
	_ = m.Set(SupportedConnectionTypesField, names)
	s.metrics.handshake()
	s.scheduleHandshakeTimeout()
	s.send(m, nil)
}

// rehandshakeOp is the advice-driven re-handshake entry point. The state
// may have moved on since the timer was armed, in which case the op is a
// no-op.
func (s *Session) rehandshakeOp() {
	if err := s.stateMachine.ProcessEvent(handshakeRequested); err != nil {
		s.logger.WithError(err).Debug("skipping advised re-handshake")
		return
	}
	s.asyncHandshake()
}

func (s *Session) asyncConnect() {
	if !s.stateMachine.IsConnected() || s.transport == nil {
		return
	}
	m := s.newMessage()
	_ = m.SetChannel(MetaConnect)
	_ = m.Set(ConnectionTypeField, s.transport.Name())
	s.send(m, nil)
}

// lifecycleTransport unbinds the old transport (remove listener, destroy)
// and binds the new one (add listener, init), in that order.
func (s *Session) lifecycleTransport(oldTransport, newTransport Transport) (Transport, error) {
	if oldTransport != nil {
		oldTransport.RemoveListener(s.transportListener)
		oldTransport.Destroy()
	}
	newTransport.AddListener(s.transportListener)
	if err := newTransport.Init(); err != nil {
		newTransport.RemoveListener(s.transportListener)
		return nil, TransportError{newTransport.Name(), err}
	}
	return newTransport, nil
}

// send allocates the message id, fills the clientId on meta requests,
// registers the reply correlation and pushes the message through the
// outgoing extension pipeline. Publish messages never receive a clientId.
func (s *Session) send(m *Message, done func(reply *Message, err error)) {
	_ = m.SetID(s.nextMessageID())
	meta := m.Channel().IsMeta()
	if meta && m.Channel() != MetaHandshake {
		if clientID := s.GetClientID(); clientID != "" {
			_ = m.SetClientID(clientID)
		}
	}
	s.registerPending(m, done)

	hook := outgoingHook
	if meta {
		hook = metaOutgoingHook
	}
	out := s.extensions.pipeline(m, hook, s.logger)
	if out == nil {
		s.evictPending(m.ID(), ErrMessageVetoed)
		return
	}
	if s.batchDepth > 0 {
		s.batchQueue = append(s.batchQueue, out)
		return
	}
	s.flush([]*Message{out})
}

func (s *Session) flush(messages []*Message) {
	if len(messages) == 0 {
		return
	}
	if s.transport == nil {
		s.receiveFailure(ErrNoTransport, messages)
		return
	}
	s.metrics.sent(len(messages))
	if err := s.transport.Send(messages); err != nil {
		s.receiveFailure(TransportError{s.transport.Name(), err}, messages)
	}
}

func (s *Session) registerPending(m *Message, done func(reply *Message, err error)) {
	now := time.Now()
	for id, p := range s.pending {
		if now.After(p.expires) {
			delete(s.pending, id)
			if p.done != nil {
				p.done(nil, ErrRequestTimedOut)
			}
		}
	}
	s.pending[m.ID()] = &pendingRequest{m, done, now.Add(s.options.RequestWindow)}
}

func (s *Session) evictPending(id string, cause error) {
	if p, ok := s.pending[id]; ok {
		delete(s.pending, id)
		if p.done != nil {
			p.done(nil, cause)
		}
	}
}

// receive routes a batch of inbound messages surfaced by the transport
func (s *Session) receive(messages []*Message) {
	s.metrics.received(len(messages))
	for _, m := range messages {
		s.receiveOne(m)
	}
}

func (s *Session) receiveOne(m *Message) {
	channel := m.Channel()
	if channel == emptyChannel {
		s.protocolError(ProtocolError{"message without channel", m})
		return
	}
	meta := channel.IsMeta()

	hook := incomingHook
	if meta {
		hook = metaIncomingHook
	}
	m = s.extensions.pipeline(m, hook, s.logger)
	if m == nil {
		return
	}

	// The advice cache is refreshed before any of it is acted on.
	if a := m.Advice(); a != nil {
		s.advice = a
	}

	var done func(reply *Message, err error)
	if id := m.ID(); id != "" {
		if p, ok := s.pending[id]; ok {
			delete(s.pending, id)
			m.SetAssociated(p.request)
			done = p.done
		}
	}

	if !meta {
		s.freezeForDelivery(m)
		s.channels.dispatch(m, s.logger)
		return
	}

	kind, ok := channel.MetaKind()
	if !ok {
		s.protocolError(ProtocolError{"unknown meta channel", m})
		return
	}
	switch kind {
	case MetaChannelHandshake:
		s.receiveHandshake(m)
	case MetaChannelConnect:
		s.receiveConnect(m)
	case MetaChannelDisconnect:
		s.receiveDisconnect(m)
	case MetaChannelSubscribe, MetaChannelUnsubscribe:
		s.receiveSubscriptionAck(kind, m, done)
	}
}

func (s *Session) receiveHandshake(m *Message) {
	if s.State() != StateHandshaking {
		s.protocolError(ProtocolError{"handshake reply outside handshake", m})
		return
	}
	s.cancelHandshakeTimeout()
	if !m.Successful() {
		s.processUnsuccessful(MetaChannelHandshake, m)
		return
	}

	// The server may revise its connection types on every handshake.
	offered := m.SupportedConnectionTypes()
	if len(offered) > 0 {
		negotiated := s.transports.Negotiate(BayeuxVersion, offered)
		if negotiated == nil {
			_ = s.stateMachine.ProcessEvent(handshakeFailed)
			s.notifyError(HandshakeFailedError{NegotiationError{
				Requested: s.transports.Names(BayeuxVersion),
				Available: offered,
			}})
			s.deliverMeta(MetaChannelHandshake, m)
			return
		}
		if negotiated != s.transport {
			bound, err := s.lifecycleTransport(s.transport, negotiated)
			if err != nil {
				s.transport = nil
				_ = s.stateMachine.ProcessEvent(handshakeFailed)
				s.notifyError(HandshakeFailedError{err})
				s.deliverMeta(MetaChannelHandshake, m)
				return
			}
			s.transport = bound
		}
	}

	_ = s.stateMachine.ProcessEvent(handshakeSucceeded)
	s.clientID.Store(m.ClientID())
	s.logger.WithField("clientId", m.ClientID()).Debug("handshake complete")
	s.deliverMeta(MetaChannelHandshake, m)
	s.followAdvice(s.asyncConnect)
}

func (s *Session) receiveConnect(m *Message) {
	state := s.State()
	if state != StateConnected && state != StateDisconnecting {
		s.protocolError(ProtocolError{"connect reply while not connected", m})
		return
	}
	if !m.Successful() {
		s.processUnsuccessful(MetaChannelConnect, m)
		return
	}
	s.deliverMeta(MetaChannelConnect, m)
	if s.stateMachine.IsConnected() {
		s.followAdvice(s.asyncConnect)
	}
}

func (s *Session) receiveDisconnect(m *Message) {
	if s.State() != StateDisconnecting {
		s.protocolError(ProtocolError{"disconnect reply while not disconnecting", m})
		return
	}
	if !m.Successful() {
		s.processUnsuccessful(MetaChannelDisconnect, m)
		return
	}
	s.teardown()
	s.deliverMeta(MetaChannelDisconnect, m)
}

func (s *Session) receiveSubscriptionAck(kind MetaChannelKind, m *Message, done func(reply *Message, err error)) {
	var err error
	if !m.Successful() {
		cause := ServerError{kind.Channel(), m.ErrorMessage()}
		if kind == MetaChannelSubscribe {
			err = SubscriptionFailedError{m.Subscription(), cause}
		} else {
			err = UnsubscribeFailedError{m.Subscription(), cause}
		}
		s.notifyError(err)
	}
	s.deliverMeta(kind, m)
	if done != nil {
		done(m, err)
	}
}

// processUnsuccessful surfaces an unsuccessful meta reply to the error
// listeners, moves the state machine per the advice rules, and then
// notifies the meta channel subscribers.
func (s *Session) processUnsuccessful(kind MetaChannelKind, m *Message) {
	cause := ServerError{kind.Channel(), m.ErrorMessage()}
	switch kind {
	case MetaChannelHandshake:
		s.notifyError(HandshakeFailedError{cause})
	case MetaChannelConnect:
		s.notifyError(ConnectionFailedError{cause})
	case MetaChannelDisconnect:
		s.notifyError(DisconnectFailedError{cause})
	default:
		s.notifyError(cause)
	}
	defer s.deliverMeta(kind, m)

	switch kind {
	case MetaChannelHandshake:
		_ = s.stateMachine.ProcessEvent(handshakeFailed)
		// Without a clientId a retry can only mean another handshake.
		if s.advice != nil {
			s.followAdvice(s.rehandshakeOp)
		}
	case MetaChannelConnect:
		s.followAdvice(s.asyncConnect)
	case MetaChannelDisconnect:
		s.teardown()
	}
}

// followAdvice applies the cached reconnect advice. retryOp is what a
// "retry" means in the current situation: the next connect while the
// session holds a clientId, another handshake while it does not.
func (s *Session) followAdvice(retryOp func()) {
	action := ReconnectRetry
	interval := time.Duration(0)
	if s.advice != nil {
		if s.advice.Reconnect != "" {
			action = s.advice.Reconnect
		}
		interval = s.advice.IntervalAsDuration()
	}

	switch action {
	case ReconnectRetry:
		s.schedule(interval, retryOp)
	case ReconnectHandshake:
		s.cancelSchedule()
		_ = s.stateMachine.ProcessEvent(sessionTerminated)
		s.metrics.reconnect()
		s.schedule(interval, s.rehandshakeOp)
	case ReconnectNone:
		s.cancelSchedule()
	default:
		s.logger.WithField("action", action).Warn("unknown reconnect advice, treating as retry")
		s.schedule(0, retryOp)
	}
}

// schedule arms the single reconnect timer, cancelling any prior one
func (s *Session) schedule(d time.Duration, op func()) {
	s.cancelSchedule()
	if d < 0 {
		d = 0
	}
	s.scheduled = time.AfterFunc(d, func() { s.enqueue(op) })
}

func (s *Session) cancelSchedule() {
	if s.scheduled != nil {
		s.scheduled.Stop()
		s.scheduled = nil
	}
}

func (s *Session) scheduleHandshakeTimeout() {
	s.cancelHandshakeTimeout()
	s.handshakeTimer = time.AfterFunc(s.options.HandshakeTimeout, func() {
		s.enqueue(func() {
			if s.State() != StateHandshaking {
				return
			}
			s.logger.Warn("handshake timed out")
			s.receiveOne(s.synthesizeFailure(MetaHandshake, ErrRequestTimedOut, nil))
		})
	})
}

func (s *Session) cancelHandshakeTimeout() {
	if s.handshakeTimer != nil {
		s.handshakeTimer.Stop()
		s.handshakeTimer = nil
	}
}

func (s *Session) scheduleDisconnectTimeout() {
	s.cancelDisconnectTimeout()
	s.disconnectTimer = time.AfterFunc(s.options.DisconnectTimeout, func() {
		s.enqueue(func() {
			if s.State() != StateDisconnecting {
				return
			}
			s.logger.Warn("disconnect reply did not arrive, forcing teardown")
			s.teardown()
		})
	})
}

func (s *Session) cancelDisconnectTimeout() {
	if s.disconnectTimer != nil {
		s.disconnectTimer.Stop()
		s.disconnectTimer = nil
	}
}

// receiveFailure turns a transport failure into synthetic unsuccessful
// replies on the appropriate meta channels, so that failures and real
// replies flow through the one receive path.
func (s *Session) receiveFailure(cause error, attempted []*Message) {
	if len(attempted) == 0 {
		// A hard failure with nothing in flight, e.g. a dropped streaming
		// connection. Synthesize it onto the meta channel the current state
		// is waiting on so the advice rules decide what happens next.
		switch s.State() {
		case StateHandshaking:
			s.receiveOne(s.synthesizeFailure(MetaHandshake, cause, nil))
		case StateConnected, StateDisconnecting:
			s.receiveOne(s.synthesizeFailure(MetaConnect, cause, nil))
		default:
			s.notifyError(cause)
		}
		return
	}
	for _, request := range attempted {
		channel := request.Channel()
		if !channel.IsMeta() {
			s.notifyError(PublishFailedError{channel, cause})
			s.evictPending(request.ID(), cause)
			continue
		}
		s.receiveOne(s.synthesizeFailure(channel, cause, request))
	}
}

func (s *Session) synthesizeFailure(channel Channel, cause error, request *Message) *Message {
	reply := NewMessage()
	_ = reply.SetChannel(channel)
	_ = reply.Set(SuccessfulField, false)
	_ = reply.Set(ErrorField, cause.Error())
	if request != nil {
		_ = reply.SetID(request.ID())
	}
	return reply
}

func (s *Session) protocolError(err ProtocolError) {
	s.logger.WithError(err).Warn("protocol error")
	s.notifyError(err)
	if s.State() == StateHandshaking {
		s.cancelHandshakeTimeout()
		_ = s.stateMachine.ProcessEvent(handshakeFailed)
	}
}

func (s *Session) deliverMeta(kind MetaChannelKind, m *Message) {
	s.freezeForDelivery(m)
	s.metaChannels.From(kind).deliver(m, s.logger)
}

// freezeForDelivery seals a message before handing it to subscribers
func (s *Session) freezeForDelivery(m *Message) {
	if m.Frozen() {
		return
	}
	raw, err := m.JSON()
	if err != nil {
		s.logger.WithError(err).Debug("could not serialize message for freeze")
	}
	_ = m.Freeze(raw)
}

// teardown drops the session to DISCONNECTED, cancels every timer and
// destroys the bound transport
func (s *Session) teardown() {
	s.cancelSchedule()
	s.cancelHandshakeTimeout()
	s.cancelDisconnectTimeout()
	_ = s.stateMachine.ProcessEvent(sessionTerminated)
	if s.transport != nil {
		s.transport.RemoveListener(s.transportListener)
		s.transport.Destroy()
		s.transport = nil
	}
	s.clientID.Store("")
	s.batchDepth = 0
	s.batchQueue = nil
}

// sendSubscribe emits the `/meta/subscribe` round trip for the first
// subscriber of a channel
func (s *Session) sendSubscribe(subscription Channel, done func(error)) {
	s.enqueue(func() {
		if !s.stateMachine.IsConnected() {
			if done != nil {
				done(SubscriptionFailedError{subscription, ErrSessionNotConnected})
			}
			return
		}
		m := s.newMessage()
		_ = m.SetChannel(MetaSubscribe)
		_ = m.Set(SubscriptionField, string(subscription))
		s.send(m, func(reply *Message, err error) {
			if done != nil {
				done(err)
			}
		})
	})
}

// sendUnsubscribe emits the `/meta/unsubscribe` round trip after the last
// subscriber of a channel is removed
func (s *Session) sendUnsubscribe(subscription Channel, done func(error)) {
	s.enqueue(func() {
		if !s.stateMachine.IsConnected() {
			if done != nil {
				done(UnsubscribeFailedError{subscription, ErrSessionNotConnected})
			}
			return
		}
		m := s.newMessage()
		_ = m.SetChannel(MetaUnsubscribe)
		_ = m.Set(SubscriptionField, string(subscription))
		s.send(m, func(reply *Message, err error) {
			if done != nil {
				done(err)
			}
		})
	})
}

// publish sends an application message. Publish messages carry data and an
// id but never the clientId.
func (s *Session) publish(channel Channel, data any) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	s.enqueue(func() {
		m := s.newMessage()
		_ = m.SetChannel(channel)
		_ = m.Set(DataField, data)
		s.send(m, nil)
	})
	return nil
}
