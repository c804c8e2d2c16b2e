package bayeux

// MetaChannel is the subscription surface of one of the five lifecycle meta
// channels. Its listeners receive the raw response message after the session
// state machine has processed it.
type MetaChannel struct {
	kind      MetaChannelKind
	listeners *listenerSet
}

// Kind returns the meta channel kind this handle is bound to
func (mc *MetaChannel) Kind() MetaChannelKind {
	return mc.kind
}

// AddListener registers a listener for messages on this meta channel.
// Adding the same listener twice is idempotent.
func (mc *MetaChannel) AddListener(l MessageListener) {
	mc.listeners.Add(l)
}

// RemoveListener removes a previously registered listener
func (mc *MetaChannel) RemoveListener(l MessageListener) {
	mc.listeners.Remove(l)
}

func (mc *MetaChannel) deliver(m *Message, logger Logger) {
	mc.listeners.deliver(m, logger)
}

// metaChannelRegistry holds one MetaChannel per kind. Dispatch across kinds
// is a tag switch on MetaChannelKind.
type metaChannelRegistry struct {
	channels map[MetaChannelKind]*MetaChannel
}

func newMetaChannelRegistry() *metaChannelRegistry {
	channels := make(map[MetaChannelKind]*MetaChannel, len(metaChannelNames))
	for kind := range metaChannelNames {
		channels[kind] = &MetaChannel{kind: kind, listeners: newListenerSet()}
	}
	return &metaChannelRegistry{channels: channels}
}

func (r *metaChannelRegistry) From(kind MetaChannelKind) *MetaChannel {
	return r.channels[kind]
}
