// Package bayeux implements a client session engine for the Bayeux
// protocol: transport negotiation, handshake, connection maintenance,
// channel subscriptions and publications, and server-advised reconnection.
//
// A session is created with NewSession and at least one transport:
//
//	transport, err := bayeux.NewLongPollingTransport("https://localhost:8080/cometd")
//	if err != nil {
//		// ...
//	}
//	session := bayeux.NewSession(bayeux.WithTransport(transport))
//	if err := session.Handshake(); err != nil {
//		// ...
//	}
//
// Messages are received by subscribing a listener to a channel; wildcard
// channels are supported:
//
//	channel, _ := session.GetChannel("/chat/**")
//	channel.Subscribe(bayeux.MessageListenerFunc(func(m *bayeux.Message) {
//		fmt.Println(m.Channel(), m.Data())
//	}))
//
// Extensions filter every message crossing the session boundary by
// implementing the Extension interface and registering with AddExtension.
// The extensions subdirectory ships a Salesforce replay extension.
//
// See also: https://docs.cometd.org/current/reference/#_bayeux
package bayeux
