package bus

import "astralune/pkg/transport"

// Inbound is one raw event from a transport, together with the client that
// produced it so replies go back through the same connection.
type Inbound struct {
	Source string
	Event  transport.Event
	Client transport.Client
}
