package platform

import "context"

// IncomingMessage is a user message normalized away from the transport's
// native update type.
type IncomingMessage struct {
	Channel      ChannelRef
	MessageID    int64
	FromID       int64
	FromUsername string
	Text         string
	// ReplyTo is set when the message replies to another message, which
	// is how signup messages are targeted without a command argument.
	ReplyTo MessageRef
}

// Update is one unit of inbound activity.
type Update struct {
	Message *IncomingMessage
}

// Adapter is a Client that also produces inbound updates. The concrete
// implementation lives in internal/transport/telegram.
type Adapter interface {
	Client

	// Start begins producing updates. It does not block.
	Start(ctx context.Context) error
	// Stop drains the transport and closes Updates.
	Stop()
	// Updates yields inbound activity until Stop.
	Updates() <-chan Update
}
