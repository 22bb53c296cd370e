package connection

import "github.com/cyberinferno/go-msgnet/message"

// Handler receives the events of one or more connections. Every method runs
// on the connection's strand, so calls for a given connection never overlap
// and arrive in order.
type Handler interface {
	// OnMessage is called with each complete inbound frame. Returning an
	// error is treated as a protocol violation and disconnects the peer.
	OnMessage(c *Connection, msg *message.Message) error

	// OnMessageSent is called once msg has been fully written to the socket.
	OnMessageSent(c *Connection, msg *message.Message)

	// OnDisconnect is called exactly once, after the socket has been torn
	// down.
	OnDisconnect(c *Connection)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Message     func(c *Connection, msg *message.Message) error
	MessageSent func(c *Connection, msg *message.Message)
	Disconnect  func(c *Connection)
}

// OnMessage implements Handler.
func (h HandlerFuncs) OnMessage(c *Connection, msg *message.Message) error {
	if h.Message == nil {
		return nil
	}

	return h.Message(c, msg)
}

// OnMessageSent implements Handler.
func (h HandlerFuncs) OnMessageSent(c *Connection, msg *message.Message) {
	if h.MessageSent != nil {
		h.MessageSent(c, msg)
	}
}

// OnDisconnect implements Handler.
func (h HandlerFuncs) OnDisconnect(c *Connection) {
	if h.Disconnect != nil {
		h.Disconnect(c)
	}
}
