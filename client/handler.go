package client

import (
	"github.com/cyberinferno/go-msgnet/connection"
	"github.com/cyberinferno/go-msgnet/message"
)

// Handler receives the events of the client's session.
type Handler interface {
	connection.Handler

	// OnConnect is called once the socket is connected, before the first
	// OnMessage of the session.
	OnConnect(c *connection.Connection)
}

// ConnectErrorHandler is optionally implemented by a Handler to learn about
// failed connection attempts.
type ConnectErrorHandler interface {
	OnConnectError(c *Client, err error)
}

// StateHandler is optionally implemented by a Handler to observe state
// changes. Events are delivered in order, one at a time.
type StateHandler interface {
	OnStateChange(event StateEvent)
}

// HandlerFuncs adapts plain functions to Handler, ConnectErrorHandler and
// StateHandler. Nil fields are skipped.
type HandlerFuncs struct {
	connection.HandlerFuncs
	Connect      func(c *connection.Connection)
	ConnectError func(c *Client, err error)
	StateChange  func(event StateEvent)
}

// OnConnect implements Handler.
func (h HandlerFuncs) OnConnect(c *connection.Connection) {
	if h.Connect != nil {
		h.Connect(c)
	}
}

// OnConnectError implements ConnectErrorHandler.
func (h HandlerFuncs) OnConnectError(c *Client, err error) {
	if h.ConnectError != nil {
		h.ConnectError(c, err)
	}
}

// OnStateChange implements StateHandler.
func (h HandlerFuncs) OnStateChange(event StateEvent) {
	if h.StateChange != nil {
		h.StateChange(event)
	}
}

// session sits between the connection and the user handler. It adopts the
// server-assigned id and keeps the client state in step with the socket.
type session struct {
	client *Client
}

func (s session) OnMessage(c *connection.Connection, msg *message.Message) error {
	if msg.Header.ID == message.ServerAccept {
		if id, err := message.Get[uint32](msg); err == nil {
			c.SetID(id)
			c.Logger().Debug("session id assigned")
		}
	}

	return s.client.handler.OnMessage(c, msg)
}

func (s session) OnMessageSent(c *connection.Connection, msg *message.Message) {
	s.client.handler.OnMessageSent(c, msg)
}

func (s session) OnDisconnect(c *connection.Connection) {
	s.client.lost(c)
	s.client.handler.OnDisconnect(c)
}
