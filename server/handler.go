package server

import "github.com/cyberinferno/go-msgnet/connection"

// Handler receives the events of every server session.
type Handler interface {
	connection.Handler

	// OnConnect is called once per admitted session, after the ServerAccept
	// greeting has been queued and before any OnMessage for that session.
	OnConnect(c *connection.Connection)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	connection.HandlerFuncs
	Connect func(c *connection.Connection)
}

// OnConnect implements Handler.
func (h HandlerFuncs) OnConnect(c *connection.Connection) {
	if h.Connect != nil {
		h.Connect(c)
	}
}
