package message

import "fmt"

// ID identifies the kind of a message. The identifier space is closed: only
// the constants below are valid on the wire.
type ID uint32

const (
	ServerAccept ID = iota // server greeting carrying the assigned session id
	ServerDeny             // server refused the connection
	ServerPing
	MessageAll // payload broadcast to every session
	SendText   // fragmented text payload
	ServerMessage
	ServerMessage1
	ServerMessage2
	ServerMessage3
	ServerMessage4
	ServerMessage5
	ServerMessage6
	ServerMessage7
	ServerMessage8
	ServerMessage9

	idCount
)

var idNames = [...]string{
	ServerAccept:   "ServerAccept",
	ServerDeny:     "ServerDeny",
	ServerPing:     "ServerPing",
	MessageAll:     "MessageAll",
	SendText:       "SendText",
	ServerMessage:  "ServerMessage",
	ServerMessage1: "ServerMessage1",
	ServerMessage2: "ServerMessage2",
	ServerMessage3: "ServerMessage3",
	ServerMessage4: "ServerMessage4",
	ServerMessage5: "ServerMessage5",
	ServerMessage6: "ServerMessage6",
	ServerMessage7: "ServerMessage7",
	ServerMessage8: "ServerMessage8",
	ServerMessage9: "ServerMessage9",
}

// String returns a human-readable name for the message kind.
func (id ID) String() string {
	if id.Valid() {
		return idNames[id]
	}

	return fmt.Sprintf("ID(%d)", uint32(id))
}

// Valid reports whether id belongs to the known enumeration.
func (id ID) Valid() bool {
	return id < idCount
}
