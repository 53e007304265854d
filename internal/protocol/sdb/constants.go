package sdb

import "fmt"

// MessageKind identifies the body that follows a Header.
type MessageKind uint32

// Client to server.
const (
	// KindHello must be the first message on a connection. It binds the
	// socket to a persistence type and principal.
	KindHello MessageKind = 1

	KindOpen     MessageKind = 2
	KindSeek     MessageKind = 3
	KindRead     MessageKind = 4
	KindWrite    MessageKind = 5
	KindClose    MessageKind = 6
	KindDeleteMe MessageKind = 7
)

// Server to client.
const (
	// KindResponse answers a client message. Its Seq echoes the request's.
	KindResponse MessageKind = 16

	// Unsolicited pushes; Seq is zero.
	KindAllowToClose MessageKind = 17
	KindClosed       MessageKind = 18
	KindDeleted      MessageKind = 19
)

func (k MessageKind) String() string {
	switch k {
	case KindHello:
		return "HELLO"
	case KindOpen:
		return "OPEN"
	case KindSeek:
		return "SEEK"
	case KindRead:
		return "READ"
	case KindWrite:
		return "WRITE"
	case KindClose:
		return "CLOSE"
	case KindDeleteMe:
		return "DELETE_ME"
	case KindResponse:
		return "RESPONSE"
	case KindAllowToClose:
		return "ALLOW_TO_CLOSE"
	case KindClosed:
		return "CLOSED"
	case KindDeleted:
		return "DELETED"
	default:
		return fmt.Sprintf("KIND_%d", uint32(k))
	}
}

// Record marking
const (
	// lastFragmentBit marks the final fragment of a record.
	lastFragmentBit = 0x80000000

	// fragmentLengthMask extracts the fragment length.
	fragmentLengthMask = 0x7FFFFFFF

	// DefaultMaxMessageSize bounds one reassembled record: a 16 MiB payload
	// plus room for headers.
	DefaultMaxMessageSize = 16<<20 + 1024
)

// headerSize is the encoded size of Header.
const headerSize = 8
