package simpledb

import "fmt"

// RequestKind identifies a request type. Values are stable on the wire.
type RequestKind uint32

const (
	RequestOpen RequestKind = iota + 1
	RequestSeek
	RequestRead
	RequestWrite
	RequestClose
)

func (k RequestKind) String() string {
	switch k {
	case RequestOpen:
		return "open"
	case RequestSeek:
		return "seek"
	case RequestRead:
		return "read"
	case RequestWrite:
		return "write"
	case RequestClose:
		return "close"
	default:
		return fmt.Sprintf("request(%d)", uint32(k))
	}
}

// Request is one client request. ID is echoed back in the Reply so the
// transport can correlate them; the core never interprets it.
type Request struct {
	ID   uint32
	Kind RequestKind

	Name   string // Open
	Offset uint64 // Seek
	Size   uint64 // Read
	Data   []byte // Write
}

// Reply is the outcome of a request. Err is nil on success; otherwise it
// classifies with KindOf and Data is empty.
type Reply struct {
	ID   uint32
	Kind RequestKind
	Data []byte // Read
	Err  error
}

// Peer is the remote end of a Connection. Every method is called on the
// control executor and must not block.
type Peer interface {
	SendReply(reply Reply)

	// SendAllowToClose tells the client to stop issuing requests.
	SendAllowToClose()

	// SendClosed reports that the connection's stream and lock are released.
	SendClosed()

	// SendDeleted acknowledges a DeleteMe.
	SendDeleted()
}
