package sdb

// Header precedes every message body.
type Header struct {
	Kind uint32
	Seq  uint32
}

// Hello binds a connection. PrincipalKind takes principal.Kind values;
// Origin is only meaningful for content principals.
type Hello struct {
	Persistence   uint32
	PrincipalKind uint32
	Origin        string
}

type Open struct {
	Name string
}

type Seek struct {
	Offset uint64
}

type Read struct {
	Size uint64
}

type Write struct {
	Data []byte `xdr:"opaque"`
}

// Close, DeleteMe and the pushes carry no body.
type (
	Close        struct{}
	DeleteMe     struct{}
	AllowToClose struct{}
	Closed       struct{}
	Deleted      struct{}
)

// Response answers the request with the same Seq. Request names the kind
// being answered; Data is only set for a successful Read.
type Response struct {
	Request uint32
	Status  uint32
	Data    []byte `xdr:"opaque"`
}

// Message is a decoded record.
type Message struct {
	Header
	Body any
}

// Kind returns the typed message kind.
func (m Message) Kind() MessageKind {
	return MessageKind(m.Header.Kind)
}
