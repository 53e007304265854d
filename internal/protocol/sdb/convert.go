package sdb

import "github.com/marmos91/dittosdb/pkg/simpledb"

var toRequestKind = map[MessageKind]simpledb.RequestKind{
	KindOpen:  simpledb.RequestOpen,
	KindSeek:  simpledb.RequestSeek,
	KindRead:  simpledb.RequestRead,
	KindWrite: simpledb.RequestWrite,
	KindClose: simpledb.RequestClose,
}

// MessageKindOf returns the wire kind of a request kind.
func MessageKindOf(k simpledb.RequestKind) MessageKind {
	for mk, rk := range toRequestKind {
		if rk == k {
			return mk
		}
	}
	return 0
}

// ToRequest converts a decoded client message into a core request. ok is
// false for messages that are not requests (Hello, DeleteMe, pushes).
func ToRequest(msg Message) (req simpledb.Request, ok bool) {
	kind, ok := toRequestKind[msg.Kind()]
	if !ok {
		return simpledb.Request{}, false
	}

	req = simpledb.Request{ID: msg.Seq, Kind: kind}

	switch body := msg.Body.(type) {
	case *Open:
		req.Name = body.Name
	case *Seek:
		req.Offset = body.Offset
	case *Read:
		req.Size = body.Size
	case *Write:
		req.Data = body.Data
	}

	return req, true
}

// FromReply builds the Response for a core reply.
func FromReply(reply simpledb.Reply) *Response {
	return &Response{
		Request: uint32(MessageKindOf(reply.Kind)),
		Status:  uint32(StatusOf(reply.Err)),
		Data:    reply.Data,
	}
}
