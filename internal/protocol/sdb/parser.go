package sdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	xdr "github.com/rasky/go-xdr/xdr2"
)

var (
	ErrRecordTooLarge = errors.New("sdb: record too large")
	ErrUnknownKind    = errors.New("sdb: unknown message kind")
	ErrMalformed      = errors.New("sdb: malformed message")
)

// newBody allocates the body for kind, or returns nil for unknown kinds.
func newBody(kind MessageKind) any {
	switch kind {
	case KindHello:
		return &Hello{}
	case KindOpen:
		return &Open{}
	case KindSeek:
		return &Seek{}
	case KindRead:
		return &Read{}
	case KindWrite:
		return &Write{}
	case KindClose:
		return &Close{}
	case KindDeleteMe:
		return &DeleteMe{}
	case KindResponse:
		return &Response{}
	case KindAllowToClose:
		return &AllowToClose{}
	case KindClosed:
		return &Closed{}
	case KindDeleted:
		return &Deleted{}
	default:
		return nil
	}
}

// variableOffset is where the length prefix of a kind's variable-length
// field sits within its body.
var variableOffset = map[MessageKind]int{
	KindHello:    8,
	KindOpen:     0,
	KindWrite:    0,
	KindResponse: 8,
}

// Marshal encodes a header and body. A nil body encodes nothing after the
// header.
func Marshal(kind MessageKind, seq uint32, body any) ([]byte, error) {
	var buf bytes.Buffer

	header := Header{Kind: uint32(kind), Seq: seq}
	if _, err := xdr.Marshal(&buf, &header); err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}

	if body != nil {
		if _, err := xdr.Marshal(&buf, body); err != nil {
			return nil, fmt.Errorf("marshal %s: %w", kind, err)
		}
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes one record. The body is returned as a pointer to the
// kind's struct.
func Unmarshal(record []byte) (Message, error) {
	if len(record) < headerSize {
		return Message{}, fmt.Errorf("%w: %d byte record", ErrMalformed, len(record))
	}

	reader := bytes.NewReader(record)

	var msg Message
	if _, err := xdr.Unmarshal(reader, &msg.Header); err != nil {
		return Message{}, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}

	kind := msg.Kind()
	body := newBody(kind)
	if body == nil {
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownKind, msg.Header.Kind)
	}

	// A length prefix larger than the record would make the decoder
	// allocate it before noticing.
	if offset, ok := variableOffset[kind]; ok {
		rest := record[headerSize:]
		if len(rest) >= offset+4 {
			n := binary.BigEndian.Uint32(rest[offset:])
			if uint64(n) > uint64(len(rest)-offset-4) {
				return Message{}, fmt.Errorf("%w: %s field length %d exceeds record", ErrMalformed, kind, n)
			}
		}
	}

	if _, err := xdr.Unmarshal(reader, body); err != nil {
		return Message{}, fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
	}

	if reader.Len() != 0 {
		return Message{}, fmt.Errorf("%w: %s: %d trailing bytes", ErrMalformed, kind, reader.Len())
	}

	msg.Body = body
	return msg, nil
}

// ReadRecord reads fragments until the last one and returns the
// reassembled record. maxSize bounds the total record size.
func ReadRecord(r io.Reader, maxSize uint32) ([]byte, error) {
	var record []byte

	for {
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			if len(record) > 0 && errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		header := binary.BigEndian.Uint32(buf[:])
		last := header&lastFragmentBit != 0
		length := header & fragmentLengthMask

		if uint64(len(record))+uint64(length) > uint64(maxSize) {
			return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrRecordTooLarge, uint64(len(record))+uint64(length), maxSize)
		}

		start := len(record)
		record = append(record, make([]byte, length)...)
		if _, err := io.ReadFull(r, record[start:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("read fragment: %w", err)
		}

		if last {
			return record, nil
		}
	}
}

// WriteRecord writes record as a single last fragment in one Write call.
func WriteRecord(w io.Writer, record []byte) error {
	if len(record) > fragmentLengthMask {
		return fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(record))
	}

	frame := make([]byte, 4+len(record))
	binary.BigEndian.PutUint32(frame, lastFragmentBit|uint32(len(record)))
	copy(frame[4:], record)

	_, err := w.Write(frame)
	return err
}

// WriteMessage marshals and frames a message.
func WriteMessage(w io.Writer, kind MessageKind, seq uint32, body any) error {
	record, err := Marshal(kind, seq, body)
	if err != nil {
		return err
	}
	return WriteRecord(w, record)
}

// ReadMessage reads and decodes one framed message.
func ReadMessage(r io.Reader, maxSize uint32) (Message, error) {
	record, err := ReadRecord(r, maxSize)
	if err != nil {
		return Message{}, err
	}
	return Unmarshal(record)
}
