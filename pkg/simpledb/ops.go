package simpledb

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/marmos91/dittosdb/internal/logger"
	"github.com/spf13/afero"
)

// copyBufferSize bounds a single read or write call against the stream.
const copyBufferSize = 32 * 1024

var errOffsetOverflow = errors.New("offset does not fit in a signed 64-bit integer")

// ============================================================================
// Seek
// ============================================================================

type seekOp struct {
	operationBase
}

func (op *seekOp) doDatabaseWork(stream afero.File) error {
	if op.req.Offset > math.MaxInt64 {
		return ioError("seek", fmt.Errorf("%w: %d", errOffsetOverflow, op.req.Offset))
	}
	if _, err := stream.Seek(int64(op.req.Offset), io.SeekStart); err != nil {
		return ioError("seek", err)
	}
	return nil
}

// ============================================================================
// Read
// ============================================================================

// readOp reads up to Size bytes at the cursor. Hitting end of file early is
// not an error: the reply simply carries fewer bytes.
type readOp struct {
	operationBase
	buf []byte
}

func (op *readOp) Init() error {
	if err := op.operationBase.Init(); err != nil {
		return err
	}

	if op.req.Size > op.svc.maxReadSize {
		return fmt.Errorf("%w: %d > %d", ErrReadTooLarge, op.req.Size, op.svc.maxReadSize)
	}

	op.buf = make([]byte, op.req.Size)
	return nil
}

func (op *readOp) doDatabaseWork(stream afero.File) error {
	var offset int
	for offset < len(op.buf) {
		count := min(len(op.buf)-offset, copyBufferSize)

		n, err := stream.Read(op.buf[offset : offset+count])
		offset += n

		if errors.Is(err, io.EOF) || (err == nil && n == 0) {
			break
		}
		if err != nil {
			return ioError("read", err)
		}
	}

	op.buf = op.buf[:offset]
	return nil
}

func (op *readOp) response() []byte {
	op.svc.metrics.RecordBytesTransferred("read", uint64(len(op.buf)))
	return op.buf
}

// ============================================================================
// Write
// ============================================================================

// writeOp writes every byte of Data at the cursor. A stream that accepts
// fewer bytes than offered fails the operation.
type writeOp struct {
	operationBase
}

func (op *writeOp) doDatabaseWork(stream afero.File) error {
	data := op.req.Data
	var written int

	for written < len(data) {
		chunk := data[written:min(len(data), written+copyBufferSize)]

		n, err := stream.Write(chunk)
		if errors.Is(err, io.ErrShortWrite) || (err == nil && n != len(chunk)) {
			return partialWriteError(written+n, len(data))
		}
		if err != nil {
			return ioError("write", err)
		}
		written += n
	}

	return nil
}

func (op *writeOp) response() []byte {
	op.svc.metrics.RecordBytesTransferred("write", uint64(len(op.req.Data)))
	return nil
}

// ============================================================================
// Close
// ============================================================================

type closeOp struct {
	operationBase
}

// doDatabaseWork closes the stream. Once a close has been requested the
// stream is gone either way, so a failing Close is logged and not reported.
func (op *closeOp) doDatabaseWork(stream afero.File) error {
	if err := stream.Close(); err != nil {
		logger.Warn("Failed to close stream", logger.KeyPath, stream.Name(), logger.KeyError, err)
	}
	return nil
}

func (op *closeOp) onSuccess() {
	op.conn.onClose()
}
