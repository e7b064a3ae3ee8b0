package protocol

import (
	"fmt"

	"github.com/itohio/gofilament/pkg/fixedpoint"
)

// ValueReply encodes a successful value reply.
func ValueReply(w fixedpoint.Word) []byte {
	return w.Bytes()
}

// StatusReply encodes a status reply.
func StatusReply(c Code) []byte {
	return []byte{byte(c)}
}

// ErrorReply encodes err as a status reply.
func ErrorReply(err error) []byte {
	return StatusReply(CodeOf(err))
}

// DecodeValueReply parses the reply to a command that returns a value. A
// single-byte reply is a status; it is returned as a Code error.
func DecodeValueReply(reply []byte) (fixedpoint.Word, error) {
	switch len(reply) {
	case fixedpoint.Size:
		return fixedpoint.FromBytes(reply)
	case 1:
		c := Code(reply[0])
		if c == OK {
			return 0, fmt.Errorf("%w: status ok where a value was expected", ErrBadReply)
		}
		return 0, c
	default:
		return 0, fmt.Errorf("%w: %d bytes", ErrBadReply, len(reply))
	}
}

// DecodeAckReply parses the reply to a command that returns only a status.
func DecodeAckReply(reply []byte) error {
	if len(reply) != 1 {
		return fmt.Errorf("%w: %d bytes", ErrBadReply, len(reply))
	}
	if c := Code(reply[0]); c != OK {
		return c
	}
	return nil
}
