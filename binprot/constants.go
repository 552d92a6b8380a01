package binprot

import "fmt"

// Magic identifies the direction of a frame.
type Magic uint8

const (
	MagicRequest  Magic = 0x80
	MagicResponse Magic = 0x81
)

// Opcode is the command carried by a frame.
type Opcode uint8

// Opcodes of the binary protocol used by this package. Quiet variants other
// than GetQ/GetKQ are not listed since the client never pipelines.
const (
	OpGet       Opcode = 0x00
	OpSet       Opcode = 0x01
	OpAdd       Opcode = 0x02
	OpReplace   Opcode = 0x03
	OpDelete    Opcode = 0x04
	OpIncrement Opcode = 0x05
	OpDecrement Opcode = 0x06
	OpQuit      Opcode = 0x07
	OpFlush     Opcode = 0x08
	OpGetQ      Opcode = 0x09
	OpNoOp      Opcode = 0x0a
	OpVersion   Opcode = 0x0b
	OpGetK      Opcode = 0x0c
	OpGetKQ     Opcode = 0x0d
	OpAppend    Opcode = 0x0e
	OpPrepend   Opcode = 0x0f
	OpTouch     Opcode = 0x1c
)

var opcodeNames = map[Opcode]string{
	OpGet:       "GET",
	OpSet:       "SET",
	OpAdd:       "ADD",
	OpReplace:   "REPLACE",
	OpDelete:    "DELETE",
	OpIncrement: "INCREMENT",
	OpDecrement: "DECREMENT",
	OpQuit:      "QUIT",
	OpFlush:     "FLUSH",
	OpGetQ:      "GETQ",
	OpNoOp:      "NOOP",
	OpVersion:   "VERSION",
	OpGetK:      "GETK",
	OpGetKQ:     "GETKQ",
	OpAppend:    "APPEND",
	OpPrepend:   "PREPEND",
	OpTouch:     "TOUCH",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("OPCODE(0x%02x)", uint8(o))
}

// Status is the response status carried in bytes 6-7 of a response header.
type Status uint16

const (
	StatusNoError          Status = 0x0000
	StatusKeyNotFound      Status = 0x0001
	StatusKeyExists        Status = 0x0002
	StatusValueTooLarge    Status = 0x0003
	StatusInvalidArguments Status = 0x0004
	StatusItemNotStored    Status = 0x0005
	StatusNonNumericValue  Status = 0x0006
	StatusUnknownCommand   Status = 0x0081
	StatusOutOfMemory      Status = 0x0082
	StatusNotSupported     Status = 0x0083
	StatusInternalError    Status = 0x0084
	StatusBusy             Status = 0x0085
	StatusTemporaryFailure Status = 0x0086
)

var statusNames = map[Status]string{
	StatusNoError:          "no error",
	StatusKeyNotFound:      "key not found",
	StatusKeyExists:        "key exists",
	StatusValueTooLarge:    "value too large",
	StatusInvalidArguments: "invalid arguments",
	StatusItemNotStored:    "item not stored",
	StatusNonNumericValue:  "incr/decr on non-numeric value",
	StatusUnknownCommand:   "unknown command",
	StatusOutOfMemory:      "out of memory",
	StatusNotSupported:     "not supported",
	StatusInternalError:    "internal error",
	StatusBusy:             "busy",
	StatusTemporaryFailure: "temporary failure",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status 0x%04x", uint16(s))
}

// Protocol limits
const (
	// HeaderLength is the fixed size of every request and response header.
	HeaderLength = 24

	// MinKeyLength and MaxKeyLength bound the key segment.
	MinKeyLength = 1
	MaxKeyLength = 250

	// MaxExtrasLength is bounded by the 1-byte extras length field.
	MaxExtrasLength = 255

	// DefaultMaxBodyLength bounds the body of a frame accepted by ReadFrame and
	// Decode when the caller has no tighter limit: the stock 1MB item size plus
	// room for extras and key.
	DefaultMaxBodyLength = 1024*1024 + MaxExtrasLength + MaxKeyLength

	// DataTypeRaw is the only data type defined by the protocol.
	DataTypeRaw uint8 = 0x00

	// NoAutoCreate used as the expiration of a counter request makes the
	// server fail with KeyNotFound instead of creating the item.
	NoAutoCreate uint32 = 0xffffffff
)
