package binprot

// Frame is one encoded protocol message, request or response.
// It is a plain data container; Encode and Decode give it a wire shape.
//
// Bytes 6-7 of the header carry the vbucket id in requests and the status in
// responses, so only one of VBucket and Status may be set for a given Magic;
// Encode rejects the other, and a non-raw DataType. Empty segments are
// represented by nil slices.
type Frame struct {
	Magic    Magic
	Opcode   Opcode
	DataType uint8

	// VBucket is only encoded for requests. Always 0 against memcached.
	VBucket uint16

	// Status is only encoded for responses.
	Status Status

	// Opaque is copied back by the server unchanged.
	Opaque uint32

	// CAS is the item version: returned on reads and writes, compared on
	// writes when non-zero.
	CAS uint64

	Extras []byte
	Key    []byte
	Value  []byte
}

// NewRequest builds a request frame. key may be empty for commands that take
// no key (noop, version, flush).
func NewRequest(op Opcode, key string, value []byte, extras []byte) *Frame {
	f := &Frame{
		Magic:  MagicRequest,
		Opcode: op,
		Extras: extras,
		Value:  value,
	}
	if key != "" {
		f.Key = []byte(key)
	}
	return f
}

// NewResponse builds a response frame answering req.
func NewResponse(req *Frame, status Status) *Frame {
	return &Frame{
		Magic:  MagicResponse,
		Opcode: req.Opcode,
		Status: status,
		Opaque: req.Opaque,
	}
}

// IsRequest reports whether the frame carries the request magic.
func (f *Frame) IsRequest() bool {
	return f.Magic == MagicRequest
}

// IsResponse reports whether the frame carries the response magic.
func (f *Frame) IsResponse() bool {
	return f.Magic == MagicResponse
}

// BodyLength is the total body length field: extras + key + value.
func (f *Frame) BodyLength() uint32 {
	return uint32(len(f.Extras)) + uint32(len(f.Key)) + uint32(len(f.Value))
}

// Size is the number of bytes the frame occupies on the wire.
func (f *Frame) Size() int {
	return HeaderLength + int(f.BodyLength())
}

// header is the decoded form of the fixed 24 bytes.
type header struct {
	magic        Magic
	opcode       Opcode
	keyLength    uint16
	extrasLength uint8
	dataType     uint8
	vbOrStatus   uint16
	bodyLength   uint32
	opaque       uint32
	cas          uint64
}
