package binprot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/droot/bmemcache/internal/bufpool"
)

// Frames are usually small: a header, a short key and a value of a few
// hundred bytes.
var bufferPool = bufpool.New(512)

func putHeader(dst []byte, f *Frame) {
	dst[0] = byte(f.Magic)
	dst[1] = byte(f.Opcode)
	binary.BigEndian.PutUint16(dst[2:4], uint16(len(f.Key)))
	dst[4] = uint8(len(f.Extras))
	dst[5] = f.DataType
	if f.Magic == MagicResponse {
		binary.BigEndian.PutUint16(dst[6:8], uint16(f.Status))
	} else {
		binary.BigEndian.PutUint16(dst[6:8], f.VBucket)
	}
	binary.BigEndian.PutUint32(dst[8:12], f.BodyLength())
	binary.BigEndian.PutUint32(dst[12:16], f.Opaque)
	binary.BigEndian.PutUint64(dst[16:24], f.CAS)
}

func parseHeader(src []byte) header {
	return header{
		magic:        Magic(src[0]),
		opcode:       Opcode(src[1]),
		keyLength:    binary.BigEndian.Uint16(src[2:4]),
		extrasLength: src[4],
		dataType:     src[5],
		vbOrStatus:   binary.BigEndian.Uint16(src[6:8]),
		bodyLength:   binary.BigEndian.Uint32(src[8:12]),
		opaque:       binary.BigEndian.Uint32(src[12:16]),
		cas:          binary.BigEndian.Uint64(src[16:24]),
	}
}

// validate checks the header against the protocol and the body limit.
// maxBody of 0 disables the limit.
func (h *header) validate(maxBody uint32) error {
	if h.magic != MagicRequest && h.magic != MagicResponse {
		return &MalformedFrameError{Message: fmt.Sprintf("invalid magic: 0x%02x", byte(h.magic))}
	}
	if h.dataType != DataTypeRaw {
		return &MalformedFrameError{Message: fmt.Sprintf("invalid data type: 0x%02x", h.dataType)}
	}
	if uint32(h.extrasLength)+uint32(h.keyLength) > h.bodyLength {
		return &MalformedFrameError{Message: "extras and key exceed total body length"}
	}
	if h.keyLength > MaxKeyLength {
		return &MalformedFrameError{Message: "key length exceeds 250 bytes"}
	}
	if maxBody > 0 && h.bodyLength > maxBody {
		return &MalformedFrameError{Message: "body length exceeds limit"}
	}
	return nil
}

// frame splits body into the segments declared by the header.
func (h *header) frame(body []byte) *Frame {
	f := &Frame{
		Magic:    h.magic,
		Opcode:   h.opcode,
		DataType: h.dataType,
		Opaque:   h.opaque,
		CAS:      h.cas,
	}
	if h.magic == MagicResponse {
		f.Status = Status(h.vbOrStatus)
	} else {
		f.VBucket = h.vbOrStatus
	}

	s := uint32(0)
	if h.extrasLength > 0 {
		f.Extras = body[:h.extrasLength:h.extrasLength]
		s += uint32(h.extrasLength)
	}
	if h.keyLength > 0 {
		end := s + uint32(h.keyLength)
		f.Key = body[s:end:end]
		s = end
	}
	if s < h.bodyLength {
		f.Value = body[s:h.bodyLength:h.bodyLength]
	}
	return f
}

func checkEncodable(f *Frame) error {
	if f.Magic != MagicRequest && f.Magic != MagicResponse {
		return &MalformedFrameError{Message: fmt.Sprintf("invalid magic: 0x%02x", byte(f.Magic))}
	}
	if len(f.Key) > MaxKeyLength {
		return &InvalidKeyError{Message: "key exceeds maximum length of 250 bytes"}
	}
	if len(f.Extras) > MaxExtrasLength {
		return &MalformedFrameError{Message: "extras exceed 255 bytes"}
	}
	if f.DataType != DataTypeRaw {
		return &MalformedFrameError{Message: fmt.Sprintf("invalid data type: 0x%02x", f.DataType)}
	}
	// bytes 6-7 hold one of the two, the other would be lost on the wire
	if f.Magic == MagicRequest && f.Status != StatusNoError {
		return &MalformedFrameError{Message: "status set on a request"}
	}
	if f.Magic == MagicResponse && f.VBucket != 0 {
		return &MalformedFrameError{Message: "vbucket set on a response"}
	}
	return nil
}

// AppendFrame appends the wire form of f to dst.
func AppendFrame(dst []byte, f *Frame) ([]byte, error) {
	if err := checkEncodable(f); err != nil {
		return dst, err
	}

	var hdr [HeaderLength]byte
	putHeader(hdr[:], f)

	dst = append(dst, hdr[:]...)
	dst = append(dst, f.Extras...)
	dst = append(dst, f.Key...)
	dst = append(dst, f.Value...)
	return dst, nil
}

// Encode returns the wire form of f. The output depends only on f.
func Encode(f *Frame) ([]byte, error) {
	if err := checkEncodable(f); err != nil {
		return nil, err
	}
	return AppendFrame(make([]byte, 0, f.Size()), f)
}

// Decode parses one frame from the start of b and returns it with the number
// of bytes consumed. Segments of the returned frame are copies; b may be
// reused by the caller.
//
// maxBody bounds the declared body length, 0 disables the check.
func Decode(b []byte, maxBody uint32) (*Frame, int, error) {
	if len(b) < HeaderLength {
		return nil, 0, &MalformedFrameError{Message: "short header", Err: io.ErrUnexpectedEOF}
	}

	h := parseHeader(b[:HeaderLength])
	if err := h.validate(maxBody); err != nil {
		return nil, 0, err
	}

	total := HeaderLength + int(h.bodyLength)
	if len(b) < total {
		return nil, 0, &MalformedFrameError{Message: "declared body length exceeds buffer", Err: io.ErrUnexpectedEOF}
	}

	var body []byte
	if h.bodyLength > 0 {
		body = make([]byte, h.bodyLength)
		copy(body, b[HeaderLength:total])
	}
	return h.frame(body), total, nil
}

// WriteFrame serializes f and writes it to w.
//
// A *bufio.Writer gets the segments written directly and is flushed before
// returning. Other writers receive the whole frame in a single Write.
//
// Encoding problems are returned before anything is written. Write failures
// are returned as *ConnectionError.
func WriteFrame(w io.Writer, f *Frame) error {
	if err := checkEncodable(f); err != nil {
		return err
	}

	if bw, ok := w.(*bufio.Writer); ok {
		return writeFrameBuffered(bw, f)
	}

	return writeFrameUnbuffered(w, f)
}

func writeFrameBuffered(bw *bufio.Writer, f *Frame) error {
	var hdr [HeaderLength]byte
	putHeader(hdr[:], f)

	bw.Write(hdr[:])
	bw.Write(f.Extras)
	bw.Write(f.Key)
	bw.Write(f.Value)

	// bufio.Writer keeps the first error and returns it from Flush
	if err := bw.Flush(); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}

func writeFrameUnbuffered(w io.Writer, f *Frame) error {
	buf := bufferPool.Get()
	defer bufferPool.Put(buf)

	var hdr [HeaderLength]byte
	putHeader(hdr[:], f)

	buf.Write(hdr[:])
	buf.Write(f.Extras)
	buf.Write(f.Key)
	buf.Write(f.Value)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}

// ReadFrame reads exactly one frame from r. It blocks until the whole frame
// arrived or r fails.
//
// maxBody bounds the declared body length, 0 disables the check.
//
// I/O failures, including a stream that ends in the middle of a frame, are
// returned as *ConnectionError. Headers that can not start a valid frame are
// returned as *MalformedFrameError.
func ReadFrame(r io.Reader, maxBody uint32) (*Frame, error) {
	var hdr [HeaderLength]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, &ConnectionError{Op: "read", Err: err}
	}

	h := parseHeader(hdr[:])
	if err := h.validate(maxBody); err != nil {
		return nil, err
	}

	var body []byte
	if h.bodyLength > 0 {
		body = make([]byte, h.bodyLength)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, &ConnectionError{Op: "read", Err: err}
		}
	}

	return h.frame(body), nil
}
