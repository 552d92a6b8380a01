package memcache

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/pkg/errors"
)

// Type tags stored in the item flags. The layout is shared with the python
// binary memcached clients so values written by either side stay readable.
const (
	FlagObject     uint32 = 1 << 0
	FlagInteger    uint32 = 1 << 1
	FlagLong       uint32 = 1 << 2
	FlagCompressed uint32 = 1 << 3
	FlagBinary     uint32 = 1 << 4
)

// Kind is the type of a stored value.
type Kind uint8

const (
	KindString Kind = iota
	KindInt
	KindBytes
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindBytes:
		return "bytes"
	case KindObject:
		return "object"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a stored payload together with its type. The zero Value is the
// empty string.
type Value struct {
	kind Kind
	data []byte
}

func StringValue(s string) Value {
	return Value{kind: KindString, data: []byte(s)}
}

func IntValue(i int64) Value {
	return Value{kind: KindInt, data: strconv.AppendInt(nil, i, 10)}
}

func BytesValue(b []byte) Value {
	return Value{kind: KindBytes, data: bytes.Clone(b)}
}

// ObjectValue stores v as JSON.
func ObjectValue(v any) (Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Value{}, errors.Wrap(err, "memcache: encode object")
	}
	return Value{kind: KindObject, data: data}, nil
}

// ValueOf converts a Go value to a Value. Strings, integers and byte slices
// keep their type; anything else is stored as a JSON object.
func ValueOf(v any) (Value, error) {
	switch x := v.(type) {
	case Value:
		return x, nil
	case string:
		return StringValue(x), nil
	case []byte:
		return BytesValue(x), nil
	case int:
		return IntValue(int64(x)), nil
	case int8:
		return IntValue(int64(x)), nil
	case int16:
		return IntValue(int64(x)), nil
	case int32:
		return IntValue(int64(x)), nil
	case int64:
		return IntValue(x), nil
	case uint:
		return uintValue(uint64(x))
	case uint8:
		return IntValue(int64(x)), nil
	case uint16:
		return IntValue(int64(x)), nil
	case uint32:
		return IntValue(int64(x)), nil
	case uint64:
		return uintValue(x)
	}
	return ObjectValue(v)
}

func uintValue(u uint64) (Value, error) {
	if u > math.MaxInt64 {
		return Value{}, errors.Errorf("memcache: integer %d overflows int64", u)
	}
	return IntValue(int64(u)), nil
}

func (v Value) Kind() Kind {
	return v.kind
}

// Bytes returns the raw payload, whatever the kind.
func (v Value) Bytes() []byte {
	return v.data
}

// AsString returns the value of a KindString value.
func (v Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", errors.Errorf("memcache: value is %s, not string", v.kind)
	}
	return string(v.data), nil
}

// AsInt returns the value of a KindInt value.
func (v Value) AsInt() (int64, error) {
	if v.kind != KindInt {
		return 0, errors.Errorf("memcache: value is %s, not int", v.kind)
	}
	i, err := strconv.ParseInt(string(v.data), 10, 64)
	if err != nil {
		return 0, errors.Wrap(ErrNonNumeric, err.Error())
	}
	return i, nil
}

// Decode unmarshals a KindObject value into dst.
func (v Value) Decode(dst any) error {
	if v.kind != KindObject {
		return errors.Errorf("memcache: value is %s, not object", v.kind)
	}
	return errors.Wrap(json.Unmarshal(v.data, dst), "memcache: decode object")
}

// Interface returns the value as the Go type it was stored from: string,
// int64, []byte, or the generic JSON decoding of an object.
func (v Value) Interface() (any, error) {
	switch v.kind {
	case KindString:
		return string(v.data), nil
	case KindInt:
		return v.AsInt()
	case KindBytes:
		return v.data, nil
	case KindObject:
		var out any
		if err := v.Decode(&out); err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, errors.Errorf("memcache: unknown value kind %d", v.kind)
}

// String implements fmt.Stringer for logs and test output.
func (v Value) String() string {
	if v.kind == KindBytes {
		return fmt.Sprintf("%s(%x)", v.kind, v.data)
	}
	return fmt.Sprintf("%s(%s)", v.kind, v.data)
}

func (v Value) flags() uint32 {
	switch v.kind {
	case KindInt:
		return FlagInteger
	case KindBytes:
		return FlagBinary
	case KindObject:
		return FlagObject
	}
	return 0
}

// encodeValue returns the wire payload and flags of v. Payloads of at least
// compressThreshold bytes are compressed when that makes them smaller; a
// threshold of 0 disables compression.
func encodeValue(v Value, compressThreshold int) ([]byte, uint32, error) {
	payload, flags := v.data, v.flags()

	if compressThreshold > 0 && len(payload) >= compressThreshold {
		compressed, err := compress(payload)
		if err != nil {
			return nil, 0, err
		}
		if len(compressed) < len(payload) {
			payload = compressed
			flags |= FlagCompressed
		}
	}

	return payload, flags, nil
}

// decodeValue is the inverse of encodeValue. Unknown flag bits are kept as
// raw bytes. A compressed payload may not expand beyond maxSize bytes.
func decodeValue(payload []byte, flags uint32, maxSize int) (Value, error) {
	if flags&FlagCompressed != 0 {
		var err error
		payload, err = decompress(payload, maxSize)
		if err != nil {
			return Value{}, err
		}
		flags &^= FlagCompressed
	}

	switch {
	case flags == 0:
		return Value{kind: KindString, data: payload}, nil
	case flags&FlagObject != 0:
		return Value{kind: KindObject, data: payload}, nil
	case flags&(FlagInteger|FlagLong) != 0:
		v := Value{kind: KindInt, data: payload}
		if _, err := v.AsInt(); err != nil {
			return Value{}, err
		}
		return v, nil
	}
	return Value{kind: KindBytes, data: payload}, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, errors.Wrap(err, "memcache: compress")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "memcache: compress")
	}
	return buf.Bytes(), nil
}

func decompress(data []byte, maxSize int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "memcache: decompress")
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, int64(maxSize)+1))
	if err != nil {
		return nil, errors.Wrap(err, "memcache: decompress")
	}
	if len(out) > maxSize {
		return nil, errors.Wrapf(ErrValueTooLarge, "decompressed value exceeds %d bytes", maxSize)
	}
	return out, nil
}
