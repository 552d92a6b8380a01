package binprot

import "encoding/binary"

// Extras layouts used by the commands of this package.
//
//	get response:             flags(4)
//	set/add/replace request:  flags(4) expiration(4)
//	incr/decr request:        delta(8) initial(8) expiration(4)
//	touch/flush request:      expiration(4)
//	incr/decr response value: counter(8)

// StorageExtras builds the extras of a set, add or replace request.
func StorageExtras(flags, expiration uint32) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], flags)
	binary.BigEndian.PutUint32(b[4:8], expiration)
	return b
}

// FlagsExtras builds the extras of a get response.
func FlagsExtras(flags uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, flags)
	return b
}

// ExpirationExtras builds the extras of a touch or flush request.
func ExpirationExtras(expiration uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, expiration)
	return b
}

// CounterExtras builds the extras of an increment or decrement request.
// An expiration of NoAutoCreate fails the request on a missing key instead
// of creating it with initial.
func CounterExtras(delta, initial uint64, expiration uint32) []byte {
	b := make([]byte, 20)
	binary.BigEndian.PutUint64(b[0:8], delta)
	binary.BigEndian.PutUint64(b[8:16], initial)
	binary.BigEndian.PutUint32(b[16:20], expiration)
	return b
}

// ParseFlags reads the client flags from get response extras.
func ParseFlags(extras []byte) (uint32, error) {
	if len(extras) < 4 {
		return 0, &MalformedFrameError{Message: "flags extras shorter than 4 bytes"}
	}
	return binary.BigEndian.Uint32(extras[0:4]), nil
}

// ParseStorageExtras reads flags and expiration from set request extras.
func ParseStorageExtras(extras []byte) (flags, expiration uint32, err error) {
	if len(extras) != 8 {
		return 0, 0, &MalformedFrameError{Message: "storage extras must be 8 bytes"}
	}
	return binary.BigEndian.Uint32(extras[0:4]), binary.BigEndian.Uint32(extras[4:8]), nil
}

// ParseExpirationExtras reads the expiration of a touch or flush request.
// Empty extras mean no expiration.
func ParseExpirationExtras(extras []byte) (uint32, error) {
	switch len(extras) {
	case 0:
		return 0, nil
	case 4:
		return binary.BigEndian.Uint32(extras), nil
	default:
		return 0, &MalformedFrameError{Message: "expiration extras must be 4 bytes"}
	}
}

// ParseCounterExtras reads the extras of an increment or decrement request.
func ParseCounterExtras(extras []byte) (delta, initial uint64, expiration uint32, err error) {
	if len(extras) != 20 {
		return 0, 0, 0, &MalformedFrameError{Message: "counter extras must be 20 bytes"}
	}
	return binary.BigEndian.Uint64(extras[0:8]),
		binary.BigEndian.Uint64(extras[8:16]),
		binary.BigEndian.Uint32(extras[16:20]),
		nil
}

// CounterValue encodes a counter as carried in an incr/decr response value.
func CounterValue(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// ParseCounter decodes the value of an incr/decr response.
func ParseCounter(value []byte) (uint64, error) {
	if len(value) != 8 {
		return 0, &MalformedFrameError{Message: "counter value must be 8 bytes"}
	}
	return binary.BigEndian.Uint64(value), nil
}
