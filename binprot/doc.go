// Package binprot provides a low-level wire protocol implementation for the
// memcached binary protocol.
//
// The package is the codec layer of the client: it knows how frames look on
// the wire and nothing else. Connection management, pooling and retries live
// in the parent package.
//
// # Frame layout
//
// Every request and response starts with a fixed 24-byte header, followed by
// the extras, key and value segments. All numeric fields are big-endian.
//
//	Byte/     0       |       1       |       2       |       3       |
//	   /              |               |               |               |
//	  |0 1 2 3 4 5 6 7|0 1 2 3 4 5 6 7|0 1 2 3 4 5 6 7|0 1 2 3 4 5 6 7|
//	  +---------------+---------------+---------------+---------------+
//	 0| Magic         | Opcode        | Key length                    |
//	  +---------------+---------------+---------------+---------------+
//	 4| Extras length | Data type     | vbucket id / Status           |
//	  +---------------+---------------+---------------+---------------+
//	 8| Total body length                                             |
//	  +---------------+---------------+---------------+---------------+
//	12| Opaque                                                        |
//	  +---------------+---------------+---------------+---------------+
//	16| CAS                                                           |
//	  |                                                               |
//	  +---------------+---------------+---------------+---------------+
//
// The total body length covers extras, key and value, so the value length is
// derived: body - extras - key.
//
// # Serialization and Parsing
//
// WriteFrame serializes a frame:
//
//	req := binprot.NewRequest(binprot.OpGet, "mykey", nil, nil)
//	err := binprot.WriteFrame(w, req)
//
// ReadFrame parses exactly one frame from a stream:
//
//	resp, err := binprot.ReadFrame(r, binprot.DefaultMaxBodyLength)
//	if err != nil {
//	    if binprot.ShouldCloseConnection(err) {
//	        conn.Close()
//	    }
//	    return err
//	}
//
// Encode and Decode are the buffer-oriented equivalents and satisfy
// Decode(Encode(f)) == f for every valid frame.
//
// # Error Handling
//
//   - MalformedFrameError: the byte stream is not a valid frame, CLOSE connection
//   - ConnectionError: network/I/O error, connection already broken
//   - InvalidKeyError: rejected before anything was written, connection is fine
package binprot
