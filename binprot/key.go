package binprot

// ValidateKey checks if a key is valid for the memcache protocol.
// Keys must be 1-250 bytes. The binary protocol carries the key length in
// the header, so any byte, including spaces and control bytes, is allowed.
func ValidateKey(key string) error {
	if len(key) < MinKeyLength {
		return &InvalidKeyError{Message: "key is empty"}
	}

	if len(key) > MaxKeyLength {
		return &InvalidKeyError{Message: "key exceeds maximum length of 250 bytes"}
	}

	return nil
}
