// Package codec implements the wire transform applied to outbox payloads:
// serialize, then compress, then encrypt going out, and the exact reverse
// coming in.
//
// Each stage fails with its own error kind so callers can distinguish bad
// data (ErrCorruptData, ErrDecryptFailed) from bad configuration
// (ErrInvalidKeyLength).
package codec
