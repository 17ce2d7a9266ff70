package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// keySize is the AES-256 key length in bytes.
const keySize = 32

var (
	// ErrInvalidKeyLength reports key material that cannot initialize the
	// cipher. This is a configuration error and must be fatal at startup.
	ErrInvalidKeyLength = errors.New("encryption key must be 32 bytes (64 hex characters)")

	// ErrDecryptFailed reports ciphertext that could not be authenticated or
	// decrypted. Retrying the same bytes cannot succeed.
	ErrDecryptFailed = errors.New("payload decryption failed")

	// ErrCorruptData reports a payload that decrypted but could not be
	// decompressed or deserialized.
	ErrCorruptData = errors.New("payload is corrupt")

	// ErrPipelineRequired is returned when a method is called on a nil pipeline.
	ErrPipelineRequired = errors.New("codec pipeline is required")
)

// Serialize produces the deterministic UTF-8 JSON byte encoding of v.
//
// Cyclic values cannot be marshaled; the error propagates so the caller's
// unit of work fails instead of silently dropping the event.
func Serialize(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serializing payload: %w", err)
	}

	return data, nil
}

// Deserialize decodes JSON bytes into out.
func Deserialize(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: deserializing payload: %w", ErrCorruptData, err)
	}

	return nil
}

// Pipeline applies compress-then-encrypt going out and the reverse coming
// in. It is stateless after construction and safe for concurrent use.
type Pipeline struct {
	aead cipher.AEAD
}

// NewPipeline builds a pipeline from a hex-encoded 256-bit key.
// The key material is never retained beyond cipher initialization.
func NewPipeline(hexKey string) (*Pipeline, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKeyLength, err)
	}

	return NewPipelineFromKey(key)
}

// NewPipelineFromKey builds a pipeline from raw 32-byte key material.
func NewPipelineFromKey(key []byte) (*Pipeline, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeyLength, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKeyLength, err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("initializing GCM: %w", err)
	}

	return &Pipeline{aead: aead}, nil
}

// Encode compresses then encrypts plaintext. A fresh random nonce is
// generated per message and prepended to the ciphertext, so the output is
// self-contained for Decode.
func (pipeline *Pipeline) Encode(plaintext []byte) ([]byte, error) {
	if pipeline == nil || pipeline.aead == nil {
		return nil, ErrPipelineRequired
	}

	compressed, err := Compress(plaintext)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, pipeline.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return pipeline.aead.Seal(nonce, nonce, compressed, nil), nil
}

// Decode decrypts then decompresses data produced by Encode. The nonce is
// read from the leading bytes before the remainder is authenticated.
func (pipeline *Pipeline) Decode(data []byte) ([]byte, error) {
	if pipeline == nil || pipeline.aead == nil {
		return nil, ErrPipelineRequired
	}

	nonceSize := pipeline.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptFailed)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]

	compressed, err := pipeline.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptFailed, err)
	}

	return Decompress(compressed)
}

// Compress applies DEFLATE at the ratio-favoring setting.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("initializing compressor: %w", err)
	}

	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("compressing payload: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("flushing compressor: %w", err)
	}

	return buf.Bytes(), nil
}

// Decompress reverses Compress with no framing loss.
func Decompress(data []byte) ([]byte, error) {
	reader := flate.NewReader(bytes.NewReader(data))
	defer reader.Close()

	plain, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing payload: %w", ErrCorruptData, err)
	}

	return plain, nil
}
