package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
)

// Chunker splits a stream into fixed-size chunks
type Chunker struct {
	reader    io.Reader
	chunkSize int
	done      bool
}

// NewChunker creates a new chunker reading chunkSize bytes at a time
func NewChunker(reader io.Reader, chunkSize int) *Chunker {
	return &Chunker{
		reader:    reader,
		chunkSize: chunkSize,
	}
}

// Next returns the next chunk. Every chunk is chunkSize bytes except possibly
// the last one. Returns io.EOF once the reader is exhausted; a zero-length
// chunk is never returned.
func (c *Chunker) Next() ([]byte, error) {
	if c.done {
		return nil, io.EOF
	}

	buffer := make([]byte, c.chunkSize)
	n, err := io.ReadFull(c.reader, buffer)

	switch {
	case err == nil:
		return buffer[:n], nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		c.done = true
		if n == 0 {
			return nil, io.EOF
		}
		return buffer[:n], nil
	default:
		return nil, fmt.Errorf("error reading chunk: %w", err)
	}
}

// ComputeHash computes SHA256 hash of data
func ComputeHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// VerifyChunkHash verifies that chunk data matches the expected hash
func VerifyChunkHash(data []byte, expectedHash string) bool {
	return ComputeHash(data) == expectedHash
}

// Verifier checks a chunk delivered in several blocks against its content id.
type Verifier struct {
	expected string
	h        hash.Hash
}

func NewVerifier(expectedHash string) *Verifier {
	return &Verifier{expected: expectedHash, h: sha256.New()}
}

func (v *Verifier) Write(block []byte) {
	v.h.Write(block)
}

// Verify reports whether the bytes written so far hash to the expected id.
func (v *Verifier) Verify() bool {
	return hex.EncodeToString(v.h.Sum(nil)) == v.expected
}
