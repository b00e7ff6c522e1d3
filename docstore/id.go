package docstore

import (
	"crypto/rand"
	"fmt"
	"io"
)

// NewDocumentID generates a random UUIDv4 string used for store-generated
// document ids and gateway session ids.
func NewDocumentID() string {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	// Variant bits; see section 4.1.1
	b[8] = b[8]&0x3f | 0x80
	// Version 4 (random)
	b[6] = b[6]&0x0f | 0x40
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}
