package weights

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

var ErrDigestMismatch = errors.New("Weights digest mismatch")

// Digest returns the hex encoded BLAKE2b-256 hash of an encoded bundle
func Digest(encoded []byte) string {
	h := blake2b.Sum256(encoded)
	return hex.EncodeToString(h[:])
}

// Verify checks encoded against an expected digest. An empty digest always passes.
func Verify(encoded []byte, want string) error {
	if want == "" {
		return nil
	}
	if got := Digest(encoded); !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: got %v, expected %v", ErrDigestMismatch, got, want)
	}
	return nil
}
