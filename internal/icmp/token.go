package icmp

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// TokenSize is the number of echo data bytes occupied by a Token.
const TokenSize = 8

// Token identifies one in-flight probe. It is embedded verbatim at the start
// of the echo data and echoed back by the remote host.
type Token [TokenSize]byte

// NewToken returns a random token.
func NewToken() (Token, error) {
	var t Token
	if _, err := rand.Read(t[:]); err != nil {
		return t, fmt.Errorf("generate token: %w", err)
	}
	return t, nil
}

// TokenFromBytes extracts a token from the prefix of b.
// It reports false if b is shorter than TokenSize.
func TokenFromBytes(b []byte) (Token, bool) {
	var t Token
	if len(b) < TokenSize {
		return t, false
	}
	copy(t[:], b[:TokenSize])
	return t, true
}

// String returns the token in hex.
func (t Token) String() string {
	return hex.EncodeToString(t[:])
}
