package checkpoint

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Token uniquely names one checkpoint attempt.
type Token uuid.UUID

// NilToken is the zero token.
var NilToken Token

// NewToken returns a random token.
func NewToken() Token {
	return Token(uuid.New())
}

// ParseToken parses the canonical 8-4-4-4-12 form.
func ParseToken(s string) (Token, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilToken, err
	}
	return Token(u), nil
}

// MustParseToken is ParseToken that panics on error.
func MustParseToken(s string) Token {
	return Token(uuid.MustParse(s))
}

func (t Token) String() string {
	return uuid.UUID(t).String()
}

// IsZero reports whether t is the nil token.
func (t Token) IsZero() bool {
	return t == NilToken
}

// halves returns the token as two little-endian int64 values of the
// mixed-endian GUID byte layout: the first three groups are byte swapped.
func (t Token) halves() (int64, int64) {
	b := [16]byte{
		t[3], t[2], t[1], t[0],
		t[5], t[4],
		t[7], t[6],
		t[8], t[9], t[10], t[11], t[12], t[13], t[14], t[15],
	}
	return int64(binary.LittleEndian.Uint64(b[:8])), int64(binary.LittleEndian.Uint64(b[8:]))
}
