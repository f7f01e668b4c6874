package service

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Crockford base32: no I, L, O or U, so codes survive being read aloud.
const crockfordAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const redemptionCodeLen = 10

// Blake2bCodeDigester implements ports.CodeDigester. Only the keyed digest is
// stored; the plaintext code is shown to the payer once.
type Blake2bCodeDigester struct {
	key []byte
}

// NewBlake2bCodeDigester creates a digester keyed with key (1 to 64 bytes).
func NewBlake2bCodeDigester(key string) (*Blake2bCodeDigester, error) {
	if len(key) == 0 {
		return nil, errors.New("redemption code key is empty")
	}
	if len(key) > blake2b.Size {
		return nil, fmt.Errorf("redemption code key longer than %d bytes", blake2b.Size)
	}
	return &Blake2bCodeDigester{key: []byte(key)}, nil
}

// NewCode draws a fresh code, formatted XXXXX-XXXXX.
func (d *Blake2bCodeDigester) NewCode() (string, string, error) {
	buf := make([]byte, redemptionCodeLen)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generating redemption code: %w", err)
	}

	code := make([]byte, 0, redemptionCodeLen+1)
	for i, b := range buf {
		if i == redemptionCodeLen/2 {
			code = append(code, '-')
		}
		code = append(code, crockfordAlphabet[b&31])
	}

	plain := string(code)
	return plain, d.Digest(plain), nil
}

// Digest returns hex BLAKE2b-256 of the normalized code.
func (d *Blake2bCodeDigester) Digest(code string) string {
	h, err := blake2b.New256(d.key)
	if err != nil {
		// key length is checked in the constructor
		panic(err)
	}
	h.Write([]byte(normalizeCode(code)))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeCode applies Crockford decoding rules: case-insensitive,
// separators ignored, I/L read as 1 and O as 0.
func normalizeCode(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range strings.ToUpper(code) {
		switch r {
		case '-', ' ':
			continue
		case 'I', 'L':
			r = '1'
		case 'O':
			r = '0'
		}
		b.WriteRune(r)
	}
	return b.String()
}
