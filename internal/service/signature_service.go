package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// HMACSignatureService implements ports.SignatureService using HMAC-SHA256.
// Both the card network and the payout gateway sign webhooks this way.
type HMACSignatureService struct{}

// NewHMACSignatureService creates a new HMAC-SHA256 signature service.
func NewHMACSignatureService() *HMACSignatureService {
	return &HMACSignatureService{}
}

// Sign returns lowercase hex HMAC-SHA256(secret, payload).
func (s *HMACSignatureService) Sign(secret string, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares in constant time.
func (s *HMACSignatureService) Verify(secret string, payload string, signature string) bool {
	expected := s.Sign(secret, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// BuildCanonicalString is "<unix timestamp>.<raw body>".
func (s *HMACSignatureService) BuildCanonicalString(timestamp int64, body string) string {
	return strconv.FormatInt(timestamp, 10) + "." + body
}
