// Package sign implements the provider's HMAC-SHA256 request signing
// scheme: Sign = hex(HMAC-SHA256(appId + timestamp + body, appSecret)),
// where the body is omitted from the sign text when empty.
package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

type Signer struct {
	appID  string
	secret []byte
}

func New(appID, appSecret string) *Signer {
	return &Signer{appID: appID, secret: []byte(appSecret)}
}

func (s *Signer) AppID() string {
	return s.appID
}

// Sign computes the lowercase-hex signature for an outbound request.
func (s *Signer) Sign(timestamp int64, body []byte) string {
	return s.digest(s.appID, timestamp, body)
}

// Verify checks an inbound webhook signature against the raw request body.
// The caller is responsible for validating that appID matches the
// configured application id and that timestamp is within the replay
// window; this only answers whether the signature matches the bytes.
// Comparison is constant-time, and a signature of the wrong length is
// simply a mismatch.
func (s *Signer) Verify(rawBody []byte, signature string, appID string, timestamp int64) bool {
	expected := s.digest(appID, timestamp, rawBody)
	return hmac.Equal([]byte(signature), []byte(expected))
}

func (s *Signer) digest(appID string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(appID))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	if len(body) > 0 {
		mac.Write(body)
	}
	return hex.EncodeToString(mac.Sum(nil))
}
