package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"policy-llm/backend/internal/decision"
)

// Signer produces HMAC-SHA256 tags over canonical decision records.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// New returns a Signer for secret. An empty secret is a configuration error.
func New(secret string) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrEmptySecret
	}
	return &Signer{secret: []byte(secret), now: time.Now}, nil
}

// Sign tags record with the current time.
func (s *Signer) Sign(record any) (decision.Signature, error) {
	return s.SignAt(record, s.now())
}

// SignAt tags record with the given signing time.
// signature = hex(HMAC-SHA256(secret, canonical(record) + "|" + unixSeconds)).
func (s *Signer) SignAt(record any, at time.Time) (decision.Signature, error) {
	payload, err := Canonicalize(record)
	if err != nil {
		return decision.Signature{}, err
	}
	ts := strconv.FormatInt(at.Unix(), 10)
	return decision.Signature{
		Signature: hex.EncodeToString(s.mac(payload, ts)),
		Timestamp: ts,
	}, nil
}

// Verify recomputes the tag for record and compares it in constant time.
func (s *Signer) Verify(record any, sig decision.Signature) (bool, error) {
	if _, err := strconv.ParseInt(sig.Timestamp, 10, 64); err != nil {
		return false, ErrInvalidTimestamp
	}
	payload, err := Canonicalize(record)
	if err != nil {
		return false, err
	}
	given, err := hex.DecodeString(sig.Signature)
	if err != nil {
		return false, nil
	}
	return hmac.Equal(given, s.mac(payload, sig.Timestamp)), nil
}

func (s *Signer) mac(payload []byte, ts string) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write(payload)
	h.Write([]byte("|"))
	h.Write([]byte(ts))
	return h.Sum(nil)
}
