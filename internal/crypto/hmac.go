package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Request signature headers.
const (
	HeaderTimestamp = "X-Betledger-Timestamp"
	HeaderSignature = "X-Betledger-Signature"
)

var (
	ErrSignatureMissing = errors.New("crypto: missing request signature")
	ErrSignatureExpired = errors.New("crypto: request signature expired")
	ErrSignatureInvalid = errors.New("crypto: invalid request signature")
)

// RequestSigner signs and verifies HMAC-SHA256 request signatures over
// timestamp+method+path+body. The match watcher signs settlement calls with
// it.
type RequestSigner struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewRequestSigner creates a signer. Signatures older (or further in the
// future) than maxAge are rejected.
func NewRequestSigner(secret string, maxAge time.Duration) *RequestSigner {
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &RequestSigner{secret: []byte(secret), maxAge: maxAge, now: time.Now}
}

// Headers returns the signature headers for a request made now.
func (s *RequestSigner) Headers(method, path string, body []byte) map[string]string {
	return s.HeadersAt(method, path, body, s.now().Unix())
}

// HeadersAt is Headers with an explicit unix timestamp.
func (s *RequestSigner) HeadersAt(method, path string, body []byte, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderTimestamp: ts,
		HeaderSignature: s.sign(ts, method, path, body),
	}
}

// Verify checks a signature produced by Headers.
func (s *RequestSigner) Verify(method, path string, body []byte, timestamp, signature string) error {
	if timestamp == "" || signature == "" {
		return ErrSignatureMissing
	}
	unixTS, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrSignatureInvalid)
	}
	age := s.now().Sub(time.Unix(unixTS, 0))
	if age > s.maxAge || age < -s.maxAge {
		return ErrSignatureExpired
	}
	want := s.sign(timestamp, method, path, body)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrSignatureInvalid
	}
	return nil
}

func (s *RequestSigner) sign(ts, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(ts + method + path))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
