// Package token mints and verifies the signed, expiring tokens embedded in
// tracking links.
//
// A token is base64url(data + ":" + hex(HMAC-SHA256(secret, data))) where data
// is the colon-joined, percent-encoded field values followed by a Unix
// millisecond expiry. Every failure mode collapses into ErrInvalid so callers
// (and, through them, clients) cannot tell a bad signature from an expired or
// truncated token.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/mailtrack/internal/pkg/logger"
)

// DefaultTTL is how long a freshly minted token stays valid.
const DefaultTTL = 365 * 24 * time.Hour

const separator = ":"

// ErrInvalid is the only error returned for a token that fails to decode,
// verify or is past its expiry.
var ErrInvalid = errors.New("invalid token")

// Codec signs and verifies tokens with a fixed secret. The secret is read-only
// after construction, so a Codec is safe for concurrent use.
type Codec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// Option customizes a Codec.
type Option func(*Codec)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Codec) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, used by tests to mint expired tokens.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCodec creates a codec using the given secret.
func NewCodec(secret []byte, opts ...Option) *Codec {
	c := &Codec{
		secret: append([]byte(nil), secret...),
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ResolveSecret returns the configured secret, or a random one when none is
// configured. A random secret means every token issued before a restart
// becomes unverifiable, so this is only acceptable outside production.
func ResolveSecret(configured string) []byte {
	if configured != "" {
		return []byte(configured)
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("token: unable to read random secret: " + err.Error())
	}
	logger.Warn("TRACKING_SECRET is not set; generated a random signing secret. "+
		"Tracking, unsubscribe and web-version links issued before a restart will stop working.",
		"component", "token")
	return b
}

// Generate encodes fields into a signed token that expires after the codec TTL.
func (c *Codec) Generate(fields ...string) string {
	parts := make([]string, 0, len(fields)+1)
	for _, f := range fields {
		parts = append(parts, url.QueryEscape(f))
	}
	expiry := c.now().Add(c.ttl).UnixMilli()
	parts = append(parts, strconv.FormatInt(expiry, 10))

	data := strings.Join(parts, separator)
	raw := data + separator + c.sign(data)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode splits a token into its data and hex signature without verifying it.
func (c *Codec) Decode(tok string) (data, sig string, err error) {
	tok = strings.TrimRight(strings.TrimSpace(tok), "=")
	if tok == "" {
		return "", "", ErrInvalid
	}
	raw, decErr := base64.RawURLEncoding.DecodeString(tok)
	if decErr != nil {
		return "", "", ErrInvalid
	}
	s := string(raw)
	idx := strings.LastIndex(s, separator)
	if idx <= 0 || idx == len(s)-1 {
		return "", "", ErrInvalid
	}
	return s[:idx], s[idx+1:], nil
}

// Validate verifies the signature and expiry and returns the signed data,
// still colon-joined and percent-encoded.
func (c *Codec) Validate(tok string) (string, error) {
	data, sig, err := c.Decode(tok)
	if err != nil {
		return "", ErrInvalid
	}
	expected := c.sign(data)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return "", ErrInvalid
	}

	idx := strings.LastIndex(data, separator)
	expiryField := data
	if idx >= 0 {
		expiryField = data[idx+1:]
	}
	expiry, err := strconv.ParseInt(expiryField, 10, 64)
	if err != nil {
		return "", ErrInvalid
	}
	if c.now().UnixMilli() > expiry {
		return "", ErrInvalid
	}
	return data, nil
}

// Fields validates the token and returns the decoded semantic fields with the
// expiry removed.
func (c *Codec) Fields(tok string) ([]string, error) {
	data, err := c.Validate(tok)
	if err != nil {
		return nil, err
	}
	raw := strings.Split(data, separator)
	fields := make([]string, 0, len(raw)-1)
	for _, p := range raw[:len(raw)-1] {
		v, err := url.QueryUnescape(p)
		if err != nil {
			return nil, ErrInvalid
		}
		fields = append(fields, v)
	}
	return fields, nil
}

func (c *Codec) sign(data string) string {
	h := hmac.New(sha256.New, c.secret)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}
