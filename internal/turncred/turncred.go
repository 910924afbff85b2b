package turncred

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// This package implements coturn-compatible TURN REST credentials.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm:
//
//	username   = <unix_expiry_timestamp>:<user_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed with the server clock in UTC:
//
//	unix_expiry_timestamp = now_utc_unix + ttl_seconds
//
// The credential is valid for any advertised relay URL (TCP and UDP variants
// alike); transport selection happens at ICE time, not at issuance.

// ErrNoSharedSecret is returned when no shared secret is configured. The
// issuer refuses to mint credentials rather than emit something the relay
// will reject.
var ErrNoSharedSecret = errors.New("turncred: shared secret not configured")

const (
	// MinTTLSeconds / MaxTTLSeconds bound every issued credential lifetime
	// regardless of the requested TTL.
	MinTTLSeconds int64 = 60
	MaxTTLSeconds int64 = 3600

	// DefaultUserID is used when the caller supplies no user identifier.
	DefaultUserID = "zvonilka"

	// maxUserIDLen caps the user identifier embedded in the username.
	maxUserIDLen = 32
)

type Issuer struct {
	sharedSecret []byte
	urls         []string
	now          func() time.Time
}

type IssuerConfig struct {
	// SharedSecret must match the relay's static-auth-secret. Empty means the
	// issuer is disabled and Issue returns ErrNoSharedSecret.
	SharedSecret string

	// URLs is the relay URL list advertised with each credential.
	URLs []string

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

func NewIssuer(cfg IssuerConfig) *Issuer {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Issuer{
		sharedSecret: []byte(cfg.SharedSecret),
		urls:         cfg.URLs,
		now:          now,
	}
}

// Enabled reports whether a shared secret is configured.
func (i *Issuer) Enabled() bool {
	return len(i.sharedSecret) > 0
}

// Credential is one ephemeral relay credential. It is generated per request
// and never persisted.
type Credential struct {
	URLs       []string
	Username   string
	Credential string
	TTLSeconds int64
	ExpiresAt  time.Time
}

// Issue mints a credential for userID valid for ttlSeconds, clamped to
// [MinTTLSeconds, MaxTTLSeconds]. Identical (secret, username) pairs always
// produce the identical credential, so re-issuance within a validity window
// is idempotent from the relay's point of view.
func (i *Issuer) Issue(userID string, ttlSeconds int64) (Credential, error) {
	if !i.Enabled() {
		return Credential{}, ErrNoSharedSecret
	}

	ttl := clampTTL(ttlSeconds)
	expiry := i.now().UTC().Unix() + ttl
	username := fmt.Sprintf("%d:%s", expiry, SanitizeUserID(userID))

	return Credential{
		URLs:       i.urls,
		Username:   username,
		Credential: signUsername(i.sharedSecret, username),
		TTLSeconds: ttl,
		ExpiresAt:  time.Unix(expiry, 0).UTC(),
	}, nil
}

// Verify recomputes the HMAC for username and compares it to credential in
// constant time. Used by tests and diagnostic tooling; the relay performs the
// authoritative check.
func (i *Issuer) Verify(username, credential string) bool {
	if !i.Enabled() {
		return false
	}
	return hmac.Equal([]byte(signUsername(i.sharedSecret, username)), []byte(credential))
}

// SanitizeUserID reduces an arbitrary identifier to at most 32 word
// characters so the username stays parseable by coturn. Anything else maps to
// '_'; an empty result falls back to DefaultUserID.
func SanitizeUserID(userID string) string {
	if userID == "" {
		return DefaultUserID
	}
	if len(userID) > maxUserIDLen {
		userID = userID[:maxUserIDLen]
	}
	out := make([]byte, len(userID))
	for j := 0; j < len(userID); j++ {
		c := userID[j]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			out[j] = c
		default:
			out[j] = '_'
		}
	}
	return string(out)
}

func clampTTL(ttlSeconds int64) int64 {
	if ttlSeconds < MinTTLSeconds {
		return MinTTLSeconds
	}
	if ttlSeconds > MaxTTLSeconds {
		return MaxTTLSeconds
	}
	return ttlSeconds
}

func signUsername(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
