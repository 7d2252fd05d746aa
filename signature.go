package coderelay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Webhook signing headers.
const (
	HeaderTimestamp = "X-Request-Timestamp"
	HeaderSignature = "X-Request-Signature"
)

// SignatureWindow bounds how far a webhook timestamp may drift from the
// receiver clock before the request is rejected as a replay.
const SignatureWindow = 15 * time.Minute

// Sign computes the hex HMAC-SHA256 signature for a webhook body. The
// canonical message is "{unixTimestamp}.{rawBody}" keyed by the per-task
// secret.
func Sign(ts int64, body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyTimestamp checks that a timestamp header parses and falls within
// SignatureWindow of now. Receivers run it before any state lookup, so a
// replayed or skewed request is rejected without touching the store.
func VerifyTimestamp(tsHeader string, now time.Time) (int64, error) {
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return 0, ErrStaleTimestamp
	}
	drift := now.Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(SignatureWindow/time.Second) {
		return 0, ErrStaleTimestamp
	}
	return ts, nil
}

// VerifySignature checks a webhook signature against the per-task secret.
// The timestamp must fall within SignatureWindow of now, and the signature
// comparison is constant-time. The secret must come from durable state, never
// from the request itself.
func VerifySignature(tsHeader, sigHeader string, body []byte, secret string, now time.Time) error {
	ts, err := VerifyTimestamp(tsHeader, now)
	if err != nil {
		return err
	}
	want := Sign(ts, body, secret)
	if !hmac.Equal([]byte(want), []byte(sigHeader)) {
		return ErrBadSignature
	}
	return nil
}
