package coderelay

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignature_RoundTrip(t *testing.T) {
	now := time.Now()
	body := []byte(`{"task_id":"t-1","status":"completed"}`)
	ts := now.Unix()
	sig := Sign(ts, body, "secret-1")

	require.NoError(t, VerifySignature(strconv.FormatInt(ts, 10), sig, body, "secret-1", now))
}

func TestSignature_TamperedBody(t *testing.T) {
	now := time.Now()
	body := []byte(`{"task_id":"t-1","status":"completed"}`)
	ts := now.Unix()
	sig := Sign(ts, body, "secret-1")

	tampered := []byte(`{"task_id":"t-1","status":"failed"}`)
	err := VerifySignature(strconv.FormatInt(ts, 10), sig, tampered, "secret-1", now)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestSignature_WrongSecret(t *testing.T) {
	now := time.Now()
	body := []byte(`{}`)
	ts := now.Unix()
	sig := Sign(ts, body, "secret-1")

	err := VerifySignature(strconv.FormatInt(ts, 10), sig, body, "secret-2", now)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestSignature_StaleTimestamp(t *testing.T) {
	now := time.Now()
	body := []byte(`{}`)

	// Just inside the window passes, just outside fails, both directions.
	inside := now.Add(-SignatureWindow + time.Minute).Unix()
	require.NoError(t, VerifySignature(strconv.FormatInt(inside, 10), Sign(inside, body, "s"), body, "s", now))

	past := now.Add(-SignatureWindow - time.Minute).Unix()
	err := VerifySignature(strconv.FormatInt(past, 10), Sign(past, body, "s"), body, "s", now)
	require.ErrorIs(t, err, ErrStaleTimestamp)

	future := now.Add(SignatureWindow + time.Minute).Unix()
	err = VerifySignature(strconv.FormatInt(future, 10), Sign(future, body, "s"), body, "s", now)
	require.ErrorIs(t, err, ErrStaleTimestamp)

	require.ErrorIs(t, VerifySignature("not-a-number", "sig", body, "s", now), ErrStaleTimestamp)
}
