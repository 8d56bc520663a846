package signature

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignKnownVector(t *testing.T) {
	// RFC 4231 test case 2
	got := Sign("Jefe", []byte("what do ya want for nothing?"))
	assert.Equal(t, "sha256=5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843", got)
}

func TestVerify(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"event_type":"sale_notification","node_id":2}`)
	sig := Sign("secret", body)
	ts := strconv.FormatInt(now.Unix(), 10)

	assert.NoError(t, Verify("secret", body, sig, ts, now, 5*time.Minute))
	assert.ErrorIs(t, Verify("other", body, sig, ts, now, 5*time.Minute), ErrInvalidSignature)
	assert.ErrorIs(t, Verify("secret", []byte(`{"tampered":true}`), sig, ts, now, 5*time.Minute), ErrInvalidSignature)
	assert.ErrorIs(t, Verify("secret", body, "", ts, now, 5*time.Minute), ErrMissingSignature)
	assert.ErrorIs(t, Verify("secret", body, "md5=abc", ts, now, 5*time.Minute), ErrInvalidSignature)
	assert.ErrorIs(t, Verify("secret", body, sig, "yesterday", now, 5*time.Minute), ErrInvalidTimestamp)
}

func TestVerifyRejectsStaleAndFutureTimestamps(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{}`)
	sig := Sign("secret", body)

	stale := strconv.FormatInt(now.Add(-6*time.Minute).Unix(), 10)
	future := strconv.FormatInt(now.Add(6*time.Minute).Unix(), 10)
	edge := strconv.FormatInt(now.Add(-5*time.Minute).Unix(), 10)

	assert.ErrorIs(t, Verify("secret", body, sig, stale, now, 5*time.Minute), ErrExpiredTimestamp)
	assert.ErrorIs(t, Verify("secret", body, sig, future, now, 5*time.Minute), ErrExpiredTimestamp)
	assert.NoError(t, Verify("secret", body, sig, edge, now, 5*time.Minute))
}

func TestNewSecret(t *testing.T) {
	a, err := NewSecret()
	require.NoError(t, err)
	b, err := NewSecret()
	require.NoError(t, err)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}
