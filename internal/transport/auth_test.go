package transport_test

import (
	"testing"
	"time"

	"github.com/orrn/labelfleet/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyToken(t *testing.T) {
	token, err := transport.SignToken("d1", "s3cret", time.Now())
	require.NoError(t, err)

	assert.NoError(t, transport.VerifyToken(token, "d1", "s3cret"))
}

func TestVerifyToken_WrongCredential(t *testing.T) {
	token, err := transport.SignToken("d1", "s3cret", time.Now())
	require.NoError(t, err)

	err = transport.VerifyToken(token, "d1", "different")
	assert.ErrorIs(t, err, transport.ErrUnauthorized)
}

func TestVerifyToken_DeviceIDMismatch(t *testing.T) {
	token, err := transport.SignToken("d1", "s3cret", time.Now())
	require.NoError(t, err)

	err = transport.VerifyToken(token, "d2", "s3cret")
	assert.ErrorIs(t, err, transport.ErrUnauthorized)
}

func TestVerifyToken_Expired(t *testing.T) {
	token, err := transport.SignToken("d1", "s3cret", time.Now().Add(-10*time.Minute))
	require.NoError(t, err)

	err = transport.VerifyToken(token, "d1", "s3cret")
	assert.ErrorIs(t, err, transport.ErrUnauthorized)
}

func TestVerifyToken_Garbage(t *testing.T) {
	err := transport.VerifyToken("not-a-token", "d1", "s3cret")
	assert.ErrorIs(t, err, transport.ErrUnauthorized)
}
