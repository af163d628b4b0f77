package auth

import (
	"testing"
	"time"

	"github.com/adwski/beacon/backend/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifier_RoundTrip(t *testing.T) {
	v := NewVerifier("secret")
	token, err := v.Issue(model.User{ID: "42", Username: "alice"}, time.Hour)
	require.NoError(t, err)

	user, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, model.User{ID: "42", Username: "alice"}, user)

	user, err = v.Verify("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "42", user.ID)
}

func TestVerifier_Rejects(t *testing.T) {
	v := NewVerifier("secret")

	_, err := v.Verify("")
	assert.ErrorIs(t, err, ErrAuth)
	assert.ErrorIs(t, err, ErrNoToken)

	_, err = v.Verify("garbage")
	assert.ErrorIs(t, err, ErrAuth)
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, err := NewVerifier("other").Issue(model.User{ID: "1"}, time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := v.Issue(model.User{ID: "1"}, -time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(expired)
	assert.ErrorIs(t, err, ErrAuth)

	noUser, err := v.Issue(model.User{}, time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(noUser)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
