package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"
)

func TestNewVerifier_RequiresSecret(t *testing.T) {
	_, err := NewVerifier(" ")
	require.Error(t, err)
}

func TestVerifier_RoundTrip(t *testing.T) {
	v, err := NewVerifier("top-secret")
	require.NoError(t, err)

	tok, err := v.Sign("user-42", time.Minute)
	require.NoError(t, err)

	id, err := v.UserID(tok)
	require.NoError(t, err)
	require.Equal(t, "user-42", id)
}

func TestVerifier_Expired(t *testing.T) {
	v, err := NewVerifier("top-secret")
	require.NoError(t, err)

	tok, err := v.Sign("user-42", -time.Minute)
	require.NoError(t, err)

	_, err = v.UserID(tok)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifier_WrongSecret(t *testing.T) {
	signer, err := NewVerifier("one")
	require.NoError(t, err)
	v, err := NewVerifier("two")
	require.NoError(t, err)

	tok, err := signer.Sign("user-42", time.Minute)
	require.NoError(t, err)

	_, err = v.UserID(tok)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_RejectsOtherAlgorithms(t *testing.T) {
	v, err := NewVerifier("top-secret")
	require.NoError(t, err)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{Subject: "user-42"}).
		SignedString([]byte("top-secret"))
	require.NoError(t, err)

	_, err = v.UserID(tok)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_MissingSubject(t *testing.T) {
	v, err := NewVerifier("top-secret")
	require.NoError(t, err)

	tok, err := v.Sign("", time.Minute)
	require.NoError(t, err)

	_, err = v.UserID(tok)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.UserID("")
	require.ErrorIs(t, err, ErrMissingToken)
}

func TestFromHeader(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "Bearer abc.def", want: "abc.def", ok: true},
		{in: "bearer   abc", want: "abc", ok: true},
		{in: "Basic abc"},
		{in: "Bearer "},
		{in: ""},
	}
	for _, tc := range cases {
		got, err := FromHeader(tc.in)
		if !tc.ok {
			require.ErrorIs(t, err, ErrMissingToken, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got)
	}
}
