package core

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamWriterReaderRoundTrip(t *testing.T) {
	for _, algo := range []Algorithm{AlgoAES256GCM, AlgoChaCha20Poly1305} {
		salt, err := NewSalt()
		require.NoError(t, err)
		key := DeriveKey("correct-horse-battery-staple", salt, minKDFIterations)

		plaintext := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog"), 10000)

		var buf bytes.Buffer
		w, err := NewStreamWriter(&buf, algo, key, salt, 4096)
		require.NoError(t, err)
		_, err = w.Write(plaintext)
		require.NoError(t, err)
		require.NoError(t, w.Close())

		r, err := NewStreamReader(&buf, algo, func(s []byte) ([]byte, error) {
			require.Equal(t, salt, s)
			return DeriveKey("correct-horse-battery-staple", s, minKDFIterations), nil
		})
		require.NoError(t, err)
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		require.Equal(t, plaintext, got)
	}
}

func TestStreamReaderRejectsTamperedChunk(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	key := DeriveKey("hunter2", salt, minKDFIterations)

	var buf bytes.Buffer
	w, err := NewStreamWriter(&buf, AlgoAES256GCM, key, salt, 64)
	require.NoError(t, err)
	_, err = w.Write([]byte("some plaintext that spans more than one chunk boundary"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	tampered := buf.Bytes()
	tampered[len(tampered)-1] ^= 0xFF

	r, err := NewStreamReader(bytes.NewReader(tampered), AlgoAES256GCM, func(s []byte) ([]byte, error) {
		return DeriveKey("hunter2", s, minKDFIterations), nil
	})
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	require.Error(t, err)
}

func TestStreamReaderRejectsTruncatedNonMagicStream(t *testing.T) {
	// Too short to be a legacy envelope (needs at least a 32-byte salt)
	// and doesn't match the chunked magic either.
	_, err := NewStreamReader(bytes.NewReader([]byte("NOTASCRAT")), AlgoAES256GCM, func(s []byte) ([]byte, error) {
		return nil, nil
	})
	require.Error(t, err)
}

func TestStreamReaderAcceptsHeaderlessLegacyEnvelope(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	key := DeriveKey("legacy-pass", salt, minKDFIterations)
	aead, err := newAEAD(AlgoAES256GCM, key)
	require.NoError(t, err)

	nonce := make([]byte, nonceSize)
	_, err = io.ReadFull(rand.Reader, nonce)
	require.NoError(t, err)
	plaintext := []byte("a pre-chunked archive written before the chunked format existed")
	sealed := aead.Seal(nil, nonce, plaintext, nil)

	var buf bytes.Buffer
	buf.Write(salt)
	buf.Write(nonce)
	buf.Write(sealed)

	r, err := NewStreamReader(&buf, AlgoAES256GCM, func(s []byte) ([]byte, error) {
		require.Equal(t, salt, s)
		return DeriveKey("legacy-pass", s, minKDFIterations), nil
	})
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestVerifierRoundTrip(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	key := DeriveKey("s3cr3t", salt, minKDFIterations)
	wrongKey := DeriveKey("wrong", salt, minKDFIterations)

	v, err := DeriveVerifier(AlgoChaCha20Poly1305, key)
	require.NoError(t, err)

	ok, err := CheckVerifier(AlgoChaCha20Poly1305, key, v)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = CheckVerifier(AlgoChaCha20Poly1305, wrongKey, v)
	require.NoError(t, err)
	require.False(t, ok)
}
