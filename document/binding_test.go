package document

import (
	"errors"
	"net/url"
	"testing"

	"github.com/colorfulnotion/certchain/certerrors"
	"github.com/colorfulnotion/certchain/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pdf = []byte("%PDF-1.7\n1 0 obj << /Type /Catalog >> endobj\n%%EOF")

func TestBindTwoPhase(t *testing.T) {
	b, err := Bind(pdf, "https://certs.example.edu/verify", TrailerEmbedder{})
	require.NoError(t, err)

	assert.Equal(t, common.HashBytes(pdf), b.CanonicalHash, "canonical hash is taken before embedding")
	assert.Equal(t, common.HashBytes(b.Document), b.FinalHash)
	assert.NotEqual(t, b.CanonicalHash, b.FinalHash)

	u, err := url.Parse(b.VerifyURL)
	require.NoError(t, err)
	assert.Equal(t, b.CanonicalHash.Hex(), u.Query().Get("hash"), "link carries the pre-embed hash")

	require.NoError(t, CheckIntegrity(b.Document, b.FinalHash))
	err = CheckIntegrity(pdf, b.FinalHash)
	assert.True(t, errors.Is(err, certerrors.ErrProofInvalid))

	ev := b.Evidence("ipfs://bafy")
	assert.Equal(t, b.CanonicalHash, ev.Hash)
	require.NotNil(t, ev.FinalHash)
	assert.Equal(t, b.FinalHash, *ev.FinalHash)
}

func TestTrailerRoundTrip(t *testing.T) {
	e := TrailerEmbedder{}
	b, err := Bind(pdf, "https://certs.example.edu/verify?lang=en", e)
	require.NoError(t, err)

	original, link, ok := e.Extract(b.Document)
	require.True(t, ok)
	assert.Equal(t, pdf, original)
	assert.Equal(t, b.VerifyURL, link)

	h, ok := CanonicalHashOf(b.Document, e)
	require.True(t, ok)
	assert.Equal(t, b.CanonicalHash, h)

	_, ok = CanonicalHashOf(pdf, e)
	assert.False(t, ok)
}

func TestBindValidation(t *testing.T) {
	_, err := Bind(nil, "https://x.example/verify", TrailerEmbedder{})
	assert.True(t, errors.Is(err, certerrors.ErrValidation))

	_, err = Bind(pdf, "not a url", TrailerEmbedder{})
	assert.True(t, errors.Is(err, certerrors.ErrValidation))

	_, err = Bind(pdf, "https://x.example/verify", nopEmbedder{})
	assert.True(t, errors.Is(err, certerrors.ErrValidation))
}

type nopEmbedder struct{}

func (nopEmbedder) Embed(doc []byte, _ string) ([]byte, error) { return doc, nil }
