// Package document binds a rendered certificate file to its registry entry.
//
// Binding is two-phase. The rendered file is hashed first; that pre-embed
// hash is the canonical key, goes into the verification URL and is what the
// record's evidence carries. The URL is then embedded in the file and the
// result hashed again. The final hash is only used to check that a presented
// file is the one that was issued.
package document

import (
	"bytes"
	"fmt"
	"net/url"

	"github.com/colorfulnotion/certchain/certerrors"
	"github.com/colorfulnotion/certchain/common"
	"github.com/colorfulnotion/certchain/credential"
)

// Embedder writes a verification URL into a rendered document.
type Embedder interface {
	Embed(doc []byte, verifyURL string) ([]byte, error)
}

// Extractor is implemented by embedders that can undo their own embedding.
type Extractor interface {
	Extract(doc []byte) (original []byte, verifyURL string, ok bool)
}

type Binding struct {
	CanonicalHash common.Hash `json:"canonicalHash"`
	FinalHash     common.Hash `json:"finalHash"`
	VerifyURL     string      `json:"verifyUrl"`
	Document      []byte      `json:"-"`
}

// Evidence is the record field for this binding.
func (b *Binding) Evidence(uri string) *credential.Evidence {
	final := b.FinalHash
	return &credential.Evidence{Hash: b.CanonicalHash, FinalHash: &final, URI: uri}
}

// VerifyURL points the verification endpoint at a document hash.
func VerifyURL(baseURL string, h common.Hash) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: verify base url %q", certerrors.ErrValidation, baseURL)
	}
	q := u.Query()
	q.Set("hash", h.Hex())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Bind runs both phases over doc.
func Bind(doc []byte, baseURL string, e Embedder) (*Binding, error) {
	if len(doc) == 0 {
		return nil, fmt.Errorf("%w: empty document", certerrors.ErrValidation)
	}
	canonical := common.HashBytes(doc)
	link, err := VerifyURL(baseURL, canonical)
	if err != nil {
		return nil, err
	}
	out, err := e.Embed(doc, link)
	if err != nil {
		return nil, fmt.Errorf("embed verification link: %w", err)
	}
	final := common.HashBytes(out)
	if final == canonical {
		return nil, fmt.Errorf("%w: embedder left the document unchanged", certerrors.ErrValidation)
	}
	return &Binding{CanonicalHash: canonical, FinalHash: final, VerifyURL: link, Document: out}, nil
}

// CheckIntegrity reports whether doc is byte-identical to the issued file.
func CheckIntegrity(doc []byte, finalHash common.Hash) error {
	if got := common.HashBytes(doc); got != finalHash {
		return fmt.Errorf("%w: document hash %s, issued %s", certerrors.ErrProofInvalid, got.Hex(), finalHash.Hex())
	}
	return nil
}

// CanonicalHashOf recovers the pre-embed hash from an issued file.
func CanonicalHashOf(doc []byte, x Extractor) (common.Hash, bool) {
	original, _, ok := x.Extract(doc)
	if !ok {
		return common.Hash{}, false
	}
	return common.HashBytes(original), true
}

const DefaultMarker = "certchain-verify"

// TrailerEmbedder appends the link as a comment line after the document.
// PDF readers ignore bytes after the final %%EOF.
type TrailerEmbedder struct {
	Marker string
}

func (t TrailerEmbedder) marker() []byte {
	m := t.Marker
	if m == "" {
		m = DefaultMarker
	}
	return []byte("\n%" + m + " ")
}

func (t TrailerEmbedder) Embed(doc []byte, verifyURL string) ([]byte, error) {
	if verifyURL == "" || bytes.ContainsAny([]byte(verifyURL), "\r\n") {
		return nil, fmt.Errorf("%w: verification url %q", certerrors.ErrValidation, verifyURL)
	}
	m := t.marker()
	out := make([]byte, 0, len(doc)+len(m)+len(verifyURL)+1)
	out = append(out, doc...)
	out = append(out, m...)
	out = append(out, verifyURL...)
	return append(out, '\n'), nil
}

func (t TrailerEmbedder) Extract(doc []byte) ([]byte, string, bool) {
	m := t.marker()
	i := bytes.LastIndex(doc, m)
	if i < 0 || !bytes.HasSuffix(doc, []byte("\n")) {
		return nil, "", false
	}
	link := doc[i+len(m) : len(doc)-1]
	if bytes.ContainsAny(link, "\r\n") {
		return nil, "", false
	}
	return doc[:i], string(link), true
}
