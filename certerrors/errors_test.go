package certerrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorParts(t *testing.T) {
	wrapped := fmt.Errorf("%w: subject did:ethr:0x1:0xabc", ErrNameMismatch)

	assert.Equal(t, "NameMismatch", GetErrorName(wrapped))
	assert.Equal(t, "V2", GetErrorCode(wrapped))
	assert.Contains(t, GetErrorDesc(wrapped), "Identity already exists")
	assert.True(t, errors.Is(wrapped, ErrNameMismatch))

	assert.Equal(t, "Identity already exists under a different name. (subject did:ethr:0x1:0xabc)", GetErrorDesc(wrapped))
	assert.Equal(t, "Input does not have the expected shape.", GetErrorDesc(ErrValidation))

	assert.Equal(t, "No Error", GetErrorName(nil))
	assert.Equal(t, "", GetErrorCode(errors.New("plain")))
	assert.Equal(t, "plain", GetErrorName(errors.New("plain")))
}

// Context added in front of the sentinel must not leak into the code.
func TestErrorPartsPrefixed(t *testing.T) {
	inner := fmt.Errorf("%w: stored name differs", ErrNameMismatch)
	err := fmt.Errorf("student %d: %w", 0, inner)

	assert.Equal(t, "V2", GetErrorCode(err))
	assert.Equal(t, "NameMismatch", GetErrorName(err))
	desc := GetErrorDesc(err)
	assert.NotContains(t, desc, "V2|")
	assert.Equal(t, "Identity already exists under a different name. (student 0: stored name differs)", desc)

	chain := fmt.Errorf("commit batch: %w", fmt.Errorf("%w: nonce too low", ErrChain))
	assert.Equal(t, "C1", GetErrorCode(chain))
	assert.Equal(t, "ChainError", GetErrorName(chain))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[error]int{
		nil:                                      http.StatusOK,
		fmt.Errorf("%w: bad", ErrValidation):     http.StatusBadRequest,
		fmt.Errorf("%w: x", ErrNameMismatch):     http.StatusConflict,
		fmt.Errorf("%w: rpc timeout", ErrChain):  http.StatusBadGateway,
		ErrUnauthorized:                          http.StatusUnauthorized,
		fmt.Errorf("%w: root", ErrNotFound):      http.StatusNotFound,
		ErrDuplicateLeaf:                         http.StatusBadRequest,
		errors.New("boom"):                       http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, HTTPStatus(err), "error %v", err)
	}
}
