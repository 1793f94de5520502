package certerrors

import (
	"errors"
	"net/http"
	"strings"
)

// Request errors abort the request and are never retried.
var (
	ErrValidation   = errors.New("V1|ValidationError: Input does not have the expected shape.")
	ErrNameMismatch = errors.New("V2|NameMismatch: Identity already exists under a different name.")
	ErrUnauthorized = errors.New("V3|Unauthorized: Caller is not allowed to issue or revoke.")
)

// Chain errors degrade reads and fail writes.
var (
	ErrChain = errors.New("C1|ChainError: Registry call failed or reverted.")
)

// Lookup and proof outcomes. Neither is fatal during verification.
var (
	ErrNotFound     = errors.New("F1|NotFound: No matching record.")
	ErrProofInvalid = errors.New("F2|ProofInvalid: Recomputed merkle root does not match.")
)

// Storage and batch construction errors.
var (
	ErrDuplicateKey  = errors.New("S1|DuplicateKey: Identity key is already taken.")
	ErrImmutable     = errors.New("S2|Immutable: Stored record pre-image cannot change.")
	ErrDuplicateLeaf = errors.New("M1|DuplicateLeaf: Leaf already present in batch.")
	ErrCommitted     = errors.New("M2|Committed: Batch is already committed.")
)

var sentinels = []error{
	ErrValidation, ErrNameMismatch, ErrUnauthorized,
	ErrChain,
	ErrNotFound, ErrProofInvalid,
	ErrDuplicateKey, ErrImmutable, ErrDuplicateLeaf, ErrCommitted,
}

// sentinel returns the taxonomy error err wraps, however deep. Context added
// around it by fmt.Errorf is returned separately.
func sentinel(err error) (error, string) {
	for _, s := range sentinels {
		if errors.Is(err, s) {
			before, after, _ := strings.Cut(err.Error(), s.Error())
			var ctx []string
			for _, part := range []string{before, after} {
				if part = strings.Trim(part, ": "); part != "" {
					ctx = append(ctx, part)
				}
			}
			return s, strings.Join(ctx, ": ")
		}
	}
	return nil, ""
}

// GetErrorName extracts the error name from the error message.
func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	errStr := err.Error()
	if s, _ := sentinel(err); s != nil {
		errStr = s.Error()
	}
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr
	}
	parts := strings.SplitN(errStr, "|", 2)
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

// GetErrorCode extracts the error code from the error message.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	s, _ := sentinel(err)
	if s == nil {
		return ""
	}
	parts := strings.SplitN(s.Error(), "|", 2)
	return strings.TrimSpace(parts[0])
}

// GetErrorDesc extracts the description. Context wrapped around the taxonomy
// error follows it in parentheses.
func GetErrorDesc(err error) string {
	if err == nil {
		return ""
	}
	s, detail := sentinel(err)
	if s == nil {
		parts := strings.SplitN(err.Error(), ":", 2)
		if len(parts) < 2 {
			return "DESC NOT SET"
		}
		return strings.TrimSpace(parts[1])
	}
	desc := strings.TrimSpace(strings.SplitN(s.Error(), ":", 2)[1])
	if detail == "" {
		return desc
	}
	return desc + " (" + detail + ")"
}

// HTTPStatus maps an error of the taxonomy to the status code the API returns.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation), errors.Is(err, ErrDuplicateLeaf):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNameMismatch), errors.Is(err, ErrDuplicateKey), errors.Is(err, ErrImmutable):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrChain):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
