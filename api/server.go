// Package api is the certd HTTP surface.
//
//	GET  /verify?did=…&merkleRoot=…&hash=…
//	POST /issue
//	POST /revoke
//	POST /document/hash
//	GET  /health
//
// /verify answers with a status object for every well-formed query, including
// not_found. Issue and revoke require the admin bearer token when one is set.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/colorfulnotion/certchain/certerrors"
	"github.com/colorfulnotion/certchain/common"
	"github.com/colorfulnotion/certchain/credential"
	"github.com/colorfulnotion/certchain/document"
	"github.com/colorfulnotion/certchain/issuance"
	"github.com/colorfulnotion/certchain/log"
	"github.com/colorfulnotion/certchain/registry"
	"github.com/colorfulnotion/certchain/verify"
)

const maxDocumentBytes = 32 << 20

// Server wraps the resolver and the issuance service.
type Server struct {
	resolver   *verify.Resolver
	issuer     *issuance.Service
	adminToken string
	baseURL    string
	srv        *http.Server
}

// NewServer builds a server. A nil issuer makes issue and revoke answer 503.
func NewServer(resolver *verify.Resolver, issuer *issuance.Service, adminToken, baseURL string) *Server {
	return &Server{
		resolver:   resolver,
		issuer:     issuer,
		adminToken: adminToken,
		baseURL:    baseURL,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /verify", s.handleVerify)
	mux.HandleFunc("POST /issue", s.admin(s.handleIssue))
	mux.HandleFunc("POST /revoke", s.admin(s.handleRevoke))
	mux.HandleFunc("POST /document/hash", s.handleDocumentHash)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Start listens on addr and serves in the background. The bound address is
// returned so callers can pass ":0".
func (s *Server) Start(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info(log.APIMonitoring, "certd API started", "address", fmt.Sprintf("http://%s", listener.Addr()))

	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(log.APIMonitoring, "certd API server error", "error", err)
		}
	}()
	return listener.Addr(), nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn(log.APIMonitoring, "response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := certerrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error(log.APIMonitoring, "request failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		log.Debug(log.APIMonitoring, "request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorBody{
		Error:   certerrors.GetErrorName(err),
		Code:    certerrors.GetErrorCode(err),
		Message: certerrors.GetErrorDesc(err),
	})
}

func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
				writeError(w, r, fmt.Errorf("%w: missing or wrong bearer token", certerrors.ErrUnauthorized))
				return
			}
		}
		if s.issuer == nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "Unavailable", Message: "issuance is disabled on this node"})
			return
		}
		next(w, r)
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, certerrors.ErrValidation) {
			return fmt.Errorf("request body: %w", err)
		}
		return fmt.Errorf("%w: request body: %v", certerrors.ErrValidation, err)
	}
	return nil
}

// handleVerify resolves did, merkleRoot or hash. With both did and merkleRoot
// the pair is resolved exactly.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	did := strings.TrimSpace(q.Get("did"))
	root := strings.TrimSpace(q.Get("merkleRoot"))
	hash := strings.TrimSpace(q.Get("hash"))
	log.Debug(log.APIMonitoring, "verify", "did", did, "merkleRoot", root, "hash", hash)

	var (
		res *verify.Result
		err error
	)
	switch {
	case did != "" && root != "":
		h, perr := common.ParseHash(root)
		if perr != nil {
			writeError(w, r, fmt.Errorf("merkleRoot: %w", perr))
			return
		}
		res, err = s.resolver.ResolvePair(r.Context(), did, h)
	case did != "":
		res, err = s.resolver.Resolve(r.Context(), did)
	case root != "":
		res, err = s.resolver.Resolve(r.Context(), root)
	case hash != "":
		if !common.IsHashShape(hash) {
			writeError(w, r, fmt.Errorf("%w: hash %q", certerrors.ErrValidation, hash))
			return
		}
		res, err = s.resolver.Resolve(r.Context(), hash)
	default:
		writeError(w, r, fmt.Errorf("%w: one of did, merkleRoot or hash is required", certerrors.ErrValidation))
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req issuance.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.issuer.Issue(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	log.Info(log.APIMonitoring, "batch issued", "batch", res.BatchID, "root", res.MerkleRoot, "count", len(res.Certificates))
	writeJSON(w, http.StatusCreated, res)
}

type revokeRequest struct {
	DID        string       `json:"did,omitempty"`
	MerkleRoot *common.Hash `json:"merkleRoot,omitempty"`
	Key        *common.Hash `json:"key,omitempty"`
}

type revokeResponse struct {
	Revoked bool        `json:"revoked"`
	Key     common.Hash `json:"key"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	var (
		key common.Hash
		err error
	)
	switch {
	case req.Key != nil && req.DID == "" && req.MerkleRoot == nil:
		key = *req.Key
		err = s.issuer.RevokeByKey(r.Context(), key)
	case req.Key == nil && req.DID != "" && req.MerkleRoot != nil:
		key = registry.CertificateKey(credential.DIDHash(req.DID), *req.MerkleRoot)
		err = s.issuer.Revoke(r.Context(), req.DID, *req.MerkleRoot)
	default:
		err = fmt.Errorf("%w: give either key or did and merkleRoot", certerrors.ErrValidation)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, revokeResponse{Revoked: true, Key: key})
}

type documentHashResponse struct {
	Hash      common.Hash `json:"hash"`
	Size      int         `json:"size"`
	VerifyURL string      `json:"verifyUrl,omitempty"`
}

// handleDocumentHash hashes the raw request body. The verification link is
// the one a two-phase binding of this file would embed.
func (s *Server) handleDocumentHash(w http.ResponseWriter, r *http.Request) {
	doc, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDocumentBytes))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: document body: %v", certerrors.ErrValidation, err))
		return
	}
	if len(doc) == 0 {
		writeError(w, r, fmt.Errorf("%w: empty document", certerrors.ErrValidation))
		return
	}
	resp := documentHashResponse{Hash: common.HashBytes(doc), Size: len(doc)}
	if s.baseURL != "" {
		if link, err := document.VerifyURL(s.baseURL, resp.Hash); err == nil {
			resp.VerifyURL = link
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Issuance bool   `json:"issuance"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: common.GetCommitHash(), Issuance: s.issuer != nil})
}
