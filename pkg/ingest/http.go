package ingest

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/cuemby/pulsebeam/pkg/log"
	"github.com/cuemby/pulsebeam/pkg/types"
)

// CredentialHeader is the dedicated HTTP header carrying the opaque
// api-key, per spec §6.
const CredentialHeader = "X-Pulsebeam-Api-Key"

// apiError mirrors the handler-error pattern: a handler returns either
// nil (response already written) or an apiError, and the router wrapper
// writes the JSON error body uniformly.
type apiError struct {
	Reason Reason `json:"reason"`
	Detail string `json:"detail,omitempty"`
	Status int     `json:"-"`
}

func (e *apiError) Error() string { return string(e.Reason) + ": " + e.Detail }

func statusFor(reason Reason) int {
	switch reason {
	case ReasonUnauthenticated:
		return http.StatusUnauthorized
	case ReasonThrottled:
		return http.StatusTooManyRequests
	case ReasonInvalidSchema:
		return http.StatusBadRequest
	case ReasonPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func rejectionToAPIError(r *Rejection) *apiError {
	return &apiError{Reason: r.Reason, Detail: r.Detail, Status: statusFor(r.Reason)}
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) *apiError

func wrap(h handlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		if err := h(w, r, p); err != nil {
			if err.Status >= 500 {
				log.Error("ingest handler error: " + err.Error())
			}
			writeJSONError(w, err)
		}
	}
}

func writeJSONError(w http.ResponseWriter, err *apiError) {
	w.Header().Set("Content-Type", "application/json")
	if err.Reason == ReasonThrottled {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(err.Status)
	_ = json.NewEncoder(w).Encode(err)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Router builds the httprouter.Router serving /ingest, /ingest-batch, and
// /health.
func (e *Endpoint) Router() *httprouter.Router {
	r := httprouter.New()
	r.POST("/ingest", wrap(e.handleIngest))
	r.POST("/ingest-batch", wrap(e.handleIngestBatch))
	r.GET("/health", wrap(e.handleHealth))
	return r
}

func (e *Endpoint) handleIngest(w http.ResponseWriter, r *http.Request, _ httprouter.Params) *apiError {
	tenantID, rej := e.Authenticate(r.Header.Get(CredentialHeader))
	if rej != nil {
		return rejectionToAPIError(rej)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, types.MaxSubjectBytes+types.MaxTitleBytes+types.MaxPrincipalBytes+4096))
	if err != nil {
		return &apiError{Reason: ReasonInvalidSchema, Detail: "failed to read body", Status: http.StatusBadRequest}
	}

	var in EventIn
	if err := json.Unmarshal(body, &in); err != nil {
		return &apiError{Reason: ReasonInvalidSchema, Detail: "malformed json", Status: http.StatusBadRequest}
	}

	if rej := e.Ingest(tenantID, types.SourceChannelHTTP, &in); rej != nil {
		return rejectionToAPIError(rej)
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	return nil
}

func (e *Endpoint) handleIngestBatch(w http.ResponseWriter, r *http.Request, _ httprouter.Params) *apiError {
	tenantID, rej := e.Authenticate(r.Header.Get(CredentialHeader))
	if rej != nil {
		return rejectionToAPIError(rej)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBatchBytes+1))
	if err != nil {
		return &apiError{Reason: ReasonInvalidSchema, Detail: "failed to read body", Status: http.StatusBadRequest}
	}
	if len(body) > MaxBatchBytes {
		return &apiError{Reason: ReasonPayloadTooLarge, Detail: "batch exceeds 1MB cap", Status: http.StatusRequestEntityTooLarge}
	}

	var items []*EventIn
	if err := json.Unmarshal(body, &items); err != nil {
		return &apiError{Reason: ReasonInvalidSchema, Detail: "malformed json array", Status: http.StatusBadRequest}
	}
	if len(items) > MaxBatchSize {
		return &apiError{Reason: ReasonPayloadTooLarge, Detail: "batch exceeds 500 element cap", Status: http.StatusRequestEntityTooLarge}
	}

	outcome := e.IngestBatch(tenantID, types.SourceChannelHTTP, items)
	writeJSON(w, http.StatusOK, outcome)
	return nil
}

func (e *Endpoint) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) *apiError {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
	return nil
}

// parseRetryAfter is used by tests to assert the advisory header shape.
func parseRetryAfter(s string) (int, error) {
	return strconv.Atoi(s)
}
