package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/matheus3301/chatrelay/internal/ingest"
	"github.com/matheus3301/chatrelay/internal/realtime"
	"github.com/matheus3301/chatrelay/internal/store"
)

// envelope is the body of every JSON response.
type envelope struct {
	Success    bool              `json:"success"`
	Data       any               `json:"data,omitempty"`
	Pagination *store.Pagination `json:"pagination,omitempty"`
	Code       string            `json:"code,omitempty"`
	Message    string            `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writePage(w http.ResponseWriter, data any, p store.Pagination) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data, Pagination: &p})
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, envelope{Code: codeFor(err), Message: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, realtime.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, realtime.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, realtime.ErrBadRequest),
		errors.Is(err, realtime.ErrInvalidTarget),
		errors.Is(err, ingest.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, realtime.ErrConflict),
		errors.Is(err, realtime.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, realtime.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, realtime.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func codeFor(err error) string {
	if errors.Is(err, ingest.ErrInvalidPayload) {
		return "bad_request"
	}
	return realtime.Code(err)
}

func pageOf(r *http.Request) store.Page {
	q := r.URL.Query()
	n, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	return store.Page{Number: n, Limit: limit}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(realtime.ErrBadRequest, err)
	}
	return nil
}
