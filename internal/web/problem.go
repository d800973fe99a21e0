package web

import (
	"encoding/json"
	"net/http"
)

// Problem types for RFC 7807 Problem Details responses.
const (
	ProblemTypeNotFound     = "https://keybunker.dev/problems/not-found"
	ProblemTypeBadRequest   = "https://keybunker.dev/problems/bad-request"
	ProblemTypeInternal     = "https://keybunker.dev/problems/internal-error"
	ProblemTypeUnauthorized = "https://keybunker.dev/problems/unauthorized"
	ProblemTypeRateLimited  = "https://keybunker.dev/problems/rate-limited"
	ProblemTypeConflict     = "https://keybunker.dev/problems/conflict"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// WriteProblem writes an RFC 7807 Problem Details JSON response.
func WriteProblem(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// NotFound writes a 404 problem response.
func NotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeNotFound,
		Title:    "Not Found",
		Status:   http.StatusNotFound,
		Detail:   detail,
		Instance: r.URL.Path,
	})
}

// BadRequest writes a 400 problem response.
func BadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeBadRequest,
		Title:    "Bad Request",
		Status:   http.StatusBadRequest,
		Detail:   detail,
		Instance: r.URL.Path,
	})
}

// Unauthorized writes a 401 problem response.
func Unauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeUnauthorized,
		Title:    "Unauthorized",
		Status:   http.StatusUnauthorized,
		Detail:   detail,
		Instance: r.URL.Path,
	})
}

// Conflict writes a 409 problem response.
func Conflict(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeConflict,
		Title:    "Conflict",
		Status:   http.StatusConflict,
		Detail:   detail,
		Instance: r.URL.Path,
	})
}

// InternalError writes a 500 problem response.
func InternalError(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeInternal,
		Title:    "Internal Server Error",
		Status:   http.StatusInternalServerError,
		Detail:   detail,
		Instance: r.URL.Path,
	})
}

// RateLimited writes a 429 problem response.
func RateLimited(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeRateLimited,
		Title:    "Too Many Requests",
		Status:   http.StatusTooManyRequests,
		Detail:   detail,
		Instance: r.URL.Path,
	})
}
