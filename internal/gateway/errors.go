package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"query-orchestrator/internal/storage"
)

// Kind classifies a remote engine failure. It is decided once, here, so
// callers branch on the kind instead of re-reading error text.
type Kind string

const (
	KindNotFound   Kind = "not_found"  // job definition or run unknown to the engine
	KindValidation Kind = "validation" // the request itself is wrong (bad SQL, bad parameters)
	KindPermanent  Kind = "permanent"  // will not succeed on retry (access denied)
	KindTransient  Kind = "transient"  // timeouts, 5xx, rate limiting, open circuit
)

// Error is a classified remote engine failure.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Message    string
	Detail     *storage.ErrorDetail
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "gateway %s: %s", e.Op, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or "" if err is not a gateway error.
func KindOf(err error) Kind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return ""
}

// IsNotFound returns true if the engine reported the job or run does not exist.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsValidation returns true if the engine rejected the request as invalid.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsPermanent returns true for failures that retrying cannot fix (access denied).
func IsPermanent(err error) bool { return KindOf(err) == KindPermanent }

// IsTransient returns true for failures expected to clear on retry.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// Retryable reports whether a submission that failed with err may be retried.
// Not-found, validation and permission failures are final; everything else,
// including errors that never reached the engine, is retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindNotFound, KindValidation, KindPermanent:
		return false
	}
	return true
}

// DetailOf returns the structured failure detail carried by err, if any.
func DetailOf(err error) *storage.ErrorDetail {
	var gwErr *Error
	if errors.As(err, &gwErr) && !gwErr.Detail.Empty() {
		return gwErr.Detail
	}
	return nil
}

// classify maps an HTTP status and engine message onto a Kind. Message
// markers win over the status code so a 500 that says "access denied" is
// still treated as permanent.
func classify(status int, message string) Kind {
	lower := strings.ToLower(message)
	switch {
	case status == http.StatusNotFound,
		strings.Contains(lower, "not found"),
		strings.Contains(lower, "does not exist"):
		return KindNotFound
	case status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		strings.Contains(lower, "access denied"),
		strings.Contains(lower, "permission denied"):
		return KindPermanent
	case status == http.StatusBadRequest,
		status == http.StatusUnprocessableEntity,
		strings.Contains(lower, "invalid"):
		return KindValidation
	default:
		return KindTransient
	}
}

// apiError is the engine's error body.
type apiError struct {
	Message          string                    `json:"message"`
	Code             string                    `json:"code"`
	Explanation      string                    `json:"explanation"`
	ValidationErrors []storage.ValidationIssue `json:"validation_errors"`
	MissingObjects   []string                  `json:"missing_objects"`
}

func (a *apiError) detail() *storage.ErrorDetail {
	if a == nil {
		return nil
	}
	d := &storage.ErrorDetail{
		Code:             a.Code,
		Explanation:      a.Explanation,
		ValidationErrors: a.ValidationErrors,
		MissingObjects:   a.MissingObjects,
	}
	if d.Empty() {
		return nil
	}
	return d
}

// FormatDetail renders a human-readable failure message from the engine's
// structured fields, falling back to fallback when there are none.
func FormatDetail(d *storage.ErrorDetail, fallback string) string {
	if d.Empty() {
		return fallback
	}

	var parts []string
	if fallback != "" {
		parts = append(parts, fallback)
	}
	for _, v := range d.ValidationErrors {
		switch {
		case v.Line > 0 && v.Column > 0:
			parts = append(parts, fmt.Sprintf("line %d, column %d: %s", v.Line, v.Column, v.Message))
		case v.Line > 0:
			parts = append(parts, fmt.Sprintf("line %d: %s", v.Line, v.Message))
		default:
			parts = append(parts, v.Message)
		}
	}
	if len(d.MissingObjects) > 0 {
		parts = append(parts, "missing objects: "+strings.Join(d.MissingObjects, ", "))
	}
	if d.Code != "" {
		parts = append(parts, "error code: "+d.Code)
	}
	if d.Explanation != "" {
		parts = append(parts, d.Explanation)
	}
	return strings.Join(parts, "; ")
}
