// Package probs builds the RFC 7807 problem documents used for every
// client-visible protocol failure. The error vocabulary is the fixed set
// from RFC 8555 section 6.7; handlers never invent types outside it.
package probs

import (
	"fmt"
	"net/http"

	"github.com/certrelay/certrelay/internal/model"
)

const ns = "urn:ietf:params:acme:error:"

func problem(typ string, status int, detail string) *model.ProblemDetails {
	return &model.ProblemDetails{
		Type:   ns + typ,
		Detail: detail,
		Status: status,
	}
}

// BadNonce indicates the JWS anti-replay nonce was absent, expired or reused.
func BadNonce(detail string) *model.ProblemDetails {
	return problem("badNonce", http.StatusBadRequest, detail)
}

// Malformed indicates the request envelope or payload could not be processed.
func Malformed(detail string) *model.ProblemDetails {
	return problem("malformed", http.StatusBadRequest, detail)
}

func Malformedf(format string, args ...interface{}) *model.ProblemDetails {
	return Malformed(fmt.Sprintf(format, args...))
}

// Unauthorized indicates the signing key is not entitled to the resource.
func Unauthorized(detail string) *model.ProblemDetails {
	return problem("unauthorized", http.StatusForbidden, detail)
}

// AccountDoesNotExist indicates a kid referenced an unknown account.
func AccountDoesNotExist(detail string) *model.ProblemDetails {
	return problem("accountDoesNotExist", http.StatusBadRequest, detail)
}

// RejectedIdentifier indicates an identifier the policy will not issue for,
// or a challenge type that is not acceptable for the identifier.
func RejectedIdentifier(detail string) *model.ProblemDetails {
	return problem("rejectedIdentifier", http.StatusForbidden, detail)
}

// OrderNotReady indicates finalize was requested outside the ready state.
func OrderNotReady(detail string) *model.ProblemDetails {
	return problem("orderNotReady", http.StatusForbidden, detail)
}

// BadCSR indicates the finalize CSR did not match the order.
func BadCSR(detail string) *model.ProblemDetails {
	return problem("badCSR", http.StatusBadRequest, detail)
}

// AlreadyRevoked indicates a request tried to act on or as a revoked
// account.
func AlreadyRevoked(detail string) *model.ProblemDetails {
	return problem("alreadyRevoked", http.StatusForbidden, detail)
}

// RateLimited indicates the client exhausted a bounded retry budget.
func RateLimited(detail string) *model.ProblemDetails {
	return problem("rateLimited", http.StatusTooManyRequests, detail)
}

// Connection indicates a validation probe could not reach the identifier.
func Connection(detail string) *model.ProblemDetails {
	return problem("connection", http.StatusBadRequest, detail)
}

// ServerInternal is the only problem mapped to a 5xx; the detail must not
// leak internal state.
func ServerInternal(detail string) *model.ProblemDetails {
	return problem("serverInternal", http.StatusInternalServerError, detail)
}
