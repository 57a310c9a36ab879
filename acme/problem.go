package acme

import (
	"errors"
	"fmt"
	"net/http"
)

const problemTypePrefix = "urn:ietf:params:acme:error:"

// Problem is an RFC 7807 problem document carrying the ACME error taxonomy.
// It implements error so engine operations can surface it directly; anything
// that is not a *Problem renders as serverInternal without leaking detail.
type Problem struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
	Status int    `json:"status"`
}

func (p *Problem) Error() string {
	return fmt.Sprintf("%s: %s", p.Type, p.Detail)
}

func newProblem(code, detail string, status int) *Problem {
	return &Problem{Type: problemTypePrefix + code, Detail: detail, Status: status}
}

func ProblemMalformed(detail string) *Problem {
	return newProblem("malformed", detail, http.StatusBadRequest)
}

func ProblemUnauthorized(detail string) *Problem {
	return newProblem("unauthorized", detail, http.StatusUnauthorized)
}

func ProblemBadNonce(detail string) *Problem {
	return newProblem("badNonce", detail, http.StatusBadRequest)
}

func ProblemBadSignatureAlgorithm(detail string) *Problem {
	return newProblem("badSignatureAlgorithm", detail, http.StatusBadRequest)
}

func ProblemBadCSR(detail string) *Problem {
	return newProblem("badCSR", detail, http.StatusBadRequest)
}

func ProblemBadIdentifier(detail string) *Problem {
	return newProblem("malformed", detail, http.StatusBadRequest)
}

func ProblemRejectedIdentifier(detail string) *Problem {
	return newProblem("rejectedIdentifier", detail, http.StatusBadRequest)
}

func ProblemConnection(detail string) *Problem {
	return newProblem("connection", detail, http.StatusBadRequest)
}

func ProblemIncorrectResponse(detail string) *Problem {
	return newProblem("incorrectResponse", detail, http.StatusBadRequest)
}

func ProblemOrderNotReady(detail string) *Problem {
	return newProblem("orderNotReady", detail, http.StatusForbidden)
}

func ProblemAccountDoesNotExist(detail string) *Problem {
	return newProblem("accountDoesNotExist", detail, http.StatusBadRequest)
}

func ProblemAlreadyRevoked(detail string) *Problem {
	return newProblem("alreadyRevoked", detail, http.StatusBadRequest)
}

func ProblemServerInternal() *Problem {
	return newProblem("serverInternal", "internal server error", http.StatusInternalServerError)
}

// AsProblem maps any error to a renderable problem document. Non-problem
// errors collapse to a generic serverInternal, never exposing internals.
func AsProblem(err error) *Problem {
	var p *Problem
	if errors.As(err, &p) {
		return p
	}
	return ProblemServerInternal()
}
