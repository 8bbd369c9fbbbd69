// Package apperrors implements the error taxonomy every component in this
// control plane surfaces: a small, fixed set of classes that map 1:1 onto
// HTTP status codes at the transport edge, so handlers never invent their
// own status-code decisions.
package apperrors

import (
	"net/http"

	"github.com/zeebo/errs"
)

var (
	// InvalidArgument is a shape/range failure on caller input.
	InvalidArgument = errs.Class("invalid_argument")
	// NotFound means an id referenced by the caller does not exist.
	NotFound = errs.Class("not_found")
	// AlreadyExists means a create collided with an existing id.
	AlreadyExists = errs.Class("already_exists")
	// Unauthenticated means a caller's SVID is missing or expired.
	Unauthenticated = errs.Class("unauthenticated")
	// FailedPrecondition means there is no active signing key, or the
	// target entry has expired.
	FailedPrecondition = errs.Class("failed_precondition")
	// AttestationRejected means a node or workload attestor plugin
	// rejected the evidence it was given.
	AttestationRejected = errs.Class("attestation_rejected")
	// Internal wraps a store or crypto failure not caused by the caller.
	Internal = errs.Class("internal")
)

// classStatus pairs a taxonomy class with the HTTP status it surfaces as,
// checked in order so the first matching class wins. It holds pointers to
// the package-level classes because errs.Class.Has matches on the identity
// of the class an error was created from, which a copied value never has.
type classStatus struct {
	class  *errs.Class
	status int
}

var orderedClasses = []classStatus{
	{&InvalidArgument, http.StatusBadRequest},
	{&NotFound, http.StatusNotFound},
	{&AlreadyExists, http.StatusConflict},
	{&Unauthenticated, http.StatusUnauthorized},
	{&FailedPrecondition, http.StatusPreconditionFailed},
	{&AttestationRejected, http.StatusForbidden},
	{&Internal, http.StatusInternalServerError},
}

// HTTPStatus maps an error produced by this package to the status code
// spec §7 assigns to its taxonomy entry. Unclassified errors are internal.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	for _, cs := range orderedClasses {
		if cs.class.Has(err) {
			return cs.status
		}
	}
	return http.StatusInternalServerError
}

// Code returns the taxonomy name ("NOT_FOUND", "INTERNAL", ...) for err,
// used in per-id batch results (spec §4.1, §6) and in JSON error bodies.
func Code(err error) string {
	if err == nil {
		return "OK"
	}
	switch {
	case InvalidArgument.Has(err):
		return "INVALID_ARGUMENT"
	case NotFound.Has(err):
		return "NOT_FOUND"
	case AlreadyExists.Has(err):
		return "ALREADY_EXISTS"
	case Unauthenticated.Has(err):
		return "UNAUTHENTICATED"
	case FailedPrecondition.Has(err):
		return "FAILED_PRECONDITION"
	case AttestationRejected.Has(err):
		return "ATTESTATION_REJECTED"
	default:
		return "INTERNAL"
	}
}
