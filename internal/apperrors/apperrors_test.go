package apperrors

import (
	"net/http"
	"testing"
)

func TestHTTPStatus_MapsEachClass(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{InvalidArgument.New("x"), http.StatusBadRequest},
		{NotFound.New("x"), http.StatusNotFound},
		{AlreadyExists.New("x"), http.StatusConflict},
		{Unauthenticated.New("x"), http.StatusUnauthorized},
		{FailedPrecondition.New("x"), http.StatusPreconditionFailed},
		{AttestationRejected.New("x"), http.StatusForbidden},
		{Internal.New("x"), http.StatusInternalServerError},
		{nil, http.StatusOK},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestCode_MapsEachClass(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{InvalidArgument.New("x"), "INVALID_ARGUMENT"},
		{NotFound.New("x"), "NOT_FOUND"},
		{AlreadyExists.New("x"), "ALREADY_EXISTS"},
		{Unauthenticated.New("x"), "UNAUTHENTICATED"},
		{FailedPrecondition.New("x"), "FAILED_PRECONDITION"},
		{AttestationRejected.New("x"), "ATTESTATION_REJECTED"},
		{Internal.New("x"), "INTERNAL"},
		{nil, "OK"},
	}
	for _, tt := range tests {
		if got := Code(tt.err); got != tt.want {
			t.Errorf("Code(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestHTTPStatus_UnclassifiedErrorIsInternal(t *testing.T) {
	plain := errPlain("boom")
	if got := HTTPStatus(plain); got != http.StatusInternalServerError {
		t.Fatalf("HTTPStatus(plain error) = %d, want 500", got)
	}
}

type errPlain string

func (e errPlain) Error() string { return string(e) }
