package rpc

import (
	"errors"
	"net/http"

	"github.com/ryandielhenn/zephyrkv/pkg/gossip"
	"github.com/ryandielhenn/zephyrkv/pkg/kv"
)

var (
	ErrNodeUnreachable = errors.New("rpc: node unreachable")
	ErrServerError     = errors.New("rpc: server error")
	ErrInvalidResponse = errors.New("rpc: invalid response")
	ErrBadRequest      = errors.New("rpc: bad request")
)

// statusOf maps handler errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, gossip.ErrMalformedIdentity),
		errors.Is(err, gossip.ErrMalformedState),
		errors.Is(err, kv.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, kv.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, kv.ErrTableOverflow):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

// errorOf is the inverse of statusOf on the client side: it returns the
// sentinels a caller can match with errors.Is.
func errorOf(code int) []error {
	switch code {
	case http.StatusBadRequest:
		return []error{ErrBadRequest, kv.ErrInvalidRequest}
	case http.StatusConflict:
		return []error{ErrServerError, kv.ErrConflict}
	case http.StatusInsufficientStorage:
		return []error{ErrServerError, kv.ErrTableOverflow}
	default:
		return []error{ErrServerError}
	}
}
