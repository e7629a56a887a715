package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrKeyRevoked   = errors.New("api key revoked")
	ErrKeyExpired   = errors.New("api key expired")
	ErrBadRequest   = errors.New("bad request")
	ErrNotFound     = errors.New("not found")
	ErrNoRoute      = errors.New("no route")
	ErrUpstream     = errors.New("upstream error")
	ErrUnavailable  = errors.New("backend unavailable")
)

// PolicyError is a request validation failure whose message is intended for
// the client. It matches ErrBadRequest under errors.Is.
type PolicyError string

func (e PolicyError) Error() string { return string(e) }

func (e PolicyError) Is(target error) bool { return target == ErrBadRequest }
