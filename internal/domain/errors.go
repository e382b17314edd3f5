package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrObjectNotFound = errors.New("object not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrMutexTimeout   = errors.New("mutex timeout")
	ErrPAR            = errors.New("par invalid")
	ErrService        = errors.New("service error")
	ErrUntrusted      = errors.New("service not trusted")
	ErrLogin          = errors.New("login failed")
	ErrPermission     = errors.New("permission denied")
	ErrPayment        = errors.New("payment refused")
	ErrLocked         = errors.New("account locked out")
	ErrBackendBound   = errors.New("a different object store backend is already bound")
)
