package envelope

import (
	"errors"
	"fmt"

	"acquire/internal/domain"
)

// RemoteCallError is how a non-zero envelope response surfaces on the
// caller. It unwraps to the domain sentinel matching the remote exception
// class so callers can branch on error kind without string comparison.
type RemoteCallError struct {
	Status         int
	Message        string
	ExceptionClass string
	Traceback      string
}

func (e *RemoteCallError) Error() string {
	if e.ExceptionClass != "" {
		return fmt.Sprintf("remote call failed (%s): %s", e.ExceptionClass, e.Message)
	}
	return fmt.Sprintf("remote call failed (status %d): %s", e.Status, e.Message)
}

func (e *RemoteCallError) Unwrap() error {
	if sentinel, ok := classToError[e.ExceptionClass]; ok {
		return sentinel
	}
	return nil
}

var errorToClass = map[error]string{
	domain.ErrNotFound:       "NotFoundError",
	domain.ErrObjectNotFound: "ObjectStoreError",
	domain.ErrMutexTimeout:   "MutexTimeoutError",
	domain.ErrPAR:            "PARError",
	domain.ErrService:        "ServiceError",
	domain.ErrUntrusted:      "ServiceError",
	domain.ErrLogin:          "LoginError",
	domain.ErrLocked:         "LoginError",
	domain.ErrPermission:     "PermissionError",
	domain.ErrPayment:        "PaymentError",
}

var classToError = map[string]error{
	"NotFoundError":     domain.ErrNotFound,
	"ObjectStoreError":  domain.ErrObjectNotFound,
	"MutexTimeoutError": domain.ErrMutexTimeout,
	"PARError":          domain.ErrPAR,
	"ServiceError":      domain.ErrService,
	"LoginError":        domain.ErrLogin,
	"PermissionError":   domain.ErrPermission,
	"PaymentError":      domain.ErrPayment,
}

// classify maps an error to its wire exception class. Unknown errors are
// generic ServiceErrors; their text crosses the wire, their wrapping does not.
func classify(err error) string {
	for sentinel, class := range errorToClass {
		if errors.Is(err, sentinel) {
			return class
		}
	}
	return "ServiceError"
}
