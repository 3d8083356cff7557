// Package errors holds the error message wire format of the result
// endpoint.
package errors

import "fmt"

type ErrorMessage struct {
	Reason string `json:"message"`
	Advice string `json:"advice,omitempty"`

	// root cause. Not exposed on the wire.
	Cause error `json:"-"`
}

func (em ErrorMessage) Error() string {
	if em.Cause == nil {
		return em.Reason
	}
	return fmt.Sprintf("%s (caused by: %s)", em.Reason, em.Cause)
}

func (em ErrorMessage) Unwrap() error {
	return em.Cause
}
