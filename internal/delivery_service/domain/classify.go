package domain

import (
	"context"
	"errors"
	"net"
)

// ClassifyError turns whatever a provider call returned into a persisted Failure.
// Adapter errors carry their own category; transport errors are network or timeout;
// anything else is unknown (and therefore retryable).
func ClassifyError(err error) Failure {
	if err == nil {
		return Failure{}
	}

	var perr *ProviderError
	if errors.As(err, &perr) {
		cat := perr.Category
		if cat == CategoryNone {
			cat = CategoryUnknown
		}
		return NewFailure(cat, perr.Code, perr.Message)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewFailure(CategoryTimeout, "", err.Error())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewFailure(CategoryTimeout, "", err.Error())
		}
		return NewFailure(CategoryNetwork, "", err.Error())
	}

	return NewFailure(CategoryUnknown, "", err.Error())
}
