package swcache

import (
	"context"
	"errors"
	"net/http"

	platformerrors "github.com/jmgilman/go/errors"
)

var (
	ErrNotFound = errors.New("swcache: not found")
	ErrClosed   = errors.New("swcache: closed")
)

// classifyFetchError maps a failed network round trip to a platform error
// code. Cancellation by the caller is passed through unchanged.
func classifyFetchError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return platformerrors.Wrap(err, platformerrors.CodeTimeout, "fetch timed out")
	}
	return platformerrors.Wrap(err, platformerrors.CodeNetwork, "network unreachable")
}

// statusError reports an origin status that counts as a failed delivery.
func statusError(status int) error {
	return platformerrors.Newf(platformerrors.CodeUnavailable, "origin status %d", status)
}

func invalidInput(err error, msg string) error {
	return platformerrors.Wrap(err, platformerrors.CodeInvalidInput, msg)
}

func httpStatus(err error) int {
	if errors.Is(err, ErrClosed) {
		return http.StatusServiceUnavailable
	}
	switch platformerrors.GetCode(err) {
	case platformerrors.CodeNotFound:
		return http.StatusNotFound
	case platformerrors.CodeInvalidInput:
		return http.StatusBadRequest
	case platformerrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	case platformerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case platformerrors.CodeNetwork:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError renders err as the JSON error body of a control endpoint.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), platformerrors.ToJSON(err))
}
