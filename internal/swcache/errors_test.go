package swcache

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyFetchError(t *testing.T) {
	assert.NoError(t, classifyFetchError(nil))

	err := classifyFetchError(errNetworkDown)
	assert.Equal(t, platformerrors.CodeNetwork, platformerrors.GetCode(err))
	assert.ErrorIs(t, err, errNetworkDown)

	err = classifyFetchError(fmt.Errorf("dial: %w", context.DeadlineExceeded))
	assert.Equal(t, platformerrors.CodeTimeout, platformerrors.GetCode(err))

	assert.Equal(t, context.Canceled, classifyFetchError(context.Canceled))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: ErrClosed, want: http.StatusServiceUnavailable},
		{err: fmt.Errorf("send: %w", ErrClosed), want: http.StatusServiceUnavailable},
		{err: platformerrors.New(platformerrors.CodeNotFound, "gone"), want: http.StatusNotFound},
		{err: invalidInput(errNetworkDown, "bad"), want: http.StatusBadRequest},
		{err: statusError(http.StatusBadGateway), want: http.StatusServiceUnavailable},
		{err: classifyFetchError(errNetworkDown), want: http.StatusBadGateway},
		{err: errNetworkDown, want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, httpStatus(tt.err), tt.err.Error())
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, platformerrors.New(platformerrors.CodeNotFound, "nothing shared"))
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"code":"NOT_FOUND","message":"nothing shared","classification":"PERMANENT"}`, w.Body.String())
}
