package apierrors

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusMapsEachKind(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:       http.StatusBadRequest,
		KindUnauthorized:     http.StatusUnauthorized,
		KindNotFound:         http.StatusNotFound,
		KindNotImplemented:   http.StatusNotImplemented,
		KindNoDevice:         http.StatusServiceUnavailable,
		KindQueueFull:        http.StatusServiceUnavailable,
		KindModelFetchFailed: http.StatusServiceUnavailable,
		KindInternal:         http.StatusInternalServerError,
	}
	for kind, status := range cases {
		assert.Equal(t, status, Status(kind))
	}
}

func TestStatusUnknownKindDefaultsInternal(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, Status(Kind("bogus")))
}

func TestWriteJSONTypedError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, New(KindNotFound, "unknown template: foo"))

	assert.Equal(t, http.StatusNotFound, rec.Code)

	var decoded body
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&decoded))
	assert.Equal(t, "unknown template: foo", decoded.Detail)
}

func TestWriteJSONPlainErrorDefaultsInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, errors.New("boom"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindModelFetchFailed, "fetch failed", cause)
	assert.ErrorIs(t, err, cause)
}
