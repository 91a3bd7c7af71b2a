package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/libraryloans-backend/api/responses"
	pkgerrors "github.com/angelmondragon/libraryloans-backend/pkg/errors"
	"github.com/angelmondragon/libraryloans-backend/pkg/types"
)

func TestRequestIDEchoesValidHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	resp := httptest.NewRecorder()
	RequestID(nil)(okHandler()).ServeHTTP(resp, req)
	assert.Equal(t, "abc-123", resp.Header().Get("X-Request-Id"))
}

func TestRequestIDReplacesUnsafeHeader(t *testing.T) {
	for _, bad := range []string{"", "has space", strings.Repeat("x", maxRequestIDLen+1)} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-Id", bad)
		resp := httptest.NewRecorder()
		RequestID(nil)(okHandler()).ServeHTTP(resp, req)
		got := resp.Header().Get("X-Request-Id")
		assert.NotEqual(t, bad, got)
		assert.Len(t, got, 36)
	}
}

func TestErrorEnvelopeCarriesRequestID(t *testing.T) {
	handler := RequestID(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		responses.WriteError(r.Context(), nil, w, pkgerrors.New(pkgerrors.CodeNotFound, "borrow record not found"))
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "req-9")
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	var body types.ErrorEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "req-9", body.Error.RequestID)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestRecovererWritesInternalError(t *testing.T) {
	handler := Recoverer(nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))

	var body types.ErrorEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.Equal(t, string(pkgerrors.CodeInternal), body.Error.Code)
}
