package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOrigin = "https://ops.example.edu"

func TestPreflightForTreeMappingAllowsPutWithCredentials(t *testing.T) {
	f := newRouterFixture(t)

	request := httptest.NewRequest(http.MethodOptions, "/trees/1/category", http.NoBody)
	request.Header.Set("Origin", testOrigin)
	request.Header.Set("Access-Control-Request-Method", http.MethodPut)
	request.Header.Set("Access-Control-Request-Headers", "Authorization, Content-Type")
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusNoContent, recorder.Code, "preflight must not reach the token check")
	headers := recorder.Header()
	assert.Equal(t, testOrigin, headers.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", headers.Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, headers.Get("Access-Control-Allow-Methods"), http.MethodPut)
	assert.Contains(t, headers.Get("Access-Control-Allow-Methods"), http.MethodDelete)
	assert.Contains(t, headers.Get("Access-Control-Allow-Headers"), "Authorization")
	assert.Equal(t, "43200", headers.Get("Access-Control-Max-Age"))
}

func TestCycleResponseCarriesCORSHeaders(t *testing.T) {
	f := newRouterFixture(t)

	request := httptest.NewRequest(http.MethodPost, "/cycles", http.NoBody)
	request.Header.Set("Origin", testOrigin)
	request.Header.Set("Authorization", "Bearer "+f.token)
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	assert.Equal(t, testOrigin, recorder.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", recorder.Header().Get("Access-Control-Allow-Credentials"))
}

func TestRejectedCycleRequestStillCarriesCORSHeaders(t *testing.T) {
	f := newRouterFixture(t)

	request := httptest.NewRequest(http.MethodPost, "/cycles", http.NoBody)
	request.Header.Set("Origin", testOrigin)
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Equal(t, testOrigin, recorder.Header().Get("Access-Control-Allow-Origin"),
		"browsers need the origin header to read the 401")
}
