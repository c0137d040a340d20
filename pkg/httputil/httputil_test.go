package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/plughost/pkg/observability"
	"github.com/platinummonkey/plughost/pkg/plugins"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	err := WriteJSON(w, http.StatusOK, map[string]string{"message": "success"})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "success")
}

func TestWritePluginError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		status   int
		category string
	}{
		{"not found", plugins.NewError(plugins.ErrPluginNotFound, "x", "missing"), http.StatusNotFound, "NotFound"},
		{"conflict", plugins.NewError(plugins.ErrAlreadyInstalled, "x", "taken"), http.StatusConflict, "Conflict"},
		{"checksum", plugins.NewError(plugins.ErrChecksumMismatch, "x", "bad"), http.StatusUnprocessableEntity, "IntegrityError"},
		{"circuit", plugins.NewError(plugins.ErrCircuitOpen, "x", "down"), http.StatusServiceUnavailable, "CircuitOpen"},
		{"source", plugins.NewError(plugins.ErrNetwork, "", "refused"), http.StatusBadGateway, "SourceError"},
		{"plain", errors.New("boom"), http.StatusInternalServerError, "Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WritePluginError(w, tt.err)
			assert.Equal(t, tt.status, w.Code)

			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tt.category, resp.Category)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestParseJSONOrError(t *testing.T) {
	var dest struct{ Name string }
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x"}`))
	assert.True(t, ParseJSONOrError(httptest.NewRecorder(), r, &dest))
	assert.Equal(t, "x", dest.Name)

	w := httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	assert.False(t, ParseJSONOrError(w, r, &dest))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParseJSON_Strict(t *testing.T) {
	var dest struct{ Name string }

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x","extra":1}`))
	assert.Error(t, ParseJSON(r, &dest))

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x"} {"name":"y"}`))
	assert.Error(t, ParseJSON(r, &dest))

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(``))
	err := ParseJSON(r, &dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestParseQueryBool(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?force=true&bad=maybe", nil)

	v, err := ParseQueryBool(r, "force", false)
	require.NoError(t, err)
	assert.True(t, v)

	v, err = ParseQueryBool(r, "missing", true)
	require.NoError(t, err)
	assert.True(t, v)

	_, err = ParseQueryBool(r, "bad", false)
	assert.Error(t, err)

	r = httptest.NewRequest(http.MethodGet, "/?force", nil)
	v, err = ParseQueryBool(r, "force", false)
	require.NoError(t, err)
	assert.True(t, v)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = observability.GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(RequestIDHeader, "abc")
	h.ServeHTTP(w, r)
	assert.Equal(t, "abc", seen)
	assert.Equal(t, "abc", w.Header().Get(RequestIDHeader))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.NotEqual(t, "abc", seen)
	assert.Equal(t, seen, w.Header().Get(RequestIDHeader))
}

func TestRecoveryMiddleware(t *testing.T) {
	logger, hook := test.NewNullLogger()
	h := RecoveryMiddleware(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestLoggingMiddleware(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	h := Chain(RequestIDMiddleware, LoggingMiddleware(logger))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/tea", nil))
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, http.StatusTeapot, entry.Data["status"])
	assert.Equal(t, "/tea", entry.Data["path"])
	assert.NotEmpty(t, entry.Data["request_id"])
}

func TestMaxBytesMiddleware(t *testing.T) {
	h := MaxBytesMiddleware(4)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var v interface{}
		if !ParseJSONOrError(w, r, &v) {
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"long":"body"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
