package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/angelmondragon/libraryloans-backend/pkg/logger"
)

func TestLoggingWritesOneEntryPerRequest(t *testing.T) {
	buf := &bytes.Buffer{}
	logg := logger.New(logger.Options{ServiceName: "test", Level: logger.ParseLevel("info"), Output: buf})
	handler := Logging(logg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/borrows", nil))

	out := buf.String()
	if strings.Count(out, "request.complete") != 1 {
		t.Fatalf("expected a single entry, got %s", out)
	}
	for _, want := range []string{`"level":"warn"`, `"status":503`, `"bytes":4`, `"path":"/api/v1/borrows"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in %s", want, out)
		}
	}
}

func TestLoggingHealthChecksAtDebug(t *testing.T) {
	buf := &bytes.Buffer{}
	logg := logger.New(logger.Options{ServiceName: "test", Level: logger.ParseLevel("info"), Output: buf})
	handler := Logging(logg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health/live", nil))

	if buf.Len() != 0 {
		t.Fatalf("health check logged at info level: %s", buf.String())
	}
}
