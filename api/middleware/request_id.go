package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/libraryloans-backend/api/responses"
	"github.com/angelmondragon/libraryloans-backend/pkg/logger"
)

const maxRequestIDLen = 128

// RequestID echoes a caller supplied X-Request-Id when it looks sane and
// generates one otherwise.
func RequestID(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get(responses.RequestIDHeader)
			if !validRequestID(reqID) {
				reqID = uuid.NewString()
			}

			w.Header().Set(responses.RequestIDHeader, reqID)
			ctx := logg.WithRequestID(r.Context(), reqID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		if c < '!' || c > '~' {
			return false
		}
	}
	return true
}
