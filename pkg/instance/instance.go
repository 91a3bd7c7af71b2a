package instance

import "github.com/angelmondragon/libraryloans-backend/pkg/env"

// GetID returns the process instance identifier, checking WORKER_ID then the
// platform DYNO name, and falling back to fallback.
func GetID(fallback string) string {
	return env.First(fallback, "WORKER_ID", "DYNO")
}
