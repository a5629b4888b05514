package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/pipepulse/pipepulse/internal/api/middleware"
)

// GetSubject retrieves the authenticated token subject from the context.
// This is a convenience wrapper around middleware.GetSubject.
func GetSubject(ctx context.Context) string {
	return middleware.GetSubject(ctx)
}

// queryInt parses an integer query parameter, returning def when absent
// or malformed.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
