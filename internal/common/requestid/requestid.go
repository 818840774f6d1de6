package requestid

import (
	"context"
	"net/http"

	"github.com/renstrom/shortuuid"
)

// Request ids are carried in HTTP headers under this key.
// This is the standard key used for request ids. For example, opentelemetry uses the same one.
const HeaderKey = "x-request-id"

type contextKey int

const requestIdKey contextKey = iota

// FromContext returns the request id stored in a context, if one is
// available. The second return value is true if the operation was successful.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIdKey).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// FromContextOrMissing returns the request id stored in a context, if one is
// available. If none is available, the string "missing" is returned.
func FromContextOrMissing(ctx context.Context) string {
	if id, ok := FromContext(ctx); ok {
		return id
	}
	return "missing"
}

// AddToContext returns a new context derived from ctx that is annotated with an id.
// If ctx already has an id, it is overwritten.
func AddToContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIdKey, id)
}

// Middleware returns a handler that annotates incoming HTTP requests with an
// id, generated using github.com/renstrom/shortuuid, and reflects it on the
// response. If replace is false, requests that already carry an id keep it.
func Middleware(next http.Handler, replace bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderKey)
		if id == "" || replace {
			id = shortuuid.New()
		}
		w.Header().Set(HeaderKey, id)
		next.ServeHTTP(w, r.WithContext(AddToContext(r.Context(), id)))
	})
}
