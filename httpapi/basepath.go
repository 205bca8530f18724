package httpapi

import (
	"net/http"
	"strings"
)

// basePath is the URL prefix the bridge is mounted under. The zero value mounts at the root.
type basePath string

func newBasePath(value string) basePath {
	trimmed := strings.Trim(strings.TrimSpace(value), "/")
	if trimmed == "" {
		return ""
	}
	return basePath("/" + trimmed)
}

// mount serves handler below the prefix and redirects the bare prefix to its slash form.
func (p basePath) mount(handler http.Handler) http.Handler {
	if p == "" {
		return handler
	}
	prefix := string(p)
	mux := http.NewServeMux()
	mux.Handle(prefix+"/", http.StripPrefix(prefix, handler))
	mux.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, prefix+"/", http.StatusTemporaryRedirect)
	})
	return mux
}

// href returns the <base href> value for pages served under the prefix, or "" when the
// UI lives at the root of its own origin.
func (p basePath) href(baseURL string) string {
	joined := strings.TrimRight(strings.TrimSpace(baseURL), "/") + string(p)
	if joined == "" {
		return ""
	}
	return joined + "/"
}
