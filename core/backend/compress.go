package backend

import (
	"net/http"

	"github.com/gorilla/handlers"
)

// handleCompression compresses responses for clients which accept it. Redirects and the
// metrics route stay uncompressed.
func (b *Backend) handleCompression() {
	compressionMiddleware := func(h http.Handler) http.Handler {
		compressed := handlers.CompressHandler(h)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicRoute(r) {
				h.ServeHTTP(w, r)
				return
			}
			compressed.ServeHTTP(w, r)
		})
	}
	b.router.Use(compressionMiddleware)
}
