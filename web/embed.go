// Package web embeds the compiled dashboard bundle (dist/) and serves it
// as a single-page application. When the bundle has not been built, run
// the frontend dev server and point it at the gateway instead.
package web

import (
	"embed"
	"io/fs"
	"net/http"
	"strings"
)

//go:embed all:dist
var bundle embed.FS

// Handler serves the embedded dashboard. Paths that match a bundled file
// are served as-is; everything else falls back to index.html so the
// client-side router can resolve it.
func Handler() http.Handler {
	dist, err := fs.Sub(bundle, "dist")
	if err != nil {
		panic("web: dist bundle missing: " + err.Error())
	}

	files := http.FileServer(http.FS(dist))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		if name == "" {
			name = "index.html"
		}

		if f, err := dist.Open(name); err == nil {
			_ = f.Close()
			// Hashed assets never change, so let browsers keep them.
			if strings.HasPrefix(name, "assets/") {
				w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
			}
			files.ServeHTTP(w, r)
			return
		}

		r.URL.Path = "/"
		files.ServeHTTP(w, r)
	})
}
