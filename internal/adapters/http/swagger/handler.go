// Package swagger serves the API reference.
package swagger

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// redocScript is the pinned ReDoc bundle loaded by the docs page.
const redocScript = "https://cdn.redoc.ly/redoc/v2.1.5/bundles/redoc.standalone.js"

// Register attaches the docs routes to r.
//
//	GET /api-docs      -> ReDoc HTML
//	GET /openapi.yaml  -> embedded OpenAPI spec
func Register(r chi.Router) {
	if r == nil {
		panic("router is nil")
	}
	r.Get("/api-docs", HandleDocs)
	r.Get("/openapi.yaml", HandleSpec)
}

// HandleDocs serves the ReDoc page.
func HandleDocs(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

// HandleSpec serves the OpenAPI document.
func HandleSpec(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	_, _ = w.Write(OpenAPI)
}

const indexHTML = `<!doctype html>
<html>
  <head>
    <meta charset="utf-8">
    <title>Fleetwatch API Docs</title>
    <style>body{margin:0;padding:0}</style>
  </head>
  <body>
    <redoc id="redoc-container"></redoc>
    <script src="` + redocScript + `"></script>
    <script>Redoc.init('/openapi.yaml', { suppressWarnings: true }, document.getElementById('redoc-container'));</script>
  </body>
</html>`
