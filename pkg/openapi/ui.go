package openapi

import (
	"html/template"
	"net/http"
	"strings"

	"github.com/edgeflare/sqlapi/pkg/httputil"
)

var uiTemplate = template.Must(template.New("ui").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <title>{{.Title}}</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
</head>
<body>
<div id="swagger-ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
<script>
  window.onload = () => {
    window.ui = SwaggerUIBundle({ url: {{.SpecURL}}, dom_id: "#swagger-ui" });
  };
</script>
</body>
</html>
`))

// UIHandler serves a Swagger UI page reading the document at specURL.
func UIHandler(title, specURL string) http.Handler {
	var b strings.Builder
	err := uiTemplate.Execute(&b, struct{ Title, SpecURL string }{title, specURL})
	page := b.String()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err != nil {
			httputil.Error(w, http.StatusInternalServerError, "Server Error")
			return
		}
		httputil.HTML(w, http.StatusOK, page)
	})
}
