// Command swaggerhtml embeds a generated swagger.json into a standalone
// Swagger UI page.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"html"
	"os"
)

func main() {
	specPath := flag.String("spec", "", "path to swagger.json")
	outPath := flag.String("out", "", "path to generated swagger HTML")
	title := flag.String("title", "collabd API reference", "page title")
	flag.Parse()

	if *specPath == "" || *outPath == "" {
		fmt.Fprintln(os.Stderr, "usage: swaggerhtml -spec docs/swagger.json -out docs/swagger.html")
		os.Exit(2)
	}
	if err := run(*specPath, *outPath, *title); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(specPath, outPath, title string) error {
	specBytes, err := os.ReadFile(specPath)
	if err != nil {
		return fmt.Errorf("read spec: %w", err)
	}
	page, err := render(specBytes, title)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outPath, page, 0o644); err != nil {
		return fmt.Errorf("write html: %w", err)
	}
	return nil
}

func render(spec []byte, title string) ([]byte, error) {
	var compact bytes.Buffer
	if err := json.Compact(&compact, spec); err != nil {
		return nil, fmt.Errorf("compact spec: %w", err)
	}
	return fmt.Appendf(nil, `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>%s</title>
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
  <style>
    body { margin: 0; background: #f7f7f7; }
  </style>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    window.onload = function() {
      SwaggerUIBundle({
        spec: %s,
        dom_id: '#swagger-ui',
        deepLinking: true,
        presets: [SwaggerUIBundle.presets.apis],
      });
    };
  </script>
</body>
</html>
`, html.EscapeString(title), compact.String()), nil
}
