package swagger

//go:generate swag init --generalInfo swagger.go --output docs --dir .,../internal/httpapi,../api --parseInternal --generatedTime=false
//go:generate go run ./internal/swaggerhtml --spec docs/swagger.json --out docs/swagger.html --title "collabd API reference"

// @title           collabd API
// @version         0.0
// @description     collabd coordinates collaborators through versioned JSON resources with If-Match writes, exclusive leases with TTLs, and a durable ordered event log with live tails.
// @license.name    MIT
// @license.url     https://opensource.org/license/mit/
// @BasePath        /
// @schemes         http
// @accept          json
// @produce         json
// @tag.name        state
// @tag.description Versioned resources, optimistic concurrency and tombstones.
// @tag.name        leases
// @tag.description Lease acquisition, renewal, release and inspection.
// @tag.name        events
// @tag.description Event append, paged reads and the NDJSON tail.
// @tag.name        system
// @tag.description Service health and readiness probes.

// Package swagger provides go:generate hooks for producing OpenAPI assets.
type Package struct{}
