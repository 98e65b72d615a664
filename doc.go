// Package collabd exposes the Go APIs behind a single-binary collaboration
// coordination service: versioned JSON state with If-Match concurrency,
// exclusive leases that expire when their holder stops heartbeating, and an
// ordered event log that clients can tail over HTTP.
//
// # Running a server
//
// The server listens on the network specified by `Config.ListenProto`
// (default `tcp`) and address `Config.Listen`. All durable data lives under
// `Config.DataDir`, which a single process locks for its lifetime.
//
//	cfg := collabd.Config{
//	    DataDir: "/var/lib/collabd",
//	    Listen:  ":9450",
//	}
//	srv, err := collabd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("collabd: %v", err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
// StartServer wraps the same sequence and waits until the listener is bound,
// which is convenient for tests and sidecars:
//
//	srv, stop, err := collabd.StartServer(ctx, collabd.Config{
//	    DataDir:     t.TempDir(),
//	    ListenProto: "unix",
//	    Listen:      filepath.Join(dir, "collabd.sock"),
//	})
//	defer stop(context.Background())
//
// # Resources
//
// Resources are JSON documents addressed by kind and id. Every accepted write
// bumps the version by one; the version doubles as the entity tag, so
// updates and deletes must carry `If-Match: "<version>"`. Deletes leave a
// tombstone, which keeps version numbers monotonic if the id is reused.
//
// # Leases
//
// A lease gives one holder exclusive rights on a resource until
// heartbeat+ttl passes. Holders renew to push the deadline out. The reclaim
// sweep runs every `Config.SweepInterval` and releases leases whose holder
// went quiet, so a crashed worker's lease frees up within ttl plus one sweep.
//
// # Events
//
// Every state change and lease transition is appended to the event log with
// a gapless sequence number. `GET /events?since=N` pages through history and
// `GET /events/tail?since=N` streams NDJSON, interleaving heartbeat lines
// while idle. A tail that falls too far behind receives a `lagged` line and
// is closed; the Go client reconnects from its cursor, so delivery is
// at-least-once.
//
// # Integrations
//
// Setting `Config.RedisURL` mirrors every event to a Redis channel and keeps
// the mirror position in a Redis key. Setting `Config.ArchiveEndpoint` and
// `Config.ArchiveBucket` copies sealed log segments to S3-compatible object
// storage.
package collabd
