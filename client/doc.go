// Package client is the Go SDK for a collabd server.
//
// # Quick start
//
// The base URL scheme selects the transport:
//
//   - http://host:9450 or https://host:9450 for TCP
//   - unix:///path/to/collabd.sock when the server listens on a local socket
//
// A worker that claims a job, edits the job document and releases its lease:
//
//	cli, err := client.New("http://127.0.0.1:9450", client.WithActor("worker-1"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	lease, err := cli.Acquire(ctx, "jobs", "J9", "worker-1", 30)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	doc, err := cli.Get(ctx, "jobs", "J9")
//	...
//	_, err = cli.Update(ctx, "jobs", "J9", doc.ETag, newPayload)
//	_, _ = cli.Release(ctx, lease.LockID, "worker-1")
//
// Conflicts surface as *APIError values; use IsConflict, IsNotFound and the
// other helpers to branch on them.
//
// # Following the event log
//
// Tail returns a TailStream that replays events after a cursor and then
// follows the log. Delivery is at-least-once across reconnects; the stream
// drops duplicates by seq, so callers see each seq once per stream.
package client
