// Package api defines the JSON wire types of the collabd HTTP surface.
//
// Resources are addressed as /state/{kind}/{id}. Their version doubles as
// the entity tag: responses carry it in the ETag header (quoted) and in the
// etag field (bare), and conditional writes send it back in If-Match.
//
// The tail endpoint streams newline-delimited JSON. Each line is either an
// Event or a control message whose type is "heartbeat" or "lagged" and
// whose cursor is the seq of the last event written on the stream. Delivery
// is at-least-once across reconnects: a client that resumes with
// since=<last seen seq> may see events it already processed and must
// deduplicate by seq. A "lagged" line means the client fell behind the
// server's buffer; it should reconnect with since=cursor.
package api
