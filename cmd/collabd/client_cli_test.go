package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/collabd"
	"pkt.systems/collabd/api"
	collabdclient "pkt.systems/collabd/client"
)

func startCLITestServer(t *testing.T) (string, string) {
	t.Helper()
	dataDir := t.TempDir()
	sockDir, err := os.MkdirTemp("", "cdcli")
	if err != nil {
		t.Fatalf("socket dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(sockDir) })
	cfg := collabd.Config{
		DataDir:     dataDir,
		ListenProto: "unix",
		Listen:      filepath.Join(sockDir, "collabd.sock"),
	}
	_, stop, err := collabd.StartServer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = stop(context.Background()) })
	return "unix://" + cfg.Listen, dataDir
}

func parseExports(t *testing.T, out string) map[string]string {
	t.Helper()
	exports := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		rest, ok := strings.CutPrefix(line, "export ")
		if !ok {
			continue
		}
		name, value, ok := strings.Cut(rest, "=")
		if !ok {
			t.Fatalf("malformed export line %q", line)
		}
		exports[name] = strings.Trim(value, `"`)
	}
	return exports
}

func countLines(out string) int {
	return len(strings.Split(strings.TrimSpace(out), "\n"))
}

func TestClientCLIStateLeaseAndEvents(t *testing.T) {
	server, dataDir := startCLITestServer(t)

	stdout, _, err := executeRootCommand(t, strings.NewReader(`{"title": "draft"}`),
		"client", "--server", server, "state", "create", "doc", "D1")
	if err != nil {
		t.Fatalf("state create: %v", err)
	}
	exports := parseExports(t, stdout)
	if exports[envID] != "D1" || exports[envETag] != "1" {
		t.Fatalf("unexpected create exports: %v", exports)
	}

	yamlPath := filepath.Join(t.TempDir(), "doc.yaml")
	if err := os.WriteFile(yamlPath, []byte("title: final\ntags:\n  - a\n"), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	stdout, _, err = executeRootCommand(t, nil,
		"client", "--server", server, "state", "update", "doc", "D1", "--etag", "1", "-f", yamlPath)
	if err != nil {
		t.Fatalf("state update: %v", err)
	}
	if got := parseExports(t, stdout)[envETag]; got != "2" {
		t.Fatalf("etag after update=%q want 2", got)
	}

	_, _, err = executeRootCommand(t, strings.NewReader(`{}`),
		"client", "--server", server, "state", "update", "doc", "D1", "--etag", "1")
	if !collabdclient.IsConflict(err) {
		t.Fatalf("expected version conflict for stale etag, got %v", err)
	}

	stdout, _, err = executeRootCommand(t, nil,
		"client", "--server", server, "state", "get", "doc", "D1", "-o", "json")
	if err != nil {
		t.Fatalf("state get: %v", err)
	}
	var res api.ResourceResponse
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("decode get output: %v\n%s", err, stdout)
	}
	var payload bytes.Buffer
	if err := json.Compact(&payload, res.Payload); err != nil {
		t.Fatalf("compact payload: %v", err)
	}
	if res.Version != 2 || payload.String() != `{"tags":["a"],"title":"final"}` {
		t.Fatalf("unexpected resource: version=%d payload=%s", res.Version, payload.String())
	}

	stdout, _, err = executeRootCommand(t, nil,
		"client", "--server", server, "lease", "acquire", "doc", "D1", "--holder", "editor-1", "--ttl", "10s")
	if err != nil {
		t.Fatalf("lease acquire: %v", err)
	}
	lease := parseExports(t, stdout)
	if lease[envLockID] == "" || lease[envHolder] != "editor-1" || lease[envExpires] == "" {
		t.Fatalf("unexpected lease exports: %v", lease)
	}

	_, _, err = executeRootCommand(t, nil,
		"client", "--server", server, "lease", "acquire", "doc", "D1", "--holder", "editor-2")
	if !collabdclient.IsLeaseConflict(err) {
		t.Fatalf("expected lease conflict, got %v", err)
	}

	_, _, err = executeRootCommand(t, nil,
		"client", "--server", server, "lease", "release", lease[envLockID], "--holder", "editor-1")
	if err != nil {
		t.Fatalf("lease release: %v", err)
	}

	stdout, _, err = executeRootCommand(t, nil,
		"client", "--server", server, "events", "read", "--since", "0")
	if err != nil {
		t.Fatalf("events read: %v", err)
	}
	if n := countLines(stdout); n != 4 {
		t.Fatalf("expected 4 events (create, update, acquire, release), got %d:\n%s", n, stdout)
	}

	stdout, _, err = executeRootCommand(t, nil, "log", "dump", "-d", dataDir, "--type", "lease_acquired")
	if err != nil {
		t.Fatalf("log dump: %v", err)
	}
	var ev api.Event
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &ev); err != nil {
		t.Fatalf("decode dumped event: %v\n%s", err, stdout)
	}
	if ev.Seq != 3 || ev.Target.LockID != lease[envLockID] {
		t.Fatalf("unexpected dumped event: %+v", ev)
	}
}

func TestClientCLIEventsAppendAndTail(t *testing.T) {
	server, _ := startCLITestServer(t)

	stdout, _, err := executeRootCommand(t, nil,
		"client", "--server", server, "events", "append", "comment", "--kind", "doc", "--id", "D1", "--details", `{"text":"lgtm"}`)
	if err != nil {
		t.Fatalf("events append: %v", err)
	}
	if got := parseExports(t, stdout)[envCursor]; got != "1" {
		t.Fatalf("cursor=%q want 1", got)
	}

	_, _, err = executeRootCommand(t, nil,
		"client", "--server", server, "events", "append", "comment", "--details", `{not json`)
	if err == nil {
		t.Fatalf("expected invalid details to fail")
	}

	stdout, _, err = executeRootCommand(t, nil,
		"client", "--server", server, "events", "tail", "--since", "0", "--count", "1")
	if err != nil {
		t.Fatalf("events tail: %v", err)
	}
	var ev api.Event
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &ev); err != nil {
		t.Fatalf("decode tailed event: %v\n%s", err, stdout)
	}
	if ev.Seq != 1 || ev.Type != "comment" || string(ev.Details) != `{"text":"lgtm"}` {
		t.Fatalf("unexpected tailed event: %+v", ev)
	}
}

func TestResolveArgFallsBackToEnv(t *testing.T) {
	t.Setenv(envLockID, "L-123")
	got, err := resolveArg(nil, 0, envLockID, "lock id")
	if err != nil {
		t.Fatalf("resolveArg: %v", err)
	}
	if got != "L-123" {
		t.Fatalf("resolveArg=%q want L-123", got)
	}
	got, err = resolveArg([]string{"L-9"}, 0, envLockID, "lock id")
	if err != nil || got != "L-9" {
		t.Fatalf("argument should win over env: %q %v", got, err)
	}
	t.Setenv(envLockID, "")
	if _, err := resolveArg(nil, 0, envLockID, "lock id"); err == nil {
		t.Fatalf("expected error without argument or env")
	}
}

func TestDurationSecondsRoundsUp(t *testing.T) {
	cases := map[time.Duration]int64{
		0:                       0,
		time.Second:             1,
		1500 * time.Millisecond: 2,
		30 * time.Second:        30,
	}
	for d, want := range cases {
		if got := durationSeconds(d); got != want {
			t.Fatalf("durationSeconds(%s)=%d want %d", d, got, want)
		}
	}
}

func TestLoadPayloadFormats(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "p.yml")
	if err := os.WriteFile(yamlPath, []byte("a: 1\nb:\n  c: true\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := loadPayload(yamlPath, payloadFormatAuto, nil)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if string(got) != `{"a":1,"b":{"c":true}}` {
		t.Fatalf("yaml payload=%s", got)
	}
	got, err = loadPayload("-", payloadFormatJSON, strings.NewReader(" {\"x\": [1, 2]}\n"))
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if string(got) != `{"x":[1,2]}` {
		t.Fatalf("json payload=%s", got)
	}
	if _, err := loadPayload("-", payloadFormatJSON, strings.NewReader("nope")); err == nil {
		t.Fatalf("expected invalid json to fail")
	}
}
