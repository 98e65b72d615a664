package api

import (
	"encoding/json"
	"testing"
)

func TestTailLineDecodesEventsAndControl(t *testing.T) {
	t.Parallel()

	var ev TailLine
	if err := json.Unmarshal([]byte(`{"seq":4,"ts":"2026-01-02T03:04:05Z","type":"resource_updated","target":{"kind":"tasks","id":"T1"},"details":{"op":"update","version":2}}`), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.IsControl() || ev.Seq != 4 || ev.Target.ID != "T1" || string(ev.Details) != `{"op":"update","version":2}` {
		t.Fatalf("unexpected event line %+v", ev)
	}

	var ctl TailLine
	if err := json.Unmarshal([]byte(`{"type":"lagged","ts":"2026-01-02T03:04:05Z","cursor":17}`), &ctl); err != nil {
		t.Fatalf("decode control: %v", err)
	}
	if !ctl.IsControl() || ctl.Cursor != 17 || ctl.Seq != 0 {
		t.Fatalf("unexpected control line %+v", ctl)
	}
}
