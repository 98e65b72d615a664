package eventlog

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReaderDrainsAcrossSegments(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	l, _ := openTestLog(t, root, Config{SegmentBytes: 400})
	appendN(t, l, 20)

	reader := NewReader(root, 5)
	var seqs []uint64
	if err := reader.Drain(func(ev Event) error {
		seqs = append(seqs, ev.Seq)
		return nil
	}); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(seqs) != 15 || seqs[0] != 6 || seqs[14] != 20 {
		t.Fatalf("unexpected drained seqs %v", seqs)
	}
	if reader.Cursor() != 20 {
		t.Fatalf("expected cursor 20, got %d", reader.Cursor())
	}
	appendN(t, l, 2)
	seqs = seqs[:0]
	if err := reader.Drain(func(ev Event) error {
		seqs = append(seqs, ev.Seq)
		return nil
	}); err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if len(seqs) != 2 || seqs[0] != 21 {
		t.Fatalf("unexpected incremental seqs %v", seqs)
	}
}

func TestReaderOnEmptyDirectory(t *testing.T) {
	t.Parallel()

	reader := NewReader(t.TempDir(), 0)
	if err := reader.Drain(func(Event) error { return errors.New("unexpected") }); err != nil {
		t.Fatalf("drain empty: %v", err)
	}
}

func TestFollowDeliversNewEvents(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	l, _ := openTestLog(t, root, Config{})
	appendN(t, l, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got := make(chan uint64, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- Follow(ctx, root, 0, 50*time.Millisecond, func(ev Event) error {
			got <- ev.Seq
			return nil
		})
	}()
	for want := uint64(1); want <= 2; want++ {
		select {
		case seq := <-got:
			if seq != want {
				t.Fatalf("expected %d, got %d", want, seq)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for existing events")
		}
	}
	appendN(t, l, 1)
	select {
	case seq := <-got:
		if seq != 3 {
			t.Fatalf("expected 3, got %d", seq)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for followed event")
	}
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFollowWaitsForFirstSegment(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got := make(chan uint64, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- Follow(ctx, root, 0, 50*time.Millisecond, func(ev Event) error {
			got <- ev.Seq
			return nil
		})
	}()
	select {
	case err := <-errCh:
		t.Fatalf("follow on a fresh data dir returned early: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	l, _ := openTestLog(t, root, Config{})
	appendN(t, l, 2)
	for want := uint64(1); want <= 2; want++ {
		select {
		case seq := <-got:
			if seq != want {
				t.Fatalf("expected %d, got %d", want, seq)
			}
		case err := <-errCh:
			t.Fatalf("follow ended: %v", err)
		case <-ctx.Done():
			t.Fatal("timed out waiting for events in new log")
		}
	}
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
