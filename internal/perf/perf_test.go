package perf

import (
	"bytes"
	"testing"
	"time"
)

var (
	testKindA = RegisterKind("test_a", SpanFlagExit)
	testKindB = RegisterKind("test_b", SpanFlagSetup)
)

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	r, err := Open(&buf)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	r.Record(testKindA, 5*time.Microsecond)
	r.Record(testKindB, time.Millisecond)
	r.Record(testKindA, 7*time.Microsecond)

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	type entry struct {
		name     string
		flags    SpanFlags
		duration time.Duration
	}
	var got []entry
	if err := ReadAllSpans(&buf, func(name string, flags SpanFlags, duration time.Duration) error {
		got = append(got, entry{name, flags, duration})
		return nil
	}); err != nil {
		t.Fatalf("ReadAllSpans: %v", err)
	}

	want := []entry{
		{"test_a", SpanFlagExit, 5 * time.Microsecond},
		{"test_b", SpanFlagSetup, time.Millisecond},
		{"test_a", SpanFlagExit, 7 * time.Microsecond},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected record %d to be %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestMeasure(t *testing.T) {
	var buf bytes.Buffer

	r, err := Open(&buf)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	done := r.Measure(testKindA)
	time.Sleep(time.Millisecond)
	done()

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var total time.Duration
	if err := ReadAllSpans(&buf, func(name string, flags SpanFlags, duration time.Duration) error {
		total += duration
		return nil
	}); err != nil {
		t.Fatalf("ReadAllSpans: %v", err)
	}
	if total < time.Millisecond {
		t.Fatalf("expected at least 1ms measured, got %s", total)
	}
}

func TestCloseTwice(t *testing.T) {
	var buf bytes.Buffer

	r, err := Open(&buf)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); err == nil {
		t.Fatalf("expected an error on the second close")
	}
}

func TestRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBufferString("not a span stream at all, padded to be long enough")
	if err := ReadAllSpans(buf, nil); err == nil {
		t.Fatalf("expected an error for a bad stream")
	}
}
