package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type fakeSnapshot struct {
	snap Snapshot
	err  error
}

func (f *fakeSnapshot) Snapshot(context.Context) (Snapshot, error) { return f.snap, f.err }

func TestWriteReport(t *testing.T) {
	f := &fakeSnapshot{snap: Snapshot{
		Counters:  map[string]int64{CounterChapterHits: 7},
		Summaries: map[string]Summary{SummarySweepBytesFreed: {Count: 2, Sum: 5, Min: 2, Max: 3}},
		Dropped:   1,
	}}
	var buf bytes.Buffer
	if err := WriteReport(context.Background(), &buf, f); err != nil {
		t.Fatalf("report: %v", err)
	}
	var decoded Snapshot
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Counters[CounterChapterHits] != 7 || decoded.Dropped != 1 {
		t.Fatalf("counter mismatch: %+v", decoded)
	}
	if v := decoded.Summaries[SummarySweepBytesFreed]; v != (Summary{Count: 2, Sum: 5, Min: 2, Max: 3}) {
		t.Fatalf("summary mismatch: %+v", v)
	}
}

func TestWriteReportError(t *testing.T) {
	want := errors.New("db closed")
	var buf bytes.Buffer
	if err := WriteReport(context.Background(), &buf, &fakeSnapshot{err: want}); !errors.Is(err, want) {
		t.Fatalf("expected %v got %v", want, err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no output on error")
	}
}
