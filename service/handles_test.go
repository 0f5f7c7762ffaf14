package service

import (
	"context"
	"errors"
	"testing"
)

func TestParseSegmentRef(t *testing.T) {
	cases := []struct {
		in      string
		want    SegmentRef
		wantErr bool
	}{
		{"6f1c-uuid:2", SegmentRef{JobID: "6f1c-uuid", Segment: 2}, false},
		{"a:b:0", SegmentRef{JobID: "a:b", Segment: 0}, false},
		{"nocolon", SegmentRef{}, true},
		{":3", SegmentRef{}, true},
		{"job:x", SegmentRef{}, true},
	}
	for _, tc := range cases {
		got, err := parseSegmentRef(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("parseSegmentRef(%q) err = %v", tc.in, err)
		}
		if err == nil && got != tc.want {
			t.Fatalf("parseSegmentRef(%q) = %+v", tc.in, got)
		}
	}
}

func TestMemoryHandleIndex(t *testing.T) {
	idx := NewMemoryHandleIndex()
	ctx := context.Background()
	if _, err := idx.Lookup(ctx, "nope"); !errors.Is(err, ErrHandleUnknown) {
		t.Fatalf("expected ErrHandleUnknown, got %v", err)
	}
	if err := idx.Put(ctx, "h1", SegmentRef{JobID: "j", Segment: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	ref, err := idx.Lookup(ctx, "h1")
	if err != nil || ref.JobID != "j" || ref.Segment != 1 {
		t.Fatalf("lookup = %+v, %v", ref, err)
	}
}

func TestSegmentResultPayload_Outcome(t *testing.T) {
	p := SegmentResultPayload{JobID: "j", Segment: 1, Handle: "h", Success: true, URL: "u"}
	o := p.Outcome()
	if o.Handle != "h" || !o.Success || o.URL != "u" {
		t.Fatalf("outcome = %+v", o)
	}
}
