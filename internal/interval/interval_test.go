package interval

import (
	"testing"
	"time"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func span(startMin, endMin int) Span {
	return Span{Start: base.Add(time.Duration(startMin) * time.Minute), End: base.Add(time.Duration(endMin) * time.Minute)}
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name string
		in   []Span
		want []Span
	}{
		{
			name: "empty",
			in:   nil,
			want: nil,
		},
		{
			name: "disjoint stay disjoint",
			in:   []Span{span(0, 10), span(20, 30)},
			want: []Span{span(0, 10), span(20, 30)},
		},
		{
			name: "overlap collapses",
			in:   []Span{span(0, 10), span(5, 15)},
			want: []Span{span(0, 15)},
		},
		{
			name: "adjacent collapse",
			in:   []Span{span(0, 10), span(10, 20)},
			want: []Span{span(0, 20)},
		},
		{
			name: "unsorted input",
			in:   []Span{span(20, 30), span(0, 10), span(8, 22)},
			want: []Span{span(0, 30)},
		},
		{
			name: "contained span absorbed",
			in:   []Span{span(0, 30), span(5, 10)},
			want: []Span{span(0, 30)},
		},
		{
			name: "negative span dropped",
			in:   []Span{span(10, 0), span(0, 5)},
			want: []Span{span(0, 5)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(tt.in, base.Add(time.Hour))
			if len(got) != len(tt.want) {
				t.Fatalf("got %d spans, want %d: %v", len(got), len(tt.want), got)
			}
			for i := range got {
				if !got[i].Start.Equal(tt.want[i].Start) || !got[i].End.Equal(tt.want[i].End) {
					t.Fatalf("span %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestMergeClosesOpenSpanAtNow(t *testing.T) {
	now := base.Add(45 * time.Minute)
	got := Merge([]Span{{Start: base}}, now)
	if len(got) != 1 {
		t.Fatalf("expected 1 span, got %d", len(got))
	}
	if !got[0].End.Equal(now) {
		t.Fatalf("open span end = %v, want %v", got[0].End, now)
	}
}

func TestMergeIdempotent(t *testing.T) {
	in := []Span{span(0, 10), span(5, 20), span(25, 30), span(28, 40)}
	once := Merge(in, base.Add(time.Hour))
	twice := Merge(once, base.Add(time.Hour))
	if len(once) != len(twice) {
		t.Fatalf("merge not idempotent: %v vs %v", once, twice)
	}
	for i := range once {
		if once[i] != twice[i] {
			t.Fatalf("merge not idempotent at %d: %v vs %v", i, once[i], twice[i])
		}
	}
}

func TestMergedTotalNeverExceedsRaw(t *testing.T) {
	in := []Span{span(0, 10), span(5, 15), span(30, 40)}
	raw := Total(in)
	merged := Total(Merge(in, base.Add(time.Hour)))
	if merged > raw {
		t.Fatalf("merged total %v exceeds raw %v", merged, raw)
	}
	if merged != 25*time.Minute {
		t.Fatalf("merged total = %v, want 25m", merged)
	}

	disjoint := []Span{span(0, 10), span(20, 30)}
	if Total(Merge(disjoint, base.Add(time.Hour))) != Total(disjoint) {
		t.Fatal("disjoint spans should keep their raw total")
	}
}
