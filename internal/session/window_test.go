package session

import "testing"

func TestWindowMath(t *testing.T) {
	// 2026-03-02 09:00 local in epoch ms; the exact instant is irrelevant
	// to the arithmetic.
	const start = int64(1772416800000)
	const hour = int64(60 * 60 * 1000)

	tests := []struct {
		name       string
		durationMs int64
		wantStart  int64
		wantEnd    int64
	}{
		{"sixty minute class", hour, start - 15*60*1000, start + 30*60*1000},
		{"ninety minute class", 90 * 60 * 1000, start - 15*60*1000, start + 45*60*1000},
		{"odd duration truncates", 45*60*1000 + 1, start - 15*60*1000, start + (45*60*1000+1)/2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotStart, gotEnd := Window(start, tt.durationMs)
			if gotStart != tt.wantStart {
				t.Errorf("window start = %d, want %d", gotStart, tt.wantStart)
			}
			if gotEnd != tt.wantEnd {
				t.Errorf("window end = %d, want %d", gotEnd, tt.wantEnd)
			}
		})
	}
}

func TestWindowOpensBeforeClassStarts(t *testing.T) {
	const start = int64(1772416800000)
	gotStart, _ := Window(start, 60*60*1000)
	if gotStart >= start {
		t.Fatalf("window must open before class start: got %d, start %d", gotStart, start)
	}
	if start-gotStart != PreWindowMs {
		t.Fatalf("pre-window = %d ms, want %d", start-gotStart, PreWindowMs)
	}
}
