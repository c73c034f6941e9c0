package finder

import (
	"testing"

	"bybit-trading-pipeline/internal/signal"
	"bybit-trading-pipeline/internal/storage"
)

func TestDaySpan(t *testing.T) {
	tests := []struct {
		interval string
		want     int
	}{
		{"1", 4},
		{"3", 4},
		{"5", 4},
		{"15", 11},
		{"30", 21},
		{"60", 21},
		{"240", 42},
		{"D", 42},
		{"W", 42},
	}
	for _, tt := range tests {
		if got := daySpan(tt.interval); got != tt.want {
			t.Errorf("daySpan(%q) = %d, want %d", tt.interval, got, tt.want)
		}
	}
}

func TestSimilar(t *testing.T) {
	existing := &storage.Proposal{
		PositionType: "LONG",
		EntryPrice:   "100",
		Confidence:   "80",
	}

	tests := []struct {
		name  string
		entry signal.Signal
		want  bool
	}{
		{
			"same trade",
			signal.Signal{Direction: signal.Long, EntryPrice: 100.2, Confidence: 82},
			true,
		},
		{
			"opposite direction",
			signal.Signal{Direction: signal.Short, EntryPrice: 100, Confidence: 80},
			false,
		},
		{
			"entry drifted half a percent",
			signal.Signal{Direction: signal.Long, EntryPrice: 100.5, Confidence: 80},
			false,
		},
		{
			"entry just inside the band",
			signal.Signal{Direction: signal.Long, EntryPrice: 100.49, Confidence: 80},
			true,
		},
		{
			"confidence moved past the delta",
			signal.Signal{Direction: signal.Long, EntryPrice: 100, Confidence: 86},
			false,
		},
		{
			"confidence exactly at the delta",
			signal.Signal{Direction: signal.Long, EntryPrice: 100, Confidence: 85},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Similar(existing, &tt.entry); got != tt.want {
				t.Errorf("Similar = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSimilarUnpricedProposal(t *testing.T) {
	existing := &storage.Proposal{PositionType: "LONG", EntryPrice: "", Confidence: "80"}
	entry := &signal.Signal{Direction: signal.Long, EntryPrice: 100, Confidence: 80}
	if Similar(existing, entry) {
		t.Error("a proposal without an entry price must never match")
	}
}
