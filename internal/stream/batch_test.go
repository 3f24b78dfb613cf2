package stream

import (
	"errors"
	"testing"
)

func TestRowBatch_Validate(t *testing.T) {
	ok := RowBatch{Sender: "a", Width: 4, Height: 4, RowStart: 2, RowCount: 4, Samples: make([]uint16, 16)}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid batch rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*RowBatch)
	}{
		{"zero width", func(b *RowBatch) { b.Width = 0 }},
		{"negative height", func(b *RowBatch) { b.Height = -1 }},
		{"too wide", func(b *RowBatch) { b.Width = MaxDimension + 1 }},
		{"negative start", func(b *RowBatch) { b.RowStart = -2 }},
		{"start past frame", func(b *RowBatch) { b.RowStart = 4 }},
		{"zero rows", func(b *RowBatch) { b.RowCount = 0 }},
		{"short payload", func(b *RowBatch) { b.Samples = b.Samples[:15] }},
		{"long payload", func(b *RowBatch) { b.Samples = make([]uint16, 17) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := ok
			tt.mutate(&b)
			if err := b.Validate(); !errors.Is(err, ErrMalformedBatch) {
				t.Errorf("expected ErrMalformedBatch, got %v", err)
			}
		})
	}
}

func TestParticipantID(t *testing.T) {
	a, b := NewParticipantID(), NewParticipantID()
	if a == b || a == "" {
		t.Fatalf("expected distinct non-empty ids, got %q %q", a, b)
	}
	got, err := ParseParticipantID("6BA7B810-9DAD-11D1-80B4-00C04FD430C8")
	if err != nil {
		t.Fatal(err)
	}
	if got != "6ba7b810-9dad-11d1-80b4-00c04fd430c8" {
		t.Errorf("uuid not normalised: %q", got)
	}
	if got, _ := ParseParticipantID("kiosk-2"); got != "kiosk-2" {
		t.Errorf("plain id changed: %q", got)
	}
	if _, err := ParseParticipantID(""); err == nil {
		t.Error("expected error for empty id")
	}
}
