package guidance

import "testing"

func TestPolicy_DirectionOnly(t *testing.T) {
	p := NewAnnouncementPolicy(DirectionOnly, 2, DefaultThresholds())

	a, ok := p.Decide(0, "turn left", 500)
	if !ok {
		t.Fatal("expected announcement on first evaluation")
	}
	if a.Text != "turn left" {
		t.Errorf("Text = %q, want verbatim instruction", a.Text)
	}

	if _, ok := p.Decide(0, "turn left", 400); ok {
		t.Error("expected no second announcement for the same step")
	}

	if _, ok := p.Decide(1, "turn right", 5000); !ok {
		t.Error("expected announcement for next step regardless of distance")
	}

	if p.WarnedCount() != 2 {
		t.Errorf("WarnedCount = %d, want 2", p.WarnedCount())
	}
}

func TestPolicy_DirectionWithDistance(t *testing.T) {
	tests := []struct {
		name     string
		distance float64
		want     string
		ok       bool
	}{
		{"beyond band", 200, "", false},
		{"at warn max", 70, "", false},
		{"inside band", 50, "in 50 meters, turn left", true},
		{"rounds half up", 12.5, "in 13 meters, turn left", true},
		{"rounds down", 69.4, "in 69 meters, turn left", true},
		{"at warn min", 12, "", false},
		{"too close", 8, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewAnnouncementPolicy(DirectionWithDistance, 1, DefaultThresholds())

			a, ok := p.Decide(0, "turn left", tt.distance)
			if ok != tt.ok {
				t.Fatalf("Decide(%f) ok = %v, want %v", tt.distance, ok, tt.ok)
			}
			if a.Text != tt.want {
				t.Errorf("Text = %q, want %q", a.Text, tt.want)
			}
			if p.Warned(0) != tt.ok {
				t.Errorf("Warned(0) = %v, want %v", p.Warned(0), tt.ok)
			}
		})
	}
}

func TestPolicy_AtMostOncePerStep(t *testing.T) {
	for _, mode := range []Mode{DirectionOnly, DirectionWithDistance} {
		t.Run(mode.String(), func(t *testing.T) {
			p := NewAnnouncementPolicy(mode, 1, DefaultThresholds())

			count := 0
			for d := 69.0; d > 13; d -= 2 {
				if _, ok := p.Decide(0, "turn left", d); ok {
					count++
				}
			}
			if count != 1 {
				t.Errorf("expected exactly 1 announcement, got %d", count)
			}
		})
	}
}

func TestPolicy_OutOfRangeIndex(t *testing.T) {
	p := NewAnnouncementPolicy(DirectionOnly, 1, DefaultThresholds())

	if _, ok := p.Decide(-1, "x", 10); ok {
		t.Error("expected no announcement for negative index")
	}
	if _, ok := p.Decide(1, "x", 10); ok {
		t.Error("expected no announcement past the end")
	}
	if p.Warned(5) {
		t.Error("Warned out of range should be false")
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		input   string
		want    Mode
		wantErr bool
	}{
		{"", DirectionOnly, false},
		{"direction", DirectionOnly, false},
		{"Direction_Only", DirectionOnly, false},
		{"direction_with_distance", DirectionWithDistance, false},
		{"distance", DirectionWithDistance, false},
		{"walking", DirectionOnly, true},
	}

	for _, tt := range tests {
		got, err := ParseMode(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestMode_TextRoundTrip(t *testing.T) {
	for _, m := range []Mode{DirectionOnly, DirectionWithDistance} {
		text, _ := m.MarshalText()

		var back Mode
		if err := back.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%q) error = %v", text, err)
		}
		if back != m {
			t.Errorf("round trip %v -> %q -> %v", m, text, back)
		}
	}
}

func TestThresholds_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Thresholds)
		wantErr bool
	}{
		{"defaults", func(th *Thresholds) {}, false},
		{"zero advance", func(th *Thresholds) { th.Advance = 0 }, true},
		{"negative warn min", func(th *Thresholds) { th.WarnMin = -1 }, true},
		{"empty band", func(th *Thresholds) { th.WarnMax = th.WarnMin }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := DefaultThresholds()
			tt.modify(&th)

			err := th.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
