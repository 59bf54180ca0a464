package estimator

import "testing"

func TestLOCModel(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want Estimate
	}{
		{
			name: "simple feature",
			in:   Input{ExpectedLOC: 100, Complexity: 1, Delivery: DeliveryFeature},
			// 100 LOC at 50/2h = 4h work, no meeting overhead at level 1.
			want: Estimate{WorkHours: 4, MeetingHours: 0, ReviewHours: 1, TotalHours: 5},
		},
		{
			name: "medium fix",
			in:   Input{ExpectedLOC: 90, Complexity: 2, Delivery: DeliveryFix},
			// 90 LOC at 30/2h = 6h work, x1.5 meetings adds 3h.
			want: Estimate{WorkHours: 6, MeetingHours: 3, ReviewHours: 0.5, TotalHours: 9.5},
		},
		{
			name: "hard rework",
			in:   Input{ExpectedLOC: 100, Complexity: 3, Delivery: DeliveryRework},
			// 100 LOC at 20/2h = 10h work, x2.0 meetings doubles it.
			want: Estimate{WorkHours: 10, MeetingHours: 10, ReviewHours: 1.5, TotalHours: 21.5},
		},
		{
			name: "complexity clamped and delivery defaulted",
			in:   Input{ExpectedLOC: 50, Complexity: 9, Delivery: "mystery"},
			want: Estimate{WorkHours: 5, MeetingHours: 5, ReviewHours: 1, TotalHours: 11},
		},
	}

	var m LOCModel
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Estimate(tt.in)
			if err != nil {
				t.Fatalf("Estimate: %v", err)
			}
			if got != tt.want {
				t.Errorf("Estimate(%+v) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLOCModel_NegativeLOC(t *testing.T) {
	var m LOCModel
	if _, err := m.Estimate(Input{ExpectedLOC: -1}); err == nil {
		t.Fatal("expected error for negative loc")
	}
}
