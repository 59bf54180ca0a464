// Package estimator produces advisory effort estimates attached to planning
// output. Estimates never influence scheduling.
package estimator

import (
	"fmt"
	"math"
)

// DeliveryType selects review overhead.
type DeliveryType string

const (
	DeliveryFeature DeliveryType = "feature"
	DeliveryFix     DeliveryType = "fix"
	DeliveryRework  DeliveryType = "rework"
)

// Input describes one unit of work to estimate.
type Input struct {
	ExpectedLOC int
	Complexity  int // 1..3
	Delivery    DeliveryType
}

// Estimate is the advisory result, in hours.
type Estimate struct {
	WorkHours    float64 `json:"work_hours"`
	MeetingHours float64 `json:"meeting_hours"`
	ReviewHours  float64 `json:"review_hours"`
	TotalHours   float64 `json:"total_hours"`
}

// Estimator is swappable at planning time.
type Estimator interface {
	Estimate(in Input) (Estimate, error)
}

// LOCModel is the default estimator. Throughput drops with complexity: level
// 1/2/3 delivers 50/30/20 lines per two work-hours. Meeting overhead scales
// the work hours, review hours are a flat add per delivery type.
type LOCModel struct{}

var locPerTwoHours = map[int]float64{1: 50, 2: 30, 3: 20}

var meetingFactor = map[int]float64{1: 1.0, 2: 1.5, 3: 2.0}

var reviewHours = map[DeliveryType]float64{
	DeliveryFeature: 1.0,
	DeliveryFix:     0.5,
	DeliveryRework:  1.5,
}

func (LOCModel) Estimate(in Input) (Estimate, error) {
	if in.ExpectedLOC < 0 {
		return Estimate{}, fmt.Errorf("expected loc %d is negative", in.ExpectedLOC)
	}
	complexity := in.Complexity
	if complexity < 1 {
		complexity = 1
	}
	if complexity > 3 {
		complexity = 3
	}
	delivery := in.Delivery
	if _, ok := reviewHours[delivery]; !ok {
		delivery = DeliveryFeature
	}

	work := float64(in.ExpectedLOC) / locPerTwoHours[complexity] * 2
	meeting := work * (meetingFactor[complexity] - 1)
	review := reviewHours[delivery]

	est := Estimate{
		WorkHours:    round1(work),
		MeetingHours: round1(meeting),
		ReviewHours:  review,
	}
	est.TotalHours = round1(est.WorkHours + est.MeetingHours + est.ReviewHours)
	return est, nil
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
