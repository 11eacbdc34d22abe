// Package timeline rebuilds a dated cumulative follower series from an
// authoritative current total and a list of daily deltas.
package timeline

import (
	"math"
	"slices"
	"time"
)

// DefaultWindowDays is the length of a synthesized series.
const DefaultWindowDays = 30

// syntheticFloor is the fraction of the current total a synthesized series
// starts from.
const syntheticFloor = 0.7

// sigmoidSteepness shapes the synthesized curve.
const sigmoidSteepness = 10.0

// DailyDelta is the follower change reported for one day.
type DailyDelta struct {
	Date        time.Time `json:"date"`
	OrganicGain int64     `json:"organicGain"`
	PaidGain    int64     `json:"paidGain"`
}

// Gain is organic plus paid.
func (d DailyDelta) Gain() int64 {
	return d.OrganicGain + d.PaidGain
}

// Point is the follower count at the start of Date and the change during it.
type Point struct {
	Date      time.Time `json:"date"`
	Followers int64     `json:"followers"`
	Gained    int64     `json:"gained"`
}

// Series is a chronological timeline ending with an anchor at the current
// total. Synthetic marks estimated series that carry no measured data.
type Series struct {
	Points        []Point `json:"points"`
	CurrentTotal  int64   `json:"currentTotal"`
	NetGain       int64   `json:"netGain"`
	GrowthPercent float64 `json:"growthPercent"`
	Synthetic     bool    `json:"synthetic"`
}

// Build reconstructs the series from deltas ordered newest first. A nil slice
// means the delta source was unavailable and yields a synthetic series; an
// empty slice yields only the anchor point.
func Build(currentTotal int64, deltasNewestFirst []DailyDelta, windowDays int, today time.Time) Series {
	if deltasNewestFirst == nil {
		return Synthesize(currentTotal, windowDays, today)
	}
	return Reconstruct(currentTotal, deltasNewestFirst, today)
}

// Reconstruct walks the deltas newest first, subtracting each day's gain from
// a running cursor that starts at currentTotal, then appends an anchor for
// today. For consecutive points Followers+Gained equals the next Followers.
func Reconstruct(currentTotal int64, deltasNewestFirst []DailyDelta, today time.Time) Series {
	points := make([]Point, 0, len(deltasNewestFirst)+1)
	cursor := currentTotal
	for _, d := range deltasNewestFirst {
		cursor -= d.Gain()
		points = append(points, Point{Date: day(d.Date), Followers: cursor, Gained: d.Gain()})
	}
	slices.Reverse(points)
	points = append(points, Point{Date: day(today), Followers: currentTotal})
	return finish(Series{Points: points, CurrentTotal: currentTotal})
}

// Synthesize produces a deterministic, monotonic sigmoid from 70% of
// currentTotal to currentTotal over windowDays, ending today.
func Synthesize(currentTotal int64, windowDays int, today time.Time) Series {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	start := float64(currentTotal) * syntheticFloor
	span := float64(currentTotal) - start
	lo, hi := sigmoid(0), sigmoid(1)

	anchor := day(today)
	points := make([]Point, windowDays+1)
	for i := range points {
		x := float64(i) / float64(windowDays)
		norm := (sigmoid(x) - lo) / (hi - lo)
		points[i] = Point{
			Date:      anchor.AddDate(0, 0, i-windowDays),
			Followers: int64(math.Round(start + span*norm)),
		}
	}
	points[windowDays].Followers = currentTotal
	for i := 0; i < windowDays; i++ {
		points[i].Gained = points[i+1].Followers - points[i].Followers
	}
	return finish(Series{Points: points, CurrentTotal: currentTotal, Synthetic: true})
}

func finish(s Series) Series {
	if len(s.Points) == 0 {
		return s
	}
	first := s.Points[0].Followers
	s.NetGain = s.CurrentTotal - first
	if first > 0 {
		s.GrowthPercent = math.Round(float64(s.NetGain)/float64(first)*10000) / 100
	}
	return s
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-sigmoidSteepness*(x-0.5)))
}

func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
