package model

import "math"

type gradeBand struct {
	min   float64
	grade string
}

// gradeBands is ordered from the highest lower bound down; lower bounds are inclusive.
var gradeBands = []gradeBand{
	{97, "A+"},
	{93, "A"},
	{90, "A-"},
	{87, "B+"},
	{83, "B"},
	{80, "B-"},
	{77, "C+"},
	{73, "C"},
	{70, "C-"},
	{65, "D"},
}

// GradeFor maps a percentage to its letter grade. Anything below 65 is F.
func GradeFor(percentage float64) string {
	for _, band := range gradeBands {
		if percentage >= band.min {
			return band.grade
		}
	}
	return "F"
}

// Percentage returns earned/possible*100, or 0 when possible is 0.
// The multiplication happens first so exact boundaries such as 97/100 stay exact.
func Percentage(earned, possible int) float64 {
	if possible <= 0 {
		return 0
	}
	return float64(earned) * 100 / float64(possible)
}

// ProgressPercent returns round(done/total*100) clamped to [0,100].
func ProgressPercent(done, total int) int {
	if total <= 0 {
		return 0
	}
	p := int(math.Round(float64(done) * 100 / float64(total)))
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
