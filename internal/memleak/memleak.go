// Package memleak computes memory usage trends for a run session.
//
// Analyze decides whether a session is due for analysis; Compute does the
// statistics. Neither performs I/O, and neither decides what slope counts as a
// leak: that policy belongs to the caller.
package memleak

import (
	"math"
	"sort"
	"time"

	"github.com/figsettings/fig/pkg/models"
)

const (
	// WarmUp is the uptime required before the first analysis and the minimum
	// spacing between analyses.
	WarmUp = 20 * time.Minute

	// MinSamples is the number of samples that must exceed before analysing.
	MinSamples = 40

	// SkipSamples are dropped from the start of the series.
	SkipSamples = 10

	// EdgeSamples is the window used for the starting and ending averages.
	EdgeSamples = 10
)

// Analyze returns a fresh analysis when the session is eligible, otherwise the
// previous analysis unchanged (possibly nil).
func Analyze(session models.RunSession, now time.Time) *models.MemoryAnalysis {
	prev := session.MemoryAnalysis
	if !Eligible(session, now) {
		return prev
	}
	return Compute(session.HistoricalMemoryUsage, now)
}

// Eligible reports whether a session should be analysed at now.
func Eligible(session models.RunSession, now time.Time) bool {
	prev := session.MemoryAnalysis
	if prev != nil && prev.PossibleMemoryLeakDetected {
		return false
	}
	if prev == nil {
		if session.UptimeSeconds < WarmUp.Seconds() {
			return false
		}
	} else if now.Sub(prev.TimeOfAnalysis) < WarmUp {
		return false
	}
	return len(session.HistoricalMemoryUsage) > MinSamples
}

// Compute runs the trend analysis over samples. It returns nil when fewer than
// two samples survive the start-up skip and outlier filter.
func Compute(samples []models.MemoryUsageSample, now time.Time) *models.MemoryAnalysis {
	ordered := append([]models.MemoryUsageSample(nil), samples...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ClientRunTimeSeconds < ordered[j].ClientRunTimeSeconds
	})
	if len(ordered) <= SkipSamples {
		return nil
	}
	ordered = ordered[SkipSamples:]

	mean, stdDev := meanStdDev(ordered)
	lo, hi := mean-2*stdDev, mean+2*stdDev

	filtered := ordered[:0:0]
	for _, s := range ordered {
		b := float64(s.MemoryUsageBytes)
		if b >= lo && b <= hi {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) < 2 {
		return nil
	}

	return &models.MemoryAnalysis{
		TimeOfAnalysis:     now,
		TrendSlope:         slope(filtered),
		Average:            mean,
		StdDev:             stdDev,
		StartingAverage:    average(filtered[:min(EdgeSamples, len(filtered))]),
		EndingAverage:      average(filtered[len(filtered)-min(EdgeSamples, len(filtered)):]),
		SecondsAnalyzed:    filtered[len(filtered)-1].ClientRunTimeSeconds - filtered[0].ClientRunTimeSeconds,
		DataPointsAnalyzed: len(filtered),
	}
}

func meanStdDev(samples []models.MemoryUsageSample) (mean, stdDev float64) {
	mean = average(samples)
	var sq float64
	for _, s := range samples {
		d := float64(s.MemoryUsageBytes) - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(samples)))
}

func average(samples []models.MemoryUsageSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s.MemoryUsageBytes)
	}
	return sum / float64(len(samples))
}

// slope is the least-squares trend in bytes per second. A series with no
// spread in time has no defined trend and reports 0.
func slope(samples []models.MemoryUsageSample) float64 {
	n := float64(len(samples))
	var sx, sy, sxy, sxx float64
	for _, s := range samples {
		x := s.ClientRunTimeSeconds
		y := float64(s.MemoryUsageBytes)
		sx += x
		sy += y
		sxy += x * y
		sxx += x * x
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0
	}
	return (n*sxy - sx*sy) / den
}
