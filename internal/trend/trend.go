// Package trend derives slope, volatility and periodicity metrics from a
// trait's bounded value history.
package trend

import (
	"math"
	"time"
)

// Window sizes, in samples.
const (
	ShortWindow    = 5
	LongWindow     = 20
	SeasonalWindow = 24

	// MaxHistory bounds every trait history; the oldest sample is evicted first.
	MaxHistory = 100
)

// Analysis holds the metrics derived from one history.
type Analysis struct {
	ShortTermSlope     float64   `json:"short_term_slope"`
	LongTermSlope      float64   `json:"long_term_slope"`
	Acceleration       float64   `json:"acceleration"`
	Volatility         float64   `json:"volatility"`
	Seasonality        float64   `json:"seasonality"`
	Cyclicality        float64   `json:"cyclicality"`
	MovingAverages     []float64 `json:"moving_averages"`
	SeasonalComponents []float64 `json:"seasonal_components"`
	LastAnalysis       time.Time `json:"last_analysis"`
}

// Push appends v to history and drops the oldest samples beyond MaxHistory.
func Push(history []float64, v float64) []float64 {
	history = append(history, v)
	if over := len(history) - MaxHistory; over > 0 {
		history = append(history[:0], history[over:]...)
	}
	return history
}

// Analyze recomputes prev against history. A metric whose window is longer
// than the available history keeps its previous value.
func Analyze(prev Analysis, history []float64, now time.Time) Analysis {
	out := prev
	out.LastAnalysis = now

	shortMA := MovingAverage(history, ShortWindow)
	longMA := MovingAverage(history, LongWindow)
	seasonalMA := MovingAverage(history, SeasonalWindow)

	if n := len(shortMA); n >= 2 {
		out.ShortTermSlope = (shortMA[n-1] - shortMA[n-2]) / ShortWindow
	}
	if n := len(longMA); n >= 2 {
		out.LongTermSlope = (longMA[n-1] - longMA[n-2]) / LongWindow
	}
	if n := len(shortMA); n >= 3 {
		out.Acceleration = (shortMA[n-1] - 2*shortMA[n-2] + shortMA[n-3]) / (ShortWindow * ShortWindow)
	}

	if len(history) > 0 {
		out.Volatility = StdDev(history)
	}

	if n := len(seasonalMA); n >= 2 {
		var sum float64
		for i := 1; i < n; i++ {
			sum += math.Abs(seasonalMA[i] - seasonalMA[i-1])
		}
		out.Seasonality = sum / float64(n-1)
	}

	if len(history) >= 3 {
		var sum float64
		prevDiff := history[1] - history[0]
		for i := 2; i < len(history); i++ {
			diff := history[i] - history[i-1]
			sum += math.Abs(diff - prevDiff)
			prevDiff = diff
		}
		out.Cyclicality = sum / float64(len(history)-2)
	}

	if shortMA != nil {
		out.MovingAverages = shortMA
	}
	if seasonalMA != nil {
		out.SeasonalComponents = seasonalMA
	}
	return out
}

// MovingAverage returns the trailing simple moving average of values over
// window samples, or nil when there are fewer samples than the window.
func MovingAverage(values []float64, window int) []float64 {
	if window <= 0 || len(values) < window {
		return nil
	}
	out := make([]float64, 0, len(values)-window+1)
	var sum float64
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		if i >= window-1 {
			out = append(out, sum/float64(window))
		}
	}
	return out
}

// Mean of values; zero for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev is the population standard deviation of values.
func StdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := Mean(values)
	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	return math.Sqrt(variance / float64(len(values)))
}

// Pearson returns the correlation coefficient of the overlapping tails of a
// and b. Series shorter than two samples or with zero variance yield 0.
func Pearson(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return 0
	}
	a, b = a[len(a)-n:], b[len(b)-n:]

	var sumX, sumY, sumXY, sumX2, sumY2 float64
	for i := 0; i < n; i++ {
		x, y := a[i], b[i]
		sumX += x
		sumY += y
		sumXY += x * y
		sumX2 += x * x
		sumY2 += y * y
	}
	fn := float64(n)
	den := math.Sqrt((fn*sumX2 - sumX*sumX) * (fn*sumY2 - sumY*sumY))
	if den == 0 || math.IsNaN(den) {
		return 0
	}
	return (fn*sumXY - sumX*sumY) / den
}
