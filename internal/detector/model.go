package detector

import (
	"math"
	"time"

	"github.com/aegisstack/aegis-ir/internal/signal"
	"github.com/aegisstack/aegis-ir/internal/utils"
)

// ForecastModel predicts the expected value and interval for a metric at
// a point in time. The deviation score downstream is measured in units
// of the interval half-width.
type ForecastModel interface {
	Predict(at time.Time) (expected, low, high float64)
}

// SeasonalModel is the built-in forecast model: per-hour-of-day buckets
// with a global fallback for sparse hours. The interval half-width is
// one standard deviation, so deviation scores read as sigmas.
type SeasonalModel struct {
	bucketMean  [24]float64
	bucketStd   [24]float64
	bucketCount [24]int
	globalMean  float64
	globalStd   float64
}

// minBucketSamples is the population an hourly bucket needs before its
// own statistics are trusted over the global ones.
const minBucketSamples = 8

// FitSeasonal fits the built-in model on a trailing sample window. It
// returns a model error when fewer than minSamples are available.
func FitSeasonal(samples []signal.Sample, minSamples int) (*SeasonalModel, error) {
	if minSamples <= 0 {
		minSamples = 100
	}
	if len(samples) < minSamples {
		return nil, utils.ModelError("detector.fit", "insufficient history for forecast model", nil)
	}

	m := &SeasonalModel{}

	var sums, sqSums [24]float64
	var globalSum, globalSq float64
	for _, s := range samples {
		h := s.Timestamp.Hour()
		sums[h] += s.Value
		sqSums[h] += s.Value * s.Value
		m.bucketCount[h]++
		globalSum += s.Value
		globalSq += s.Value * s.Value
	}

	n := float64(len(samples))
	m.globalMean = globalSum / n
	m.globalStd = math.Sqrt(math.Max(0, globalSq/n-m.globalMean*m.globalMean))

	for h := 0; h < 24; h++ {
		if m.bucketCount[h] == 0 {
			continue
		}
		cn := float64(m.bucketCount[h])
		mean := sums[h] / cn
		m.bucketMean[h] = mean
		m.bucketStd[h] = math.Sqrt(math.Max(0, sqSums[h]/cn-mean*mean))
	}

	return m, nil
}

// Predict returns the expected value and the one-sigma interval for the
// given timestamp.
func (m *SeasonalModel) Predict(at time.Time) (float64, float64, float64) {
	mean := m.globalMean
	std := m.globalStd

	h := at.Hour()
	if m.bucketCount[h] >= minBucketSamples {
		mean = m.bucketMean[h]
		// A quiet hour must not collapse the interval to zero.
		std = math.Max(m.bucketStd[h], m.globalStd*0.25)
	}

	hw := halfWidth(std)
	return mean, mean - hw, mean + hw
}

func halfWidth(std float64) float64 {
	if std <= 0 {
		return 0.01
	}
	return std
}
