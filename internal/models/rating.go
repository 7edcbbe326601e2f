package models

// thresholds holds the upper bound of "good" and of "needs-improvement" for
// each metric. Times are in milliseconds, CLS is unitless.
var thresholds = map[Metric][2]float64{
	MetricLCP:  {2500, 4000},
	MetricINP:  {200, 500},
	MetricCLS:  {0.1, 0.25},
	MetricFCP:  {1800, 3000},
	MetricTTFB: {800, 1800},
}

// RatingFor classifies a metric value. Unknown metrics rate as poor.
func RatingFor(metric Metric, value float64) Rating {
	bounds, ok := thresholds[metric]
	if !ok {
		return RatingPoor
	}
	switch {
	case value <= bounds[0]:
		return RatingGood
	case value <= bounds[1]:
		return RatingNeedsImprovement
	default:
		return RatingPoor
	}
}

// Valid reports whether m is one of the accepted metrics.
func (m Metric) Valid() bool {
	_, ok := thresholds[m]
	return ok
}
