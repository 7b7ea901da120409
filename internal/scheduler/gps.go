package scheduler

import "time"

// GPSIntervalParams maps movement speed to a poll interval: a stationary
// device polls at Max, a device at or above FastSpeed polls at Base, and
// speeds in between interpolate linearly. Faster movement never yields a
// longer interval.
type GPSIntervalParams struct {
	Base      time.Duration // interval while moving
	Max       time.Duration // interval while stationary
	FastSpeed float64       // m/s at which Base applies
}

// AdjustGPSInterval computes the poll interval for the given speed.
func AdjustGPSInterval(speedMS float64, p GPSIntervalParams) time.Duration {
	if p.Base <= 0 || p.Max < p.Base || p.FastSpeed <= 0 {
		return p.Base
	}
	if speedMS <= 0 {
		return p.Max
	}
	if speedMS >= p.FastSpeed {
		return p.Base
	}
	span := float64(p.Max - p.Base)
	return p.Max - time.Duration(span*speedMS/p.FastSpeed)
}
