package alsaworker

// srcController is a PI closed-loop controller steering the Farrow
// resampler's ratio to hold the ASRC buffer level at targetFrames,
// grounded on pkg/pll.SoftwarePLL.UpdateRelative's integration-gain
// pattern: a proportional term reacting to the instantaneous error plus a
// slowly accumulating integral term absorbing steady-state drift between
// the local device clock and the network's presentation clock.
type srcController struct {
	kp       float64
	ki       float64
	integral float64
	maxDev   float64 // clamp on how far ratio may stray from 1.0
}

func newSRCController() *srcController {
	return &srcController{
		kp:     0.0005,
		ki:     0.00002,
		maxDev: 0.02,
	}
}

// Update feeds the current buffer-level error in frames (actual minus
// target; positive means the buffer is running ahead) and returns the
// resample ratio to apply this period, clamped to [1-maxDev, 1+maxDev].
func (c *srcController) Update(errorFrames float64) float64 {
	c.integral += errorFrames * c.ki
	if c.integral > c.maxDev {
		c.integral = c.maxDev
	} else if c.integral < -c.maxDev {
		c.integral = -c.maxDev
	}

	adjust := errorFrames*c.kp + c.integral
	if adjust > c.maxDev {
		adjust = c.maxDev
	} else if adjust < -c.maxDev {
		adjust = -c.maxDev
	}

	// A positive error (buffer running ahead of target) means we should
	// drain faster than we fill, i.e. play out at a slightly faster rate.
	return 1.0 + adjust
}

// Reset clears accumulated state, used when the worker re-primes after an
// underrun or jitter jump large enough to invalidate the integral term.
func (c *srcController) Reset() {
	c.integral = 0
}
