// Package motion turns sparse position samples into continuous motion. A
// sample only moves an avatar's target; each frame the visible pose closes a
// fixed fraction of the remaining gap, so late or irregular samples never
// cause a visible snap.
package motion

import (
	"math"

	"github.com/sillycats/presence/internal/presence"
)

// DefaultRate is the smoothing rate constant k, per second. At ~6-7 samples
// a second it keeps the visible lag to roughly one sample interval.
const DefaultRate = 10.0

// Sample is one remote pose report.
type Sample struct {
	Position presence.Vec3
	Yaw      float64
	Time     int64 // wire time (ms); zero means unknown
}

// Engine smooths remote avatars toward their targets.
type Engine struct {
	Rate float64
}

// New returns an Engine with rate constant rate, or DefaultRate if rate is
// not positive.
func New(rate float64) *Engine {
	if rate <= 0 {
		rate = DefaultRate
	}
	return &Engine{Rate: rate}
}

// Smoothing returns the fraction of the remaining distance to cover in dt
// seconds: 1 - e^(-k*dt), in [0, 1).
func Smoothing(k, dt float64) float64 {
	if dt <= 0 || k <= 0 {
		return 0
	}
	return 1 - math.Exp(-k*dt)
}

// WrapAngle maps a into (-π, π].
func WrapAngle(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a <= 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}

// Apply records s as a's new target. A sample older than the last accepted
// one is dropped. An avatar with no target yet is placed at the sample
// directly, since there is no visible position to smooth from. It reports
// whether the sample was accepted.
func (e *Engine) Apply(a *presence.Avatar, s Sample) bool {
	if a.Local {
		return false
	}
	if s.Time != 0 && a.LastTime != 0 && s.Time < a.LastTime {
		return false
	}

	if !a.HasTarget {
		a.Position = s.Position
		a.Yaw = WrapAngle(s.Yaw)
	}
	a.Target = s.Position
	a.TargetYaw = WrapAngle(s.Yaw)
	a.HasTarget = true
	if s.Time != 0 {
		a.LastTime = s.Time
	}
	return true
}

// StepAvatar advances one avatar by dt seconds.
func (e *Engine) StepAvatar(a *presence.Avatar, dt float64) {
	if a.Local || !a.HasTarget {
		return
	}
	f := Smoothing(e.Rate, dt)
	if f == 0 {
		return
	}
	a.Position = a.Position.Add(a.Target.Sub(a.Position).Scale(f))
	diff := WrapAngle(a.TargetYaw - a.Yaw)
	a.Yaw = WrapAngle(a.Yaw + diff*f)
}

// Step advances every remote avatar in d by dt seconds.
func (e *Engine) Step(d *presence.Directory, dt float64) {
	d.Each(func(_ presence.Handle, a *presence.Avatar) {
		e.StepAvatar(a, dt)
	})
}
