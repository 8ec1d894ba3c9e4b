package motion

import (
	"math"
	"testing"

	"github.com/sillycats/presence/internal/presence"
)

const eps = 1e-9

func deg(d float64) float64 { return d * math.Pi / 180 }

func TestWrapAngle(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"zero", 0, 0},
		{"pi stays", math.Pi, math.Pi},
		{"minus pi flips", -math.Pi, math.Pi},
		{"350 degrees", deg(350), deg(-10)},
		{"-190 degrees", deg(-190), deg(170)},
		{"three turns plus a bit", 6*math.Pi + 0.5, 0.5},
		{"negative turns", -4*math.Pi - 0.25, -0.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WrapAngle(tt.in)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("WrapAngle(%v) = %v, want %v", tt.in, got, tt.want)
			}
			if got <= -math.Pi || got > math.Pi {
				t.Errorf("WrapAngle(%v) = %v out of (-π, π]", tt.in, got)
			}
		})
	}
}

func TestSmoothing(t *testing.T) {
	if Smoothing(10, 0) != 0 || Smoothing(10, -1) != 0 {
		t.Error("non-positive dt should not move")
	}
	f := Smoothing(10, 0.016)
	if f <= 0 || f >= 1 {
		t.Fatalf("fraction out of range: %v", f)
	}
	// Two half steps compound to one full step.
	half := Smoothing(10, 0.008)
	if math.Abs((1-half)*(1-half)-(1-f)) > eps {
		t.Errorf("smoothing is not frame-rate independent")
	}
}

func remote(pos presence.Vec3) *presence.Avatar {
	return &presence.Avatar{Owner: "remote", Position: pos, Target: pos, HasTarget: true}
}

func TestStep_StrictlyBetween(t *testing.T) {
	e := New(DefaultRate)
	a := remote(presence.Vec3{})
	e.Apply(a, Sample{Position: presence.Vec3{X: 10, Z: -4}})

	e.StepAvatar(a, 0.016)

	if !(a.Position.X > 0 && a.Position.X < 10) {
		t.Errorf("X should be strictly between 0 and 10, got %v", a.Position.X)
	}
	if !(a.Position.Z < 0 && a.Position.Z > -4) {
		t.Errorf("Z should be strictly between -4 and 0, got %v", a.Position.Z)
	}
}

func TestStep_Converges(t *testing.T) {
	e := New(DefaultRate)
	a := remote(presence.Vec3{})
	target := presence.Vec3{X: 5, Y: 1, Z: 5}
	e.Apply(a, Sample{Position: target, Yaw: 1})

	for i := 0; i < 600; i++ {
		e.StepAvatar(a, 1.0/60)
	}
	d := a.Position.Sub(target)
	if math.Abs(d.X)+math.Abs(d.Y)+math.Abs(d.Z) > 1e-6 {
		t.Errorf("did not converge: %+v", a.Position)
	}
	if math.Abs(a.Yaw-1) > 1e-6 {
		t.Errorf("yaw did not converge: %v", a.Yaw)
	}
}

func TestStep_ShortestArc(t *testing.T) {
	e := New(DefaultRate)
	a := remote(presence.Vec3{})
	a.Yaw = deg(10)
	a.TargetYaw = deg(10)
	e.Apply(a, Sample{Yaw: deg(350)})

	e.StepAvatar(a, 0.016)

	// From +10° to 350° (-10°) the short way passes through 0, not 180.
	if !(a.Yaw < deg(10) && a.Yaw > deg(-10)) {
		t.Errorf("yaw should move toward 0 from 10°, got %v°", a.Yaw*180/math.Pi)
	}

	a.Yaw = deg(170)
	a.TargetYaw = deg(170)
	e.Apply(a, Sample{Yaw: deg(-170)})
	e.StepAvatar(a, 0.016)
	if !(a.Yaw > deg(170) || a.Yaw < deg(-170)) {
		t.Errorf("yaw should cross ±180 rather than sweep through 0, got %v°", a.Yaw*180/math.Pi)
	}
}

func TestApply_FirstSamplePlaces(t *testing.T) {
	e := New(DefaultRate)
	a := &presence.Avatar{Owner: "remote", Position: presence.Vec3{X: -7}}

	e.Apply(a, Sample{Position: presence.Vec3{X: 2, Z: 2}, Yaw: 0.5, Time: 100})

	if a.Position != (presence.Vec3{X: 2, Z: 2}) || math.Abs(a.Yaw-0.5) > eps {
		t.Errorf("first sample should place the avatar, got %+v yaw %v", a.Position, a.Yaw)
	}
}

func TestApply_DropsStaleSample(t *testing.T) {
	e := New(DefaultRate)
	a := remote(presence.Vec3{})

	if !e.Apply(a, Sample{Position: presence.Vec3{X: 2}, Time: 200}) {
		t.Fatal("fresh sample rejected")
	}
	if e.Apply(a, Sample{Position: presence.Vec3{X: -50}, Time: 150}) {
		t.Fatal("stale sample accepted")
	}
	if a.Target.X != 2 {
		t.Errorf("stale sample moved the target to %v", a.Target.X)
	}
}

func TestApply_IgnoresLocal(t *testing.T) {
	e := New(DefaultRate)
	a := &presence.Avatar{Owner: "me", Local: true, Position: presence.Vec3{X: 1}}
	if e.Apply(a, Sample{Position: presence.Vec3{X: 9}}) {
		t.Error("local avatar should not take remote samples")
	}
	e.StepAvatar(a, 1)
	if a.Position.X != 1 {
		t.Errorf("local avatar moved to %v", a.Position.X)
	}
}

// Five samples along +X at ~150ms spacing, rendered at 60 fps: the visible X
// never decreases and never overshoots the latest target.
func TestStep_MonotonicAlongPath(t *testing.T) {
	e := New(DefaultRate)
	d := presence.NewDirectory("me")
	h, _ := d.Assign("alice")
	a := d.Get(h)

	prev := math.Inf(-1)
	for i := 0; i < 5; i++ {
		e.Apply(a, Sample{Position: presence.Vec3{X: float64(i)}, Time: int64(1000 + 150*i)})
		for f := 0; f < 9; f++ {
			e.Step(d, 1.0/60)
			if a.Position.X < prev-eps {
				t.Fatalf("sample %d frame %d: X went backwards %v -> %v", i, f, prev, a.Position.X)
			}
			if a.Position.X > float64(i)+eps {
				t.Fatalf("sample %d frame %d: overshot target: %v", i, f, a.Position.X)
			}
			prev = a.Position.X
		}
	}
}
