// Package placement seats a part's box so consecutive parts stack flush along a build axis.
package placement

import (
	"github.com/df-mc/dragonfly/server/block/cube"
	"github.com/go-gl/mathgl/mgl64"

	"autosupport.dev/internal/sim/geom"
)

// Placement is a part's local pose in the chain frame, whose origin is the probe start.
type Placement struct {
	Build geom.Direction

	Rotation    mgl64.Quat
	Translation mgl64.Vec3
	// Box is the rotated, translated box: centered on the lateral axes and touching zero on
	// the build axis.
	Box      cube.BBox
	Consumed float64
}

// Seat computes the pose of a part with local bounds whose up axis faces orientation, for a
// chain growing towards build.
func Seat(local cube.BBox, orientation, build geom.Direction) Placement {
	rot := orientation.PartRotation()
	p := Placement{Build: build, Rotation: rot}
	if geom.IsDegenerate(local) {
		return p
	}
	rotated := geom.RotateCorners(rot, local)

	ax := build.Axis()
	t := geom.Center(rotated).Mul(-1)
	if build.Sign() > 0 {
		t[ax] = -rotated.Min()[ax]
	} else {
		t[ax] = -rotated.Max()[ax]
	}
	p.Translation = t
	p.Box = rotated.Translate(t)
	p.Consumed = geom.ExtentAlong(rotated, build)
	return p
}

// Buildable is false for parts without volume.
func (p Placement) Buildable() bool {
	return p.Consumed > 0
}

// At returns the local transform of a part whose near face sits offset units along the
// build direction.
func (p Placement) At(offset float64) geom.Transform {
	loc := p.Build.UnitVector().Mul(offset).Add(p.Translation)
	return geom.At(loc, p.Rotation)
}

// BoxAt is the chain-frame box of a part placed at offset.
func (p Placement) BoxAt(offset float64) cube.BBox {
	return p.Box.Translate(p.Build.UnitVector().Mul(offset))
}
