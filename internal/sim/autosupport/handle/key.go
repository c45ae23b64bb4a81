package handle

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"autosupport.dev/internal/sim/geom"
	"autosupport.dev/internal/sim/mathx"
)

// rotScale quantizes quaternion components to 1e-4.
const rotScale = 1e4

// Key identifies a placed object by class and quantized transform. It is comparable and
// stable across save/load, unlike lightweight runtime indices.
type Key struct {
	Class string
	Pos   [3]int64
	Rot   [4]int32 // w, x, y, z
}

func KeyOf(class string, tr geom.Transform) Key {
	k := Key{Class: class}
	for i := 0; i < 3; i++ {
		k.Pos[i] = mathx.Lattice(tr.Location[i])
	}
	q := tr.Rotation
	if q.W == 0 && q.V == (mgl64.Vec3{}) {
		q = mgl64.QuatIdent()
	}
	q = q.Normalize()
	r := [4]int32{
		int32(math.Round(q.W * rotScale)),
		int32(math.Round(q.V[0] * rotScale)),
		int32(math.Round(q.V[1] * rotScale)),
		int32(math.Round(q.V[2] * rotScale)),
	}
	// q and -q are the same rotation
	if neg := firstNonZero(r); neg < 0 {
		for i := range r {
			r[i] = -r[i]
		}
	}
	k.Rot = r
	return k
}

func firstNonZero(r [4]int32) int32 {
	for _, c := range r {
		if c != 0 {
			return c
		}
	}
	return 0
}

// Transform reconstructs the quantized transform.
func (k Key) Transform() geom.Transform {
	loc := mgl64.Vec3{float64(k.Pos[0]), float64(k.Pos[1]), float64(k.Pos[2])}
	q := mgl64.Quat{
		W: float64(k.Rot[0]) / rotScale,
		V: mgl64.Vec3{float64(k.Rot[1]) / rotScale, float64(k.Rot[2]) / rotScale, float64(k.Rot[3]) / rotScale},
	}
	if q.W == 0 && q.V == (mgl64.Vec3{}) {
		q = mgl64.QuatIdent()
	}
	return geom.At(loc, q.Normalize())
}

func (k Key) String() string {
	return fmt.Sprintf("%s@(%d,%d,%d)", k.Class, k.Pos[0], k.Pos[1], k.Pos[2])
}

// Near reports whether two keys share a class and describe transforms within tol.
func (k Key) Near(o Key, tol float64) bool {
	if k.Class != o.Class {
		return false
	}
	for i := 0; i < 3; i++ {
		if math.Abs(float64(k.Pos[i]-o.Pos[i])) > tol {
			return false
		}
	}
	return geom.SameRotation(k.Transform().Rotation, o.Transform().Rotation, rotTolerance)
}

const rotTolerance = 1e-4
