package geom

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// NormalizeQuarterTurns converts a rotation value into a stable quarter-turn count in [0,3].
//
// It accepts either quarter-turns (0..3) or degrees (multiples of 90).
func NormalizeQuarterTurns(r int) int {
	// Treat large multiples of 90 as degrees.
	if r%90 == 0 && (r > 3 || r < -3) {
		r = r / 90
	}
	r %= 4
	if r < 0 {
		r += 4
	}
	return r
}

// QuarterTurnsAbout returns a rotation of turns*90 degrees about axis.
func QuarterTurnsAbout(axis mgl64.Vec3, turns int) mgl64.Quat {
	turns = NormalizeQuarterTurns(turns)
	if turns == 0 {
		return mgl64.QuatIdent()
	}
	return mgl64.QuatRotate(float64(turns)*math.Pi/2, axis)
}

// YawDegrees returns a rotation about the up axis.
func YawDegrees(deg float64) mgl64.Quat {
	return mgl64.QuatRotate(mgl64.DegToRad(deg), axisY)
}

// CanonicalQuat returns q normalized with a non-negative real part so that q and -q,
// which describe the same rotation, map to the same value.
func CanonicalQuat(q mgl64.Quat) mgl64.Quat {
	q = q.Normalize()
	if q.W < 0 || (q.W == 0 && firstNonZero(q.V) < 0) {
		q = mgl64.Quat{W: -q.W, V: q.V.Mul(-1)}
	}
	return q
}

func firstNonZero(v mgl64.Vec3) float64 {
	for _, c := range v {
		if c != 0 {
			return c
		}
	}
	return 0
}

// SameRotation reports whether a and b rotate vectors identically within tol.
func SameRotation(a, b mgl64.Quat, tol float64) bool {
	d := a.Normalize().Dot(b.Normalize())
	return math.Abs(d) >= 1-tol
}
