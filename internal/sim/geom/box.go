package geom

import (
	"math"

	"github.com/df-mc/dragonfly/server/block/cube"
	"github.com/go-gl/mathgl/mgl64"
)

// Box builds an axis aligned box from two opposite corners in any order.
func Box(a, b mgl64.Vec3) cube.BBox {
	return cube.Box(
		math.Min(a[0], b[0]), math.Min(a[1], b[1]), math.Min(a[2], b[2]),
		math.Max(a[0], b[0]), math.Max(a[1], b[1]), math.Max(a[2], b[2]),
	)
}

func BoxFromArray(a [2][3]float64) cube.BBox {
	return Box(mgl64.Vec3(a[0]), mgl64.Vec3(a[1]))
}

func BoxToArray(b cube.BBox) [2][3]float64 {
	return [2][3]float64{b.Min(), b.Max()}
}

func Size(b cube.BBox) mgl64.Vec3 {
	return b.Max().Sub(b.Min())
}

func Center(b cube.BBox) mgl64.Vec3 {
	return b.Min().Add(b.Max()).Mul(0.5)
}

// IsDegenerate reports whether the box has no volume along any axis.
func IsDegenerate(b cube.BBox) bool {
	s := Size(b)
	return s[0] <= 0 || s[1] <= 0 || s[2] <= 0
}

// RotateCorners rotates the min and max corners of b by q and returns the box spanned by
// the component-wise min/max of the results. Exact for quarter-turn rotations.
func RotateCorners(q mgl64.Quat, b cube.BBox) cube.BBox {
	return Box(snap(q.Rotate(b.Min())), snap(q.Rotate(b.Max())))
}

// snap removes float noise left by quarter-turn rotations.
func snap(v mgl64.Vec3) mgl64.Vec3 {
	for i := range v {
		r := math.Round(v[i])
		if math.Abs(v[i]-r) < 1e-9 {
			v[i] = r
		}
	}
	return v
}

// Corners returns all eight corners of b.
func Corners(b cube.BBox) [8]mgl64.Vec3 {
	lo, hi := b.Min(), b.Max()
	var out [8]mgl64.Vec3
	for i := 0; i < 8; i++ {
		c := lo
		if i&1 != 0 {
			c[0] = hi[0]
		}
		if i&2 != 0 {
			c[1] = hi[1]
		}
		if i&4 != 0 {
			c[2] = hi[2]
		}
		out[i] = c
	}
	return out
}

// ApplyBox returns the axis aligned bounds of b after placing it with t.
func ApplyBox(t Transform, b cube.BBox) cube.BBox {
	cs := Corners(b)
	lo := t.Apply(cs[0])
	hi := lo
	for _, c := range cs[1:] {
		p := t.Apply(c)
		for i := 0; i < 3; i++ {
			lo[i] = math.Min(lo[i], p[i])
			hi[i] = math.Max(hi[i], p[i])
		}
	}
	return Box(snap(lo), snap(hi))
}

func Union(a, b cube.BBox) cube.BBox {
	return Box(
		mgl64.Vec3{math.Min(a.Min()[0], b.Min()[0]), math.Min(a.Min()[1], b.Min()[1]), math.Min(a.Min()[2], b.Min()[2])},
		mgl64.Vec3{math.Max(a.Max()[0], b.Max()[0]), math.Max(a.Max()[1], b.Max()[1]), math.Max(a.Max()[2], b.Max()[2])},
	)
}

// ExtentAlong is the length of b along the axis of d.
func ExtentAlong(b cube.BBox, d Direction) float64 {
	return Size(b)[d.Axis()]
}

// MinAlong is the smallest projection of any point of b onto d's unit vector.
func MinAlong(b cube.BBox, d Direction) float64 {
	ax := d.Axis()
	if d.Sign() > 0 {
		return b.Min()[ax]
	}
	return -b.Max()[ax]
}

// FaceCenter returns the center of the face of b that points towards d.
func FaceCenter(b cube.BBox, d Direction) mgl64.Vec3 {
	c := Center(b)
	ax := d.Axis()
	if d.Sign() > 0 {
		c[ax] = b.Max()[ax]
	} else {
		c[ax] = b.Min()[ax]
	}
	return c
}
