package geom

import "github.com/go-gl/mathgl/mgl64"

// Transform places something in a parent frame: rotate first, then translate.
type Transform struct {
	Location mgl64.Vec3
	Rotation mgl64.Quat
}

func Identity() Transform {
	return Transform{Rotation: mgl64.QuatIdent()}
}

func At(loc mgl64.Vec3, rot mgl64.Quat) Transform {
	return Transform{Location: loc, Rotation: rot}
}

func (t Transform) rot() mgl64.Quat {
	if t.Rotation.W == 0 && t.Rotation.V == (mgl64.Vec3{}) {
		return mgl64.QuatIdent()
	}
	return t.Rotation
}

// Apply maps a point from t's local frame to the parent frame.
func (t Transform) Apply(p mgl64.Vec3) mgl64.Vec3 {
	return t.Location.Add(t.rot().Rotate(p))
}

// Direction maps a direction vector from t's local frame to the parent frame.
func (t Transform) Direction(v mgl64.Vec3) mgl64.Vec3 {
	return t.rot().Rotate(v)
}

// Compose returns the transform of local expressed in t's parent frame.
func (t Transform) Compose(local Transform) Transform {
	return Transform{
		Location: t.Apply(local.Location),
		Rotation: t.rot().Mul(local.rot()).Normalize(),
	}
}

// Translated moves t along v expressed in t's local frame.
func (t Transform) Translated(v mgl64.Vec3) Transform {
	return Transform{Location: t.Apply(v), Rotation: t.rot()}
}
