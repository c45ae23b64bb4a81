// Package geom holds the directional lookup tables, transforms and box helpers the
// support planner is built on. Coordinates are Y-up, 1 unit = 1 cm.
package geom

import (
	"fmt"
	"math"
	"strings"

	"github.com/df-mc/dragonfly/server/block/cube"
	"github.com/go-gl/mathgl/mgl64"
)

// Direction is one of the six axis-aligned cardinal directions relative to a building.
type Direction uint8

const (
	Top Direction = iota
	Bottom
	Front
	Back
	Left
	Right
)

// Directions lists every direction in declaration order.
var Directions = [...]Direction{Top, Bottom, Front, Back, Left, Right}

var directionNames = [...]string{
	Top:    "TOP",
	Bottom: "BOTTOM",
	Front:  "FRONT",
	Back:   "BACK",
	Left:   "LEFT",
	Right:  "RIGHT",
}

var directionFaces = [...]cube.Face{
	Top:    cube.FaceUp,
	Bottom: cube.FaceDown,
	Front:  cube.FaceSouth,
	Back:   cube.FaceNorth,
	Left:   cube.FaceWest,
	Right:  cube.FaceEast,
}

var unitVectors = [...]mgl64.Vec3{
	Top:    {0, 1, 0},
	Bottom: {0, -1, 0},
	Front:  {0, 0, 1},
	Back:   {0, 0, -1},
	Left:   {-1, 0, 0},
	Right:  {1, 0, 0},
}

var (
	axisX = mgl64.Vec3{1, 0, 0}
	axisY = mgl64.Vec3{0, 1, 0}
	axisZ = mgl64.Vec3{0, 0, 1}
)

// faceRotations reorient the local up axis (+Y) onto the direction.
var faceRotations = [...]mgl64.Quat{
	Top:    mgl64.QuatIdent(),
	Bottom: mgl64.QuatRotate(math.Pi, axisX),
	Front:  mgl64.QuatRotate(math.Pi/2, axisX),
	Back:   mgl64.QuatRotate(-math.Pi/2, axisX),
	Left:   mgl64.QuatRotate(math.Pi/2, axisZ),
	Right:  mgl64.QuatRotate(-math.Pi/2, axisZ),
}

// forwardTwists are quarter turns about local up applied before the face rotation so
// that a part's forward axis does not come out mirrored.
var forwardTwists = [...]int{
	Top:    0,
	Bottom: 2,
	Front:  2,
	Back:   0,
	Left:   1,
	Right:  3,
}

func (d Direction) valid() bool { return int(d) < len(directionNames) }

func (d Direction) mustValid() {
	if !d.valid() {
		panic(fmt.Sprintf("geom: unmapped direction %d", uint8(d)))
	}
}

func (d Direction) String() string {
	if !d.valid() {
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
	return directionNames[d]
}

func ParseDirection(s string) (Direction, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for i, n := range directionNames {
		if n == s {
			return Direction(i), nil
		}
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

func (d Direction) MarshalText() ([]byte, error) {
	if !d.valid() {
		return nil, fmt.Errorf("unmapped direction %d", uint8(d))
	}
	return []byte(directionNames[d]), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	v, err := ParseDirection(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Face returns the block face with the same orientation.
func (d Direction) Face() cube.Face {
	d.mustValid()
	return directionFaces[d]
}

func fromFace(f cube.Face) Direction {
	for i, ff := range directionFaces {
		if ff == f {
			return Direction(i)
		}
	}
	panic(fmt.Sprintf("geom: unmapped face %v", f))
}

// Opposite returns the direction pointing the other way. Opposite(Opposite(d)) == d.
func (d Direction) Opposite() Direction {
	return fromFace(d.Face().Opposite())
}

func (d Direction) UnitVector() mgl64.Vec3 {
	d.mustValid()
	return unitVectors[d]
}

// Axis returns the index (0=X, 1=Y, 2=Z) of the axis the direction lies on.
func (d Direction) Axis() int {
	v := d.UnitVector()
	for i := 0; i < 3; i++ {
		if v[i] != 0 {
			return i
		}
	}
	panic("geom: zero unit vector")
}

// Sign is +1 for directions along a positive axis and -1 otherwise.
func (d Direction) Sign() float64 {
	return d.UnitVector()[d.Axis()]
}

func (d Direction) FaceRotation() mgl64.Quat {
	d.mustValid()
	return faceRotations[d]
}

func (d Direction) ForwardCorrection() mgl64.Quat {
	d.mustValid()
	return QuarterTurnsAbout(axisY, forwardTwists[d])
}

// PartRotation is the full local rotation for a part facing d: the forward
// correction about local up followed by the face rotation.
func (d Direction) PartRotation() mgl64.Quat {
	return d.FaceRotation().Mul(d.ForwardCorrection()).Normalize()
}
