// Package reason holds the codes explaining why a support chain cannot be built.
package reason

type Code string

const (
	NotEnoughRoom         Code = "E_NOT_ENOUGH_ROOM"
	EncroachingPlayer     Code = "E_ENCROACHING_PLAYER"
	EncroachingVehicle    Code = "E_ENCROACHING_VEHICLE"
	EncroachingCreature   Code = "E_ENCROACHING_CREATURE"
	IntersectingStructure Code = "E_INTERSECTING_STRUCTURE"
	UnknownDescriptor     Code = "E_UNKNOWN_DESCRIPTOR"
	NoPartsConfigured     Code = "E_NO_PARTS_CONFIGURED"
)

var messages = map[Code]string{
	NotEnoughRoom:         "not enough room",
	EncroachingPlayer:     "a player is in the way",
	EncroachingVehicle:    "a vehicle is in the way",
	EncroachingCreature:   "a creature is in the way",
	IntersectingStructure: "intersects an incompatible structure",
	UnknownDescriptor:     "part descriptor is not buildable",
	NoPartsConfigured:     "no support parts configured",
}

func (c Code) Message() string {
	if m, ok := messages[c]; ok {
		return m
	}
	return string(c)
}

func IsKnown(c Code) bool {
	_, ok := messages[c]
	return ok
}
