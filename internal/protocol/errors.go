package protocol

import "autosupport.dev/internal/sim/autosupport/reason"

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrBusy            = "E_BUSY"

	// Service layer.
	ErrBadRequest            = "E_BAD_REQUEST"
	ErrUnknownBuilding       = "E_UNKNOWN_BUILDING"
	ErrUnknownGrouping       = "E_UNKNOWN_GROUPING"
	ErrInsufficientMaterials = "E_INSUFFICIENT_MATERIALS"
	ErrRediscovering         = "E_REDISCOVERING"
	ErrInternal              = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:       {},
	ErrBusy:                  {},
	ErrBadRequest:            {},
	ErrUnknownBuilding:       {},
	ErrUnknownGrouping:       {},
	ErrInsufficientMaterials: {},
	ErrRediscovering:         {},
	ErrInternal:              {},
}

// IsKnownCode accepts transport codes and plan disqualifier codes.
func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	if _, ok := knownCodes[code]; ok {
		return true
	}
	return reason.IsKnown(reason.Code(code))
}
