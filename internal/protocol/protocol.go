package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"

	TypeToolEquip   = "TOOL_EQUIP"
	TypeToolUnequip = "TOOL_UNEQUIP"
	TypeToolMode    = "TOOL_MODE"

	TypePlan      = "PLAN"
	TypeBuild     = "BUILD"
	TypeDismantle = "DISMANTLE"

	TypeAck           = "ACK"
	TypePlanResult    = "PLAN_RESULT"
	TypeGroupingState = "GROUPING_STATE"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
