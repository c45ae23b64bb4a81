package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Actor           string     `json:"actor"`
	MaxQueue        int        `json:"max_queue,omitempty"`
	Auth            *HelloAuth `json:"auth,omitempty"`
}

type HelloAuth struct {
	Token string `json:"token,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	SessionID       string         `json:"session_id"`
	Actor           string         `json:"actor"`
	WorldID         string         `json:"world_id,omitempty"`
	ServerTick      uint64         `json:"server_tick"`
	Catalogs        CatalogDigests `json:"catalogs"`
}

type CatalogDigests struct {
	Items   string `json:"items"`
	Parts   string `json:"parts"`
	Recipes string `json:"recipes"`
	Tuning  string `json:"tuning,omitempty"`
}

// TOOL_EQUIP, TOOL_UNEQUIP and TOOL_MODE (client -> server). Mode is BUILD or DISMANTLE and
// is ignored on TOOL_UNEQUIP.
type ToolMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Mode            string `json:"mode,omitempty"`
}

// PLAN, BUILD and DISMANTLE (client -> server).
type RequestMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	Building        string `json:"building,omitempty"`
	Grouping        string `json:"grouping,omitempty"`
}

type AckMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	AckFor          string         `json:"ack_for"`
	Accepted        bool           `json:"accepted"`
	Code            string         `json:"code,omitempty"`
	Message         string         `json:"message,omitempty"`
	ServerTick      uint64         `json:"server_tick,omitempty"`
	Grouping        string         `json:"grouping,omitempty"`
	Cost            map[string]int `json:"cost,omitempty"`
}

// PLAN_RESULT (server -> client)
type PlanResultMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	ReqID           string         `json:"req_id"`
	Building        string         `json:"building"`
	Actionable      bool           `json:"actionable"`
	Distance        float64        `json:"distance"`
	Disqualifiers   []string       `json:"disqualifiers,omitempty"`
	Parts           []PlanPart     `json:"parts"`
	Cost            map[string]int `json:"cost,omitempty"`
	Preview         []PreviewPart  `json:"preview,omitempty"`
}

type PlanPart struct {
	Role       string `json:"role"`
	Descriptor string `json:"descriptor,omitempty"`
	Count      int    `json:"count"`
	Skipped    bool   `json:"skipped,omitempty"`
}

type PreviewPart struct {
	Role       string     `json:"role"`
	Descriptor string     `json:"descriptor"`
	Class      string     `json:"class"`
	Pos        [3]float64 `json:"pos"`
	// Rot is w, x, y, z.
	Rot [4]float64 `json:"rot"`
}

// GROUPING_STATE (server -> client)
type GroupingStateMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Grouping        string `json:"grouping"`
	Members         int    `json:"members"`
	Highlighted     bool   `json:"highlighted"`
	Interactable    bool   `json:"interactable"`
	Rediscovering   bool   `json:"rediscovering"`
	Destroyed       bool   `json:"destroyed"`
}
