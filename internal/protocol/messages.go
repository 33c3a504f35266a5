package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	TickRateHz      int    `json:"tick_rate_hz"`
	Quorum          int    `json:"quorum"`
}

// SPAWN (client -> server): request a controlled entity.
type SpawnMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Kind            string     `json:"kind"`
	Location        [3]float64 `json:"location"`
	Rotation        [4]float64 `json:"rotation"`
}

// SPAWNED (server -> client)
type SpawnedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	EntityID        uint64 `json:"entity_id"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
}

// INPUT (client -> server): one tick of control input.
type InputMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Seq             uint32     `json:"seq"`
	Thrust          [3]float64 `json:"thrust"`
	Torque          [3]float64 `json:"torque"`
	Brake           bool       `json:"brake,omitempty"`
	TimestampMs     int64      `json:"timestamp_ms,omitempty"`
}

// SNAPSHOT (server -> client): one tick's replicated deltas. Each row is
// a base64 zstd-compressed binary delta; controlled entities carry the
// last processed input sequence inside their row.
type SnapshotMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Tick            uint64   `json:"tick"`
	Rows            []string `json:"rows"`
}

// OBSERVATION (client -> server): one observer measurement of a target.
type ObsMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	ObserverID      uint64     `json:"observer_id"`
	TargetID        uint64     `json:"target_id"`
	Origin          [3]float64 `json:"origin"`
	Direction       [3]float64 `json:"direction"`
	Distance        float64    `json:"distance"`
	ScaleFactor     float64    `json:"scale_factor"`
	TimestampMs     int64      `json:"timestamp_ms"`
}

// OBSERVATION_RESULT (server -> client), synchronous per submission.
// Status "collecting" is the normal pending state; "rejected" carries a
// code and reason.
type ObsResultMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	TargetID        uint64      `json:"target_id"`
	Status          string      `json:"status"`
	Distinct        int         `json:"distinct,omitempty"`
	Position        *[3]float64 `json:"consensus_position,omitempty"`
	Confidence      float64     `json:"confidence,omitempty"`
	Code            string      `json:"code,omitempty"`
	Message         string      `json:"message,omitempty"`
}

// RESYNC_REQ (client -> server): the client detected a sequence gap and
// wants a full rebase instead of extrapolating.
type ResyncReqMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

// RESYNC (server -> client): full authoritative state for the client's
// controlled entity.
type ResyncMsg struct {
	Type             string     `json:"type"`
	ProtocolVersion  string     `json:"protocol_version"`
	Tick             uint64     `json:"tick"`
	EntityID         uint64     `json:"entity_id"`
	Position         [3]float64 `json:"position"`
	Velocity         [3]float64 `json:"velocity"`
	Orientation      [4]float64 `json:"orientation"`
	AngularVelocity  [3]float64 `json:"angular_velocity"`
	LastProcessedSeq uint32     `json:"last_processed_seq"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}
