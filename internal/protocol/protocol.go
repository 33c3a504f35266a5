package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello     = "HELLO"
	TypeWelcome   = "WELCOME"
	TypeSpawn     = "SPAWN"
	TypeSpawned   = "SPAWNED"
	TypeInput     = "INPUT"
	TypeSnapshot  = "SNAPSHOT"
	TypeObs       = "OBSERVATION"
	TypeObsResult = "OBSERVATION_RESULT"
	TypeResyncReq = "RESYNC_REQ"
	TypeResync    = "RESYNC"
	TypeError     = "ERROR"
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
