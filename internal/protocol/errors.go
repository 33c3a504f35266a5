package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Replication layer.
	ErrSerialization = "E_SERIALIZATION"

	// Input stream / prediction.
	ErrSequenceGap       = "E_SEQUENCE_GAP"
	ErrReconcileOverflow = "E_RECONCILE_OVERFLOW"

	// Observer consensus.
	ErrMeasurementRejected   = "E_MEASUREMENT_REJECTED"
	ErrInsufficientQuorum    = "E_INSUFFICIENT_QUORUM"
	ErrConsensusDisagreement = "E_CONSENSUS_DISAGREEMENT"

	// Entity lifecycle.
	ErrUnknownKind = "E_UNKNOWN_KIND"

	ErrStale    = "E_STALE"
	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:       {},
	ErrSerialization:         {},
	ErrSequenceGap:           {},
	ErrReconcileOverflow:     {},
	ErrMeasurementRejected:   {},
	ErrInsufficientQuorum:    {},
	ErrConsensusDisagreement: {},
	ErrUnknownKind:           {},
	ErrStale:                 {},
	ErrInternal:              {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
