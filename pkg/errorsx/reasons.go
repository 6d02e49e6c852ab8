package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonSTTConnect     ReasonCode = "stt_connect"
	ReasonSTTSend        ReasonCode = "stt_send"
	ReasonSTTDisabled    ReasonCode = "stt_disabled"
	ReasonSTTCircuitOpen ReasonCode = "stt_circuit_open"
	ReasonSTTProvider    ReasonCode = "stt_provider"

	ReasonTransportSend    ReasonCode = "transport_send"
	ReasonTransportUpgrade ReasonCode = "transport_upgrade"

	ReasonProtocolMalformed ReasonCode = "protocol_malformed"
	ReasonProtocolAudio     ReasonCode = "protocol_audio"

	ReasonStoreWrite ReasonCode = "store_write"
	ReasonStoreRead  ReasonCode = "store_read"
)
