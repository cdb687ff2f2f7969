package constants

// Native messaging limits.
const (
	// MaxFrameSize bounds a single inbound frame.
	MaxFrameSize = 50 * 1024 * 1024

	// ChunkThreshold is the outbound payload size above which messages
	// are split into bloom_chunk frames.
	ChunkThreshold = 1024 * 1024

	// ChunkSize is the raw byte size carried by each data chunk before
	// base64 encoding.
	ChunkSize = 256 * 1024

	// MaxActiveChunkBuffers caps concurrently reassembled messages.
	MaxActiveChunkBuffers = 15

	// MaxLogLine caps host-supplied text written to the daemon log.
	MaxLogLine = 2048
)

// Default local endpoints.
const (
	DefaultHostAddress    = "127.0.0.1:5678"
	DefaultControlAddress = "127.0.0.1:5679"
	DefaultHealthAddress  = "127.0.0.1:5680"
)

// HealthServiceName is the grpc.health.v1 service reporting handshake readiness.
const HealthServiceName = "synapse.bridge"
