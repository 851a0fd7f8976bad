package wire

// Params is the JSON object a client sends during PARAM_EXCHANGE (§4.3,
// §6), overriding the server's configured test defaults for this
// session. Zero values mean "use the server default."
type Params struct {
	Protocol         string `json:"protocol,omitempty"`
	Streams          int    `json:"streams,omitempty"`
	BlockSize        int    `json:"block_size,omitempty"`
	DurationSeconds  float64 `json:"duration_seconds,omitempty"`
	Bytes            int64  `json:"bytes,omitempty"`
	OmitSeconds      float64 `json:"omit_seconds,omitempty"`
	IntervalSeconds  float64 `json:"interval_seconds,omitempty"`
	Mode             string `json:"mode,omitempty"`
	SocketBufferSize int    `json:"socket_buffer_size,omitempty"`
	MSS              int    `json:"mss,omitempty"`
	NoDelay          bool   `json:"no_delay,omitempty"`
	RateBitsPerSec   int64  `json:"rate_bits_per_sec,omitempty"`
	Bit64Counters    bool   `json:"bit64_counters,omitempty"`
}

// StreamResult is one stream's final accounting, reported at
// EXCHANGE_RESULTS (§4.8, §8 invariant 1).
type StreamResult struct {
	Direction        string  `json:"direction"`
	BytesTransferred int64   `json:"bytes_transferred"`
	PacketsReceived  int64   `json:"packets_received,omitempty"`
	Lost             int64   `json:"lost,omitempty"`
	OutOfOrder       int64   `json:"out_of_order,omitempty"`
	HighestSequence  int64   `json:"highest_sequence,omitempty"`
	JitterSeconds    float64 `json:"jitter_seconds,omitempty"`
}

// Results is the JSON object the server sends during EXCHANGE_RESULTS:
// per-stream accounting plus the CPU utilization sampled across the
// test (§4.8).
type Results struct {
	Streams          []StreamResult `json:"streams"`
	CPUUtilPercent   float64        `json:"cpu_util_percent"`
	DurationSeconds  float64        `json:"duration_seconds"`
}
