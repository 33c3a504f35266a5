// Package netstats tracks per-connection transport health: latency,
// packet loss, bandwidth, compression. It is advisory bookkeeping only —
// nothing here touches entity state.
package netstats

import "sync"

const (
	// LatencySamples bounds the latency history ring.
	LatencySamples = 60
	// LossAlpha is the EMA smoothing factor for packet loss.
	LossAlpha = 0.1
)

type Stats struct {
	mu sync.Mutex

	latency    [LatencySamples]float64
	latencyIdx int
	latencyN   int

	lossEMA  float64
	lossSeen bool

	bytesSentTick  int
	bytesSentTotal uint64
	bytesReceived  uint64

	rawTotal  uint64
	compTotal uint64

	reconCount  uint64
	predErrSum  float64
	predErrN    uint64
	hardSnaps   uint64
}

func New() *Stats { return &Stats{} }

// ObserveLatency records one round-trip sample in milliseconds.
func (s *Stats) ObserveLatency(ms float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency[s.latencyIdx] = ms
	s.latencyIdx = (s.latencyIdx + 1) % LatencySamples
	if s.latencyN < LatencySamples {
		s.latencyN++
	}
}

// LatencyMs returns the most recent sample, or 0 before any arrive.
func (s *Stats) LatencyMs() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latencyN == 0 {
		return 0
	}
	return s.latency[(s.latencyIdx-1+LatencySamples)%LatencySamples]
}

// LatencyHistory returns up to LatencySamples recent samples, oldest first.
func (s *Stats) LatencyHistory() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, 0, s.latencyN)
	start := s.latencyIdx - s.latencyN
	for i := 0; i < s.latencyN; i++ {
		out = append(out, s.latency[((start+i)%LatencySamples+LatencySamples)%LatencySamples])
	}
	return out
}

// ObservePacket folds one delivered/lost outcome into the loss EMA.
func (s *Stats) ObservePacket(lost bool) {
	x := 0.0
	if lost {
		x = 1.0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lossSeen {
		s.lossEMA = x
		s.lossSeen = true
		return
	}
	s.lossEMA = LossAlpha*x + (1-LossAlpha)*s.lossEMA
}

func (s *Stats) PacketLossRatio() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lossEMA
}

// BeginTick resets the per-tick sent counter.
func (s *Stats) BeginTick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesSentTick = 0
}

func (s *Stats) AddBytesSent(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesSentTick += n
	s.bytesSentTotal += uint64(n)
}

func (s *Stats) AddBytesReceived(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesReceived += uint64(n)
}

func (s *Stats) BytesSentThisTick() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesSentTick
}

// ObserveCompression accumulates raw/compressed sizes; the exported ratio
// is compressed/raw over all observations. Ratio 1.0 (incompressible) is
// a legitimate outcome, not an error.
func (s *Stats) ObserveCompression(rawLen, compLen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rawTotal += uint64(rawLen)
	s.compTotal += uint64(compLen)
}

func (s *Stats) CompressionRatio() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rawTotal == 0 {
		return 1.0
	}
	return float64(s.compTotal) / float64(s.rawTotal)
}

// ObserveReconciliation records one reconciliation and its position error.
func (s *Stats) ObserveReconciliation(predictionErr float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconCount++
	s.predErrSum += predictionErr
	s.predErrN++
}

// ObserveHardSnap records a reconciliation that had to discard replay.
func (s *Stats) ObserveHardSnap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hardSnaps++
}

// Export is the JSON shape consumed by external dashboards.
type Export struct {
	LatencyMs              float64 `json:"latency_ms"`
	PacketLossRatio        float64 `json:"packet_loss_ratio"`
	BytesSent              uint64  `json:"bytes_sent"`
	BytesReceived          uint64  `json:"bytes_received"`
	CompressionRatio       float64 `json:"compression_ratio"`
	ReconciliationCount    uint64  `json:"reconciliation_count"`
	AveragePredictionError float64 `json:"average_prediction_error"`
	HardSnaps              uint64  `json:"hard_snaps"`
}

func (s *Stats) Export() Export {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := Export{
		PacketLossRatio:     s.lossEMA,
		BytesSent:           s.bytesSentTotal,
		BytesReceived:       s.bytesReceived,
		CompressionRatio:    1.0,
		ReconciliationCount: s.reconCount,
		HardSnaps:           s.hardSnaps,
	}
	if s.latencyN > 0 {
		e.LatencyMs = s.latency[(s.latencyIdx-1+LatencySamples)%LatencySamples]
	}
	if s.rawTotal > 0 {
		e.CompressionRatio = float64(s.compTotal) / float64(s.rawTotal)
	}
	if s.predErrN > 0 {
		e.AveragePredictionError = s.predErrSum / float64(s.predErrN)
	}
	return e
}
