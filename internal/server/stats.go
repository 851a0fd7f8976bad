package server

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/drazic/iperfd/internal/session"
	"github.com/drazic/iperfd/internal/wire"
)

// cpuSample is a snapshot of cumulative CPU time buckets, taken at
// TEST_START and TEST_END (§4.8). Utilization is the non-idle share of
// the CPU time that elapsed between two samples, as a percentage.
type cpuSample struct {
	at          time.Time
	user        float64
	system      float64
	idle        float64
	totalOther  float64 // iowait/irq/softirq/steal/guest, summed
}

// sampleCPU snapshots host-wide CPU time buckets via gopsutil. Errors
// are non-fatal: the caller gets a zero sample and simply reports 0%
// utilization rather than aborting the test.
func sampleCPU(ctx context.Context) cpuSample {
	times, err := cpu.TimesWithContext(ctx, false)
	if err != nil || len(times) == 0 {
		return cpuSample{at: time.Now()}
	}
	t := times[0]
	return cpuSample{
		at:         time.Now(),
		user:       t.User,
		system:     t.System,
		idle:       t.Idle,
		totalOther: t.Iowait + t.Irq + t.Softirq + t.Steal + t.Guest,
	}
}

// utilizationPercent computes the percentage of non-idle CPU time
// between two samples (§4.8 "converting to percentages").
func utilizationPercent(start, end cpuSample) float64 {
	userDelta := end.user - start.user
	systemDelta := end.system - start.system
	idleDelta := end.idle - start.idle
	otherDelta := end.totalOther - start.totalOther

	busy := userDelta + systemDelta + otherDelta
	total := busy + idleDelta
	if total <= 0 {
		return 0
	}
	pct := busy / total * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// FoldInterval drains each stream's per-interval byte counter into an
// interval record, for the periodic stats timer (§4.2 "stats timer").
// Each stream's counters are drained the same way a process-wide
// atomic-counter snapshot would be, just scoped per stream instead of
// one global counter set.
type IntervalRecord struct {
	StreamIndex int
	Bytes       int64
	At          time.Time
}

func FoldInterval(streams []*session.Stream) []IntervalRecord {
	now := time.Now()
	out := make([]IntervalRecord, len(streams))
	for i, st := range streams {
		out[i] = IntervalRecord{StreamIndex: i, Bytes: st.TakeInterval(), At: now}
	}
	return out
}

// BuildResults assembles the final per-stream JSON result payload sent
// during EXCHANGE_RESULTS (§4.8, §6).
func BuildResults(streams []*session.Stream, cpuPct float64, durationSeconds float64) wire.Results {
	res := wire.Results{
		CPUUtilPercent:  cpuPct,
		DurationSeconds: durationSeconds,
		Streams:         make([]wire.StreamResult, len(streams)),
	}
	for i, st := range streams {
		dir := "sending"
		if st.Direction == session.DirectionReceiving {
			dir = "receiving"
		}
		res.Streams[i] = wire.StreamResult{
			Direction:        dir,
			BytesTransferred: st.BytesTotal(),
			PacketsReceived:  st.PacketsTotal(),
			Lost:             st.Lost(),
			OutOfOrder:       st.OutOfOrder(),
			HighestSequence:  st.HighWatermark(),
			JitterSeconds:    float64(st.JitterNanos()) / 1e9,
		}
	}
	return res
}
