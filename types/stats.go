package types

// StatsSnapshot is a flat record of counters taken from the detection
// subprocess's periodic stats event. Only the most recent snapshot is
// retained by the ingest worker (see ingest.Worker.LatestStats).
type StatsSnapshot struct {
	PacketsCaptured  uint64
	PacketsDropped   uint64
	Bytes            uint64
	AlertsTotal      uint64
	FlowsActive      uint64
	FlowsTotal       uint64
	MemoryMB         uint64
	UptimeSec        uint64
	LatencyUsec      uint64
	ThroughputMbps   float64
}
