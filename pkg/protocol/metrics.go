package protocol

import (
	"encoding/json"
	"time"
)

// UtilizationSample is one reading of a node's resource usage.
type UtilizationSample struct {
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsed  uint64    `json:"memory_used"`
	MemoryTotal uint64    `json:"memory_total"`
	DiskUsed    uint64    `json:"disk_used"`
	DiskTotal   uint64    `json:"disk_total"`
	SampledAt   time.Time `json:"sampled_at"`
}

// MetricsFrame is the hub → browser format on the node metrics socket.
// Data holds a UtilizationSample for "utilization" and a string for "error".
type MetricsFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Metrics event names.
const (
	EventUtilization  = "utilization"
	EventMetricsError = "error"
)

// UtilizationFrame encodes a sample for broadcast.
func UtilizationFrame(s UtilizationSample) []byte {
	data, _ := json.Marshal(MetricsFrame{Event: EventUtilization, Data: s})
	return data
}

// MetricsErrorFrame encodes a poll failure for broadcast.
func MetricsErrorFrame(text string) []byte {
	data, _ := json.Marshal(MetricsFrame{Event: EventMetricsError, Data: text})
	return data
}
