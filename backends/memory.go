package backends

import "sync/atomic"

// MemoryStats counts the backend tensors owned by one environment. Every
// backend tensor created during a run is registered here and unregistered
// when it is destroyed, so the live counts after a predict call must equal
// the counts before it: a difference means an intermediate tensor leaked.
type MemoryStats struct {
	liveTensors  int64
	liveBytes    int64
	totalCreated int64
	totalFreed   int64
}

func (m *MemoryStats) TensorCreated(bytes int64) {
	atomic.AddInt64(&m.liveTensors, 1)
	atomic.AddInt64(&m.liveBytes, bytes)
	atomic.AddInt64(&m.totalCreated, 1)
}

func (m *MemoryStats) TensorFreed(bytes int64) {
	atomic.AddInt64(&m.liveTensors, -1)
	atomic.AddInt64(&m.liveBytes, -bytes)
	atomic.AddInt64(&m.totalFreed, 1)
}

func (m *MemoryStats) LiveTensors() int64 {
	return atomic.LoadInt64(&m.liveTensors)
}

func (m *MemoryStats) LiveTensorBytes() int64 {
	return atomic.LoadInt64(&m.liveBytes)
}

func (m *MemoryStats) TensorsCreated() int64 {
	return atomic.LoadInt64(&m.totalCreated)
}

func (m *MemoryStats) TensorsFreed() int64 {
	return atomic.LoadInt64(&m.totalFreed)
}

// MemoryInfo is a point-in-time snapshot of backend resource usage, for
// diagnostics and leak checks.
type MemoryInfo struct {
	Backend         Backend `json:"backend"`
	LiveTensors     int64   `json:"live_tensors"`
	LiveTensorBytes int64   `json:"live_tensor_bytes"`
	TensorsCreated  int64   `json:"tensors_created"`
	TensorsFreed    int64   `json:"tensors_freed"`
	LoadedModels    int     `json:"loaded_models"`
	ActivePipelines int     `json:"active_pipelines"`
}

// Snapshot captures the environment's current memory counters. Model and
// pipeline counts are owned by the session and filled in by it.
func (e *Environment) Snapshot() MemoryInfo {
	return MemoryInfo{
		Backend:         e.RuntimeBackend,
		LiveTensors:     e.Memory.LiveTensors(),
		LiveTensorBytes: e.Memory.LiveTensorBytes(),
		TensorsCreated:  e.Memory.TensorsCreated(),
		TensorsFreed:    e.Memory.TensorsFreed(),
	}
}
