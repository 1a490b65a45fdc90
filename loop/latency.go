package loop

import "sort"

// LatencyWindow is a fixed ring of the last 100 inference latencies (ms).
// Not safe for concurrent use; the loop guards it with its stats mutex.
type LatencyWindow struct {
	Samples [100]float64
	Count   int
	Index   int
}

// AddSample records one latency, overwriting the oldest when full.
func (w *LatencyWindow) AddSample(ms float64) {
	w.Samples[w.Index] = ms
	w.Index = (w.Index + 1) % len(w.Samples)
	if w.Count < len(w.Samples) {
		w.Count++
	}
}

// GetStats returns mean, p95 and max over the window. An empty window
// returns zeros.
func (w *LatencyWindow) GetStats() (mean, p95, max float64) {
	if w.Count == 0 {
		return 0, 0, 0
	}

	sorted := make([]float64, w.Count)
	copy(sorted, w.Samples[:w.Count])
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	mean = sum / float64(w.Count)
	p95 = sorted[int(0.95*float64(w.Count-1))]
	max = sorted[w.Count-1]
	return mean, p95, max
}
