package metrics

import (
	"sort"
	"sync"
	"time"
)

type Metrics struct {
	mutex         sync.RWMutex
	totalRequests int64
	selections    map[string]int64
	responses     map[string]int64
	responseTimes map[string][]time.Duration
	statusCodes   map[string]map[int]int64
	upStatus      map[string]bool
	clientConns   int64
	startTime     time.Time
}

type Snapshot struct {
	TotalRequests     int64                     `json:"total_requests"`
	ClientConnections int64                     `json:"client_connections"`
	Uptime            time.Duration             `json:"uptime"`
	Backends          map[string]BackendMetrics `json:"backends"`
	Strategy          string                    `json:"strategy"`
}

type BackendMetrics struct {
	Selections  int64         `json:"selections"`
	Responses   int64         `json:"responses"`
	Up          bool          `json:"up"`
	AvgResponse time.Duration `json:"avg_response"`
	P50Response time.Duration `json:"p50_response"`
	P95Response time.Duration `json:"p95_response"`
	P99Response time.Duration `json:"p99_response"`
	StatusCodes map[int]int64 `json:"status_codes"`
}

func (m *Metrics) IncrementRequests() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.totalRequests++
}

func (m *Metrics) RecordBackendSelection(backend string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.selections[backend]++
}

func (m *Metrics) RecordResponse(backend string, duration time.Duration, statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.responses[backend]++
	m.responseTimes[backend] = append(m.responseTimes[backend], duration)

	if len(m.responseTimes[backend]) > 1000 {
		m.responseTimes[backend] = m.responseTimes[backend][1:]
	}

	if m.statusCodes[backend] == nil {
		m.statusCodes[backend] = make(map[int]int64)
	}
	m.statusCodes[backend][statusCode]++
}

func (m *Metrics) UpdateBackendState(backend string, up bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.upStatus[backend] = up
}

func (m *Metrics) AddClientConnection(delta int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.clientConns += delta
	if m.clientConns < 0 {
		m.clientConns = 0
	}
}

func (m *Metrics) Snapshot(strategy string) Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		TotalRequests:     m.totalRequests,
		ClientConnections: m.clientConns,
		Uptime:            time.Since(m.startTime),
		Backends:          make(map[string]BackendMetrics),
		Strategy:          strategy,
	}

	allBackends := make(map[string]bool)
	for backend := range m.selections {
		allBackends[backend] = true
	}
	for backend := range m.responses {
		allBackends[backend] = true
	}
	for backend := range m.upStatus {
		allBackends[backend] = true
	}

	for backend := range allBackends {
		bm := BackendMetrics{
			Selections:  m.selections[backend],
			Responses:   m.responses[backend],
			Up:          m.upStatus[backend],
			StatusCodes: m.statusCodes[backend],
		}

		durations := m.responseTimes[backend]
		if len(durations) > 0 {
			sorted := make([]time.Duration, len(durations))
			copy(sorted, durations)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			bm.AvgResponse = average(sorted)
			bm.P50Response = percentile(sorted, 0.50)
			bm.P95Response = percentile(sorted, 0.95)
			bm.P99Response = percentile(sorted, 0.99)
		}

		snap.Backends[backend] = bm
	}

	return snap
}

func NewMetrics() *Metrics {
	return &Metrics{
		selections:    make(map[string]int64),
		responses:     make(map[string]int64),
		responseTimes: make(map[string][]time.Duration),
		statusCodes:   make(map[string]map[int]int64),
		upStatus:      make(map[string]bool),
		startTime:     time.Now(),
	}
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
