package worker

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
)

// statsCollector samples host metrics from /proc for check-in reports.
// Collection is best-effort: on non-Linux hosts or read failures the
// affected fields stay zero and the check-in proceeds without them.
type statsCollector struct {
	mu       sync.Mutex
	lastIdle uint64
	lastBusy uint64
}

func newStatsCollector() *statsCollector {
	return &statsCollector{}
}

// Collect returns a snapshot of load, memory and CPU usage. CPU percent
// needs two samples, so the first call after startup reports zero.
func (s *statsCollector) Collect() *models.WorkerStats {
	stats := &models.WorkerStats{}
	stats.Load1m = readLoad1m()
	stats.MemoryPercent = readMemoryPercent()
	stats.CPUPercent = s.cpuPercent()
	return stats
}

func (s *statsCollector) cpuPercent() float64 {
	idle, busy, ok := readCPUTimes()
	if !ok {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idleDelta := idle - s.lastIdle
	busyDelta := busy - s.lastBusy
	first := s.lastIdle == 0 && s.lastBusy == 0
	s.lastIdle = idle
	s.lastBusy = busy

	total := idleDelta + busyDelta
	if first || total == 0 {
		return 0
	}
	return float64(busyDelta) / float64(total) * 100.0
}

func readLoad1m() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return 0
	}
	load, _ := strconv.ParseFloat(fields[0], 64)
	return load
}

func readMemoryPercent() float64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}

	values := map[string]uint64{}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		key := strings.TrimSuffix(fields[0], ":")
		switch key {
		case "MemTotal", "MemFree", "Buffers", "Cached":
			values[key], _ = strconv.ParseUint(fields[1], 10, 64)
		}
	}

	total := values["MemTotal"]
	if total == 0 {
		return 0
	}
	used := total - values["MemFree"] - values["Buffers"] - values["Cached"]
	return float64(used) / float64(total) * 100.0
}

// readCPUTimes parses the aggregate "cpu" line of /proc/stat into idle and
// busy jiffies. Idle includes iowait.
func readCPUTimes() (idle, busy uint64, ok bool) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, 0, false
	}

	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 8 {
			return 0, 0, false
		}
		var times []uint64
		for _, f := range fields[1:] {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return 0, 0, false
			}
			times = append(times, v)
		}
		for i, v := range times {
			// fields: user nice system idle iowait irq softirq steal ...
			if i == 3 || i == 4 {
				idle += v
			} else {
				busy += v
			}
		}
		return idle, busy, true
	}
	return 0, 0, false
}
