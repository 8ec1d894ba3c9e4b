// Package stats aggregates measurements from many load test clients and
// prints a summary with percentile distributions.
package stats

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// Collector is safe for concurrent use by many client goroutines.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	joinLatencies    []time.Duration
	fanoutLatencies  []time.Duration
	connections      int
	errors           int
	sent             int
	received         int
	startTime        time.Time
}

// NewCollector creates a Collector whose clock starts now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// AddConnect records a successful dial.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddJoin records the time from sending join to receiving members.
func (c *Collector) AddJoin(d time.Duration) {
	c.mu.Lock()
	c.joinLatencies = append(c.joinLatencies, d)
	c.mu.Unlock()
}

// AddFanout records how long a relayed pos sample took to reach a peer.
func (c *Collector) AddFanout(d time.Duration) {
	c.mu.Lock()
	c.fanoutLatencies = append(c.fanoutLatencies, d)
	c.received++
	c.mu.Unlock()
}

// AddSent counts one outbound sample.
func (c *Collector) AddSent() {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report writes the summary to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", c.connections)
	fmt.Fprintf(w, "Errors:       %d\n", c.errors)
	if c.connections > 0 {
		fmt.Fprintf(w, "Error rate:   %.2f%%\n", float64(c.errors)/float64(c.connections)*100)
	}
	if c.sent > 0 {
		fmt.Fprintf(w, "Pos sent:     %d\n", c.sent)
		fmt.Fprintf(w, "Pos received: %d\n", c.received)
	}

	for _, section := range []struct {
		name string
		d    []time.Duration
	}{
		{"Connect Latency", c.connectLatencies},
		{"Join Latency", c.joinLatencies},
		{"Fan-out Latency", c.fanoutLatencies},
	} {
		if p, ok := Summarize(section.d); ok {
			fmt.Fprintf(w, "\n--- %s ---\n%s\n", section.name, p)
		}
	}
	fmt.Fprintln(w)
}

// Percentiles summarizes a latency sample.
type Percentiles struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

func (p Percentiles) String() string {
	r := func(d time.Duration) time.Duration { return d.Round(time.Microsecond) }
	return fmt.Sprintf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		r(p.Avg), r(p.P50), r(p.P95), r(p.P99), r(p.Max), p.N)
}

// Summarize sorts durations in place and computes its percentiles. It
// reports false for an empty sample.
func Summarize(durations []time.Duration) (Percentiles, bool) {
	n := len(durations)
	if n == 0 {
		return Percentiles{}, false
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return Percentiles{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: durations[n/2],
		P95: durations[rank(n, 95)],
		P99: durations[rank(n, 99)],
		Max: durations[n-1],
	}, true
}

// rank is the nearest-rank index of the pct-th percentile in a sample of n.
func rank(n, pct int) int {
	i := (n*pct+99)/100 - 1
	if i < 0 {
		return 0
	}
	return i
}
