// Package stats provides a goroutine-safe collector that aggregates results
// from many simulated shakers and prints a summary report with percentile
// distributions.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates shake results from concurrent clients. All methods
// are goroutine-safe.
type Collector struct {
	mu              sync.Mutex
	shakeLatencies  []time.Duration
	notifyLatencies []time.Duration
	shakes          int
	matched         int
	pairs           int
	pairsMatched    int
	mismatches      int
	errors          int
	startTime       time.Time
	scraper         *Scraper
}

// NewCollector creates a new Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a Prometheus scraper. When set, Report also prints the
// server-side metrics collected by it.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddShake records one shake round trip and whether its reply was a match.
func (c *Collector) AddShake(d time.Duration, matched bool) {
	c.mu.Lock()
	c.shakeLatencies = append(c.shakeLatencies, d)
	c.shakes++
	if matched {
		c.matched++
	}
	c.mu.Unlock()
}

// AddNotify records how long a match notification took to arrive after the
// pair started shaking.
func (c *Collector) AddNotify(d time.Duration) {
	c.mu.Lock()
	c.notifyLatencies = append(c.notifyLatencies, d)
	c.mu.Unlock()
}

// AddPair records the outcome of one pair. consistent is false when the two
// replies disagree about the meeting.
func (c *Collector) AddPair(matched, consistent bool) {
	c.mu.Lock()
	c.pairs++
	if matched {
		c.pairsMatched++
	}
	if !consistent {
		c.mismatches++
	}
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Shakes       int
	Matched      int
	Pairs        int
	PairsMatched int
	Mismatches   int
	Errors       int
}

// Snapshot returns the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Shakes:       c.shakes,
		Matched:      c.matched,
		Pairs:        c.pairs,
		PairsMatched: c.pairsMatched,
		Mismatches:   c.mismatches,
		Errors:       c.errors,
	}
}

// Report prints a formatted summary of the collected results to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Println("\n=== Shake Load Test Results ===")
	fmt.Printf("Duration:       %s\n", elapsed.Round(time.Second))
	fmt.Printf("Shakes:         %d (%d matched)\n", c.shakes, c.matched)
	fmt.Printf("Pairs matched:  %d / %d\n", c.pairsMatched, c.pairs)
	fmt.Printf("Mismatches:     %d\n", c.mismatches)
	fmt.Printf("Errors:         %d\n", c.errors)

	if c.pairs > 0 {
		fmt.Printf("Match rate:     %.2f%%\n", float64(c.pairsMatched)/float64(c.pairs)*100)
	}
	if elapsed.Seconds() > 0 {
		fmt.Printf("Throughput:     %.1f shakes/s\n", float64(c.shakes)/elapsed.Seconds())
	}

	if len(c.shakeLatencies) > 0 {
		fmt.Println("\n--- Shake Latency ---")
		fmt.Println(" ", FormatPercentiles(c.shakeLatencies))
	}
	if len(c.notifyLatencies) > 0 {
		fmt.Println("\n--- Notification Latency ---")
		fmt.Println(" ", FormatPercentiles(c.notifyLatencies))
	}

	if c.scraper != nil {
		c.scraper.Report()
	}

	fmt.Println()
}

// FormatPercentiles sorts durations in place and renders avg, p50, p95, p99
// and max along with the sample count. It returns "n=0" for an empty slice.
func FormatPercentiles(durations []time.Duration) string {
	n := len(durations)
	if n == 0 {
		return "n=0"
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	p50 := durations[n/2]
	p95 := durations[int(math.Ceil(float64(n)*0.95))-1]
	p99 := durations[int(math.Ceil(float64(n)*0.99))-1]

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	avg := sum / time.Duration(n)

	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		avg.Round(time.Microsecond),
		p50.Round(time.Microsecond),
		p95.Round(time.Microsecond),
		p99.Round(time.Microsecond),
		durations[n-1].Round(time.Microsecond),
		n,
	)
}
