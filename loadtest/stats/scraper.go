package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// metricSnapshot holds the shake counters read in one scrape.
type metricSnapshot struct {
	timestamp    time.Time
	shakes       float64
	matches      float64
	raceLost     float64
	sideEffects  float64
	expired      float64
	latencySum   float64
	latencyCount float64
}

// Scraper polls the shaker's /metrics endpoint during a run so the report
// can show what the server counted alongside what the clients saw.
type Scraper struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu        sync.Mutex
	snapshots []metricSnapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper polls url every interval once started.
func NewScraper(url string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start takes a first snapshot and keeps polling until ctx ends or Stop is
// called. A last snapshot is taken on the way out.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.record(context.Background())

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.record(context.Background())
				return
			case <-ticker.C:
				s.record(ctx)
			}
		}
	}()
}

// Stop ends polling and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// record appends a snapshot. Failed scrapes are dropped; the shaker may not
// be listening yet.
func (s *Scraper) record(ctx context.Context) {
	snap, err := s.fetch(ctx)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *Scraper) fetch(ctx context.Context) (metricSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return metricSnapshot{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return metricSnapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return metricSnapshot{}, fmt.Errorf("scrape %s: status %d", s.url, resp.StatusCode)
	}
	return parseSnapshot(resp.Body, time.Now())
}

// parseSnapshot reads a Prometheus text exposition and extracts the shake
// counters.
func parseSnapshot(r io.Reader, at time.Time) (metricSnapshot, error) {
	snap := metricSnapshot{timestamp: at}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		name, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}

		switch name {
		case "shake_signals_total":
			// Labeled by result; sum every series.
			snap.shakes += value
		case "shake_matches_total":
			snap.matches = value
		case "shake_race_lost_total":
			snap.raceLost = value
		case "shake_side_effect_failures_total":
			snap.sideEffects += value
		case "shake_sessions_expired_total":
			snap.expired = value
		case "shake_latency_seconds_sum":
			snap.latencySum = value
		case "shake_latency_seconds_count":
			snap.latencyCount = value
		}
	}

	return snap, scanner.Err()
}

// parseMetricLine splits an exposition line such as
// `shake_signals_total{result="matched"} 3` into the bare metric name and its
// value. Labels are discarded.
func parseMetricLine(line string) (string, float64, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", 0, false
	}
	name := fields[0]
	if open := strings.IndexByte(line, '{'); open != -1 {
		if strings.IndexByte(line[open:], '}') == -1 {
			return "", 0, false
		}
		name = line[:open]
	}
	v, err := strconv.ParseFloat(fields[len(fields)-1], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report prints the first and last scraped value of each shake counter and
// the average shake latency observed between them.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := make([]metricSnapshot, len(s.snapshots))
	copy(snaps, s.snapshots)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}

	first := snaps[0]
	last := snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second))

	type counter struct {
		label   string
		initial float64
		final   float64
	}

	counters := []counter{
		{"Shakes", first.shakes, last.shakes},
		{"Matches", first.matches, last.matches},
		{"Races Lost", first.raceLost, last.raceLost},
		{"Side Effect Err", first.sideEffects, last.sideEffects},
		{"Expired", first.expired, last.expired},
	}

	fmt.Println()
	fmt.Printf("  %-16s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta")
	fmt.Printf("  %-16s %10s %10s %10s\n", "------", "-------", "-----", "-----")
	for _, c := range counters {
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f\n", c.label, c.initial, c.final, c.final-c.initial)
	}

	fmt.Println()
	printHistogramAvg("Shake Latency", first.latencySum, first.latencyCount,
		last.latencySum, last.latencyCount)
}

// printHistogramAvg prints the average computed from histogram _sum/_count
// deltas between the first and last snapshot.
func printHistogramAvg(label string, sumFirst, countFirst, sumLast, countLast float64) {
	deltaSum := sumLast - sumFirst
	deltaCount := countLast - countFirst
	if deltaCount > 0 {
		avg := deltaSum / deltaCount
		fmt.Printf("  %-16s avg: %.4fs  (%.0f observations)\n", label, avg, deltaCount)
	} else {
		fmt.Printf("  %-16s avg: N/A  (no observations)\n", label)
	}
}
