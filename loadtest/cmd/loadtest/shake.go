package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bogdan-velicu/MeetUp/internal/messaging"
	"github.com/bogdan-velicu/MeetUp/internal/postgres"
	"github.com/bogdan-velicu/MeetUp/internal/protocol"
	"github.com/bogdan-velicu/MeetUp/loadtest/stats"
)

// Pairs are spread on a grid so that no two pairs share a neighbourhood.
const (
	gridOriginLat = 44.40
	gridOriginLon = 26.00
	gridStep      = 0.01   // ~1.1 km
	partnerOffset = 0.0002 // ~22 m north
	gridWidth     = 100
)

type pair struct {
	index int
	a, b  int64
}

type shakeReply struct {
	result protocol.ShakeResultMsg
	err    error
}

// runShake implements the shake load test. Each pair of mutual friends
// shakes simultaneously at nearly the same spot; the test checks that both
// replies agree on one meeting and that both match notifications arrive.
func runShake(args []string) {
	fs := flag.NewFlagSet("shake", flag.ExitOnError)
	natsURL := fs.String("nats", "nats://localhost:4222", "NATS server URL")
	databaseURL := fs.String("database-url", "", "PostgreSQL URL; when set, users and friendships are seeded")
	firstUser := fs.Int64("first-user", 1, "First user id when not seeding (pair i uses first+2i and first+2i+1)")
	pairs := fs.Int("pairs", 200, "Number of friend pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration over which pairs start shaking")
	concurrency := fs.Int("concurrency", 50, "Maximum pairs shaking at once")
	timeout := fs.Duration("timeout", 30*time.Second, "Request timeout per shake")
	notifyWait := fs.Duration("notify-wait", 5*time.Second, "How long to wait for trailing match notifications")
	metricsURL := fs.String("metrics-url", "http://localhost:9102/metrics", "Shaker Prometheus endpoint")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	fmt.Printf("Shake test: %d pairs via %s (ramp=%s, concurrency=%d, timeout=%s)\n",
		*pairs, *natsURL, *rampUp, *concurrency, *timeout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = *natsURL
	natsConfig.Name = "meetup-loadtest"
	nc, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect NATS: %v\n", err)
		os.Exit(1)
	}
	defer nc.Close()

	// -----------------------------------------------------------------------
	// Phase 1: resolve users
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Users ---")
	var all []pair
	if *databaseURL != "" {
		all, err = seedPairs(ctx, *databaseURL, *pairs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "seed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Seeded %d friend pairs\n", len(all))
	} else {
		for i := 0; i < *pairs; i++ {
			a := *firstUser + int64(2*i)
			all = append(all, pair{index: i, a: a, b: a + 1})
		}
		fmt.Printf("Using pre-seeded users %d..%d\n", *firstUser, *firstUser+int64(2*(*pairs))-1)
	}

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// Notifications are timed from the moment the pair started shaking.
	var (
		startMu  sync.Mutex
		started  = make(map[int64]time.Time, 2*len(all))
		notified atomic.Int64
	)
	for _, p := range all {
		for _, uid := range []int64{p.a, p.b} {
			uid := uid
			err := nc.SubscribeMatch(uid, func(data []byte) {
				var msg protocol.ShakeMatchMsg
				if err := json.Unmarshal(data, &msg); err != nil || msg.Type != protocol.TypeShakeMatch {
					collector.AddError()
					return
				}
				startMu.Lock()
				t0, ok := started[uid]
				startMu.Unlock()
				if ok {
					collector.AddNotify(time.Since(t0))
				}
				notified.Add(1)
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "subscribe %d: %v\n", uid, err)
				os.Exit(1)
			}
		}
	}

	// -----------------------------------------------------------------------
	// Phase 2: shake
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 2: Shaking ---")

	interval := *rampUp / time.Duration(len(all)+1)
	if interval <= 0 {
		interval = time.Millisecond
	}

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s := collector.Snapshot()
				fmt.Printf("  [shake] pairs: %d/%d  matched: %d  notified: %d  mismatches: %d  errors: %d\n",
					s.Pairs, len(all), s.PairsMatched, notified.Load(), s.Mismatches, s.Errors)
			case <-progressStop:
				return
			}
		}
	}()

	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup
	ticker := time.NewTicker(interval)
	shakeStart := time.Now()

launch:
	for _, p := range all {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during shake phase.")
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(p pair) {
			defer wg.Done()
			defer func() { <-sem }()

			now := time.Now()
			startMu.Lock()
			started[p.a] = now
			started[p.b] = now
			startMu.Unlock()

			lat, lon := pairLocation(p.index)
			ra, rb := shakePair(nc, p, lat, lon, *timeout, collector)
			if ra.err != nil || rb.err != nil {
				collector.AddError()
				return
			}
			matched, consistent := judgePair(p, ra.result, rb.result)
			collector.AddPair(matched, consistent)
		}(p)
	}
	ticker.Stop()
	wg.Wait()
	shakeElapsed := time.Since(shakeStart)

	// -----------------------------------------------------------------------
	// Phase 3: trailing notifications
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 3: Waiting for notifications ---")
	want := int64(2 * collector.Snapshot().PairsMatched)
	deadline := time.NewTimer(*notifyWait)
	poll := time.NewTicker(100 * time.Millisecond)
wait:
	for notified.Load() < want {
		select {
		case <-deadline.C:
			break wait
		case <-ctx.Done():
			break wait
		case <-poll.C:
		}
	}
	deadline.Stop()
	poll.Stop()

	close(progressStop)
	progressWg.Wait()

	fmt.Printf("\nShake phase: %s\n", shakeElapsed.Round(time.Millisecond))
	fmt.Printf("Notifications:  %d / %d expected\n", notified.Load(), want)

	for _, p := range all {
		_ = nc.UnsubscribeMatch(p.a)
		_ = nc.UnsubscribeMatch(p.b)
	}
	scraper.Stop()
	collector.Report()
}

// seedPairs creates two users per pair and makes them mutual friends.
func seedPairs(ctx context.Context, databaseURL string, n int) ([]pair, error) {
	db, err := postgres.Open(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	users := postgres.NewUsers(db)
	out := make([]pair, 0, n)
	for i := 0; i < n; i++ {
		a, err := users.Create(ctx, fmt.Sprintf("loadtest-%04d-a", i), fmt.Sprintf("Load %d A", i))
		if err != nil {
			return nil, err
		}
		b, err := users.Create(ctx, fmt.Sprintf("loadtest-%04d-b", i), fmt.Sprintf("Load %d B", i))
		if err != nil {
			return nil, err
		}
		if err := users.Befriend(ctx, a, b); err != nil {
			return nil, err
		}
		out = append(out, pair{index: i, a: a, b: b})
	}
	return out, nil
}

func pairLocation(i int) (lat, lon float64) {
	return gridOriginLat + float64(i/gridWidth)*gridStep, gridOriginLon + float64(i%gridWidth)*gridStep
}

// shakePair sends both shakes at the same time and returns both replies.
func shakePair(nc *messaging.NATSClient, p pair, lat, lon float64, timeout time.Duration, collector *stats.Collector) (shakeReply, shakeReply) {
	var ra, rb shakeReply
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ra = shake(nc, p.a, lat, lon, timeout, collector)
	}()
	go func() {
		defer wg.Done()
		rb = shake(nc, p.b, lat+partnerOffset, lon, timeout, collector)
	}()
	wg.Wait()
	return ra, rb
}

func shake(nc *messaging.NATSClient, userID int64, lat, lon float64, timeout time.Duration, collector *stats.Collector) shakeReply {
	req, err := json.Marshal(protocol.InitiateShakeMsg{
		Type:      protocol.TypeInitiateShake,
		UserID:    userID,
		Latitude:  fmt.Sprintf("%.7f", lat),
		Longitude: fmt.Sprintf("%.7f", lon),
		AccuracyM: "10",
	})
	if err != nil {
		return shakeReply{err: err}
	}

	start := time.Now()
	data, err := nc.Request(messaging.SubjectInitiate, req, timeout)
	if err != nil {
		return shakeReply{err: err}
	}
	elapsed := time.Since(start)

	var result protocol.ShakeResultMsg
	if err := json.Unmarshal(data, &result); err != nil {
		return shakeReply{err: err}
	}
	if result.Type == protocol.TypeError {
		var e protocol.ErrorMsg
		_ = json.Unmarshal(data, &e)
		return shakeReply{err: fmt.Errorf("user %d: %s: %s", userID, e.Code, e.Message)}
	}
	collector.AddShake(elapsed, result.Matched)
	return shakeReply{result: result}
}

// judgePair reports whether the pair was matched and whether both replies
// tell the same story: the same meeting, each naming the other.
func judgePair(p pair, a, b protocol.ShakeResultMsg) (matched, consistent bool) {
	if !a.Matched && !b.Matched {
		return false, true
	}
	consistent = a.Matched && b.Matched &&
		a.MeetingID == b.MeetingID &&
		a.MatchedUserID == p.b && b.MatchedUserID == p.a
	return a.Matched && b.Matched, consistent
}
