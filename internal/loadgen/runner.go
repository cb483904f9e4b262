package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

type Options struct {
	URL      string
	Scenario Scenario
	// MaxInflight bounds concurrent requests. Arrivals beyond it are dropped
	// and counted as failures.
	MaxInflight int64
	Features    []float64
	Timeout     time.Duration
	Logger      *slog.Logger
}

type Thresholds struct {
	P99         time.Duration
	MaxFailRate float64
}

type Report struct {
	Scenario string        `json:"scenario"`
	Elapsed  time.Duration `json:"elapsed"`
	Requests int           `json:"requests"`
	Failures int           `json:"failures"`
	Dropped  int           `json:"dropped"`
	P50      time.Duration `json:"p50"`
	P95      time.Duration `json:"p95"`
	P99      time.Duration `json:"p99"`
}

// FailRate counts dropped arrivals as failures.
func (r Report) FailRate() float64 {
	total := r.Requests + r.Dropped
	if total == 0 {
		return 0
	}
	return float64(r.Failures+r.Dropped) / float64(total)
}

// Violations lists every threshold the report breaks.
func (r Report) Violations(th Thresholds) []string {
	var out []string
	if th.P99 > 0 && r.P99 > th.P99 {
		out = append(out, fmt.Sprintf("p99 %s exceeds %s", r.P99, th.P99))
	}
	if r.FailRate() > th.MaxFailRate {
		out = append(out, fmt.Sprintf("fail rate %.4f exceeds %.4f", r.FailRate(), th.MaxFailRate))
	}
	return out
}

type Runner struct {
	client *http.Client
	opts   Options
	logger *slog.Logger
	body   []byte

	mu        sync.Mutex
	latencies []time.Duration
	failures  int
	dropped   int
}

func NewRunner(opts Options) (*Runner, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("target url is required")
	}
	if opts.MaxInflight <= 0 {
		return nil, fmt.Errorf("max inflight must be positive, got %d", opts.MaxInflight)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	body, err := json.Marshal(map[string][]float64{"features": opts.Features})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = int(opts.MaxInflight)

	return &Runner{
		client: &http.Client{Timeout: opts.Timeout, Transport: transport},
		opts:   opts,
		logger: opts.Logger,
		body:   body,
	}, nil
}

// Run drives the scenario until it ends or ctx is cancelled, then waits for
// in-flight requests.
func (r *Runner) Run(ctx context.Context) Report {
	sc := r.opts.Scenario
	sem := semaphore.NewWeighted(r.opts.MaxInflight)
	var g errgroup.Group

	r.logger.Info("Starting load",
		slog.String("scenario", sc.Name),
		slog.String("url", r.opts.URL),
		slog.Duration("duration", sc.Duration()),
		slog.Int64("max_inflight", r.opts.MaxInflight))

	start := time.Now()
	end := start.Add(sc.Duration())
	next := start

	for {
		now := time.Now()
		if !now.Before(end) || ctx.Err() != nil {
			break
		}

		rate := sc.RateAt(now.Sub(start))
		if rate <= 0 {
			next = now.Add(10 * time.Millisecond)
		} else {
			if sem.TryAcquire(1) {
				g.Go(func() error {
					defer sem.Release(1)
					r.fire(ctx)
					return nil
				})
			} else {
				r.mu.Lock()
				r.dropped++
				r.mu.Unlock()
			}
			next = next.Add(time.Duration(float64(time.Second) / rate))
		}

		if wait := time.Until(next); wait > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
		}
	}

	_ = g.Wait()
	return r.report(sc.Name, time.Since(start))
}

func (r *Runner) fire(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.opts.URL, bytes.NewReader(r.body))
	if err != nil {
		r.record(0, false)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		r.record(time.Since(start), false)
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	r.record(time.Since(start), resp.StatusCode == http.StatusOK)
}

func (r *Runner) record(latency time.Duration, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latencies = append(r.latencies, latency)
	if !ok {
		r.failures++
	}
}

func (r *Runner) report(name string, elapsed time.Duration) Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	sorted := append([]time.Duration(nil), r.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return Report{
		Scenario: name,
		Elapsed:  elapsed,
		Requests: len(sorted),
		Failures: r.failures,
		Dropped:  r.dropped,
		P50:      Percentile(sorted, 50),
		P95:      Percentile(sorted, 95),
		P99:      Percentile(sorted, 99),
	}
}

// Percentile uses nearest rank over an ascending slice.
func Percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
