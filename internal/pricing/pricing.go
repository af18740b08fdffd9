package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

var ErrNoRate = errors.New("no exchange rate available")

// Oracle supplies the fiat-per-token rate used to freeze order amounts.
type Oracle interface {
	Rate(ctx context.Context) (Snapshot, error)
}

type Snapshot struct {
	Rate    decimal.Decimal `json:"rate"`
	Source  string          `json:"source"`
	TakenAt time.Time       `json:"taken_at"`
}

// FixedOracle always returns the configured rate.
type FixedOracle struct {
	FixedRate decimal.Decimal
}

func (o FixedOracle) Rate(ctx context.Context) (Snapshot, error) {
	if !o.FixedRate.IsPositive() {
		return Snapshot{}, ErrNoRate
	}
	return Snapshot{
		Rate:    o.FixedRate,
		Source:  "fixed",
		TakenAt: time.Now().UTC(),
	}, nil
}

// HTTPOracle reads the rate from a JSON endpoint of the form {"rate": "1500.25"}.
// A fetched value is reused for MaxAge; concurrent callers share one request.
// When a refresh fails the last good value is served, then Fallback.
type HTTPOracle struct {
	URL      string
	MaxAge   time.Duration
	Fallback Oracle
	Logger   *slog.Logger

	client *http.Client
	group  singleflight.Group
	now    func() time.Time

	mu   sync.RWMutex
	last Snapshot
}

func NewHTTPOracle(url string, maxAge time.Duration, fallback Oracle, logger *slog.Logger) *HTTPOracle {
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPOracle{
		URL:      strings.TrimSpace(url),
		MaxAge:   maxAge,
		Fallback: fallback,
		Logger:   logger,
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
	}
}

func (o *HTTPOracle) Rate(ctx context.Context) (Snapshot, error) {
	o.mu.RLock()
	last := o.last
	o.mu.RUnlock()
	if last.Rate.IsPositive() && o.now().Sub(last.TakenAt) < o.MaxAge {
		return last, nil
	}

	v, err, _ := o.group.Do("rate", func() (any, error) {
		return o.fetch(ctx)
	})
	if err == nil {
		snap := v.(Snapshot)
		o.mu.Lock()
		o.last = snap
		o.mu.Unlock()
		return snap, nil
	}

	if last.Rate.IsPositive() {
		o.Logger.Warn("rate fetch failed, serving cached rate",
			slog.String("url", o.URL),
			slog.Time("taken_at", last.TakenAt),
			slog.Any("error", err),
		)
		return last, nil
	}
	o.Logger.Warn("rate fetch failed", slog.String("url", o.URL), slog.Any("error", err))
	if o.Fallback != nil {
		return o.Fallback.Rate(ctx)
	}
	return Snapshot{}, err
}

func (o *HTTPOracle) fetch(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.URL, nil)
	if err != nil {
		return Snapshot{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := o.client.Do(req)
	if err != nil {
		return Snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Snapshot{}, fmt.Errorf("rate http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Rate decimal.Decimal `json:"rate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Snapshot{}, err
	}
	if !payload.Rate.IsPositive() {
		return Snapshot{}, ErrNoRate
	}
	return Snapshot{Rate: payload.Rate, Source: o.URL, TakenAt: o.now().UTC()}, nil
}
