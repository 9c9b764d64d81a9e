package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gustycube/sensorwatch/internal/dedup"
	"github.com/gustycube/sensorwatch/internal/metrics"
	"github.com/gustycube/sensorwatch/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options bound the queries a snapshot issues.
type Options struct {
	GroupLimit   int    // buckets requested per grouped dimension
	AddressRange string // CIDR scanned for the address dimension
	AddressLimit int    // raw rows requested for the address dimension
	Concurrency  int
}

func (o *Options) setDefaults() {
	if o.GroupLimit <= 0 {
		o.GroupLimit = 10
	}
	if o.AddressRange == "" {
		o.AddressRange = "0.0.0.0/0"
	}
	if o.AddressLimit <= 0 {
		o.AddressLimit = 1000
	}
	if o.Concurrency <= 0 {
		o.Concurrency = len(Dimensions)
	}
}

type Aggregator struct {
	backend Backend
	rules   Rules
	opts    Options
	seen    dedup.Interface
	log     *zap.SugaredLogger
	now     func() time.Time
}

// NewAggregator builds an aggregator. seen may be nil, in which case every indicator is
// reported as first seen.
func NewAggregator(backend Backend, rules Rules, opts Options, seen dedup.Interface, log *zap.SugaredLogger) *Aggregator {
	opts.setDefaults()
	return &Aggregator{backend: backend, rules: rules, opts: opts, seen: seen, log: log, now: time.Now}
}

type dimResult struct {
	total int64
	dist  Distribution
	rows  []LogEntry
	err   error
}

// Snapshot performs the backend handshake and then Fetch. Only a failed handshake or the
// failure of every dimension is returned as an error.
func (a *Aggregator) Snapshot(ctx context.Context, window Window) (*Snapshot, error) {
	if err := a.Handshake(ctx); err != nil {
		return nil, err
	}
	return a.Fetch(ctx, window)
}

// Handshake negotiates with the backend. Its error is returned unwrapped.
func (a *Aggregator) Handshake(ctx context.Context) error {
	ctx, span := telemetry.Tracer("analytics").Start(ctx, "analytics.Handshake")
	defer span.End()
	if err := a.backend.Handshake(ctx); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Fetch queries every dimension for window and merges the results. Individual dimension
// failures are recorded on the snapshot; an error wrapping ErrNoData means none succeeded.
func (a *Aggregator) Fetch(ctx context.Context, window Window) (*Snapshot, error) {
	ctx, span := telemetry.Tracer("analytics").Start(ctx, "analytics.Fetch")
	defer span.End()
	span.SetAttributes(attribute.String("window", window.String()))

	end := a.now().UTC()
	results := make([]dimResult, len(Dimensions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Concurrency)
	for i, dim := range Dimensions {
		g.Go(func() error {
			results[i] = a.fetch(gctx, dim, window)
			return nil
		})
	}
	_ = g.Wait()

	snap := &Snapshot{
		ID:     uuid.NewString(),
		Window: window,
		Start:  end.Add(-window.Duration()),
		End:    end,
	}

	var rows []LogEntry
	failed := 0
	for i, dim := range Dimensions {
		r := results[i]
		if r.err != nil {
			failed++
			metrics.DimensionErrors.WithLabelValues(string(dim)).Inc()
			a.log.Warnw("dimension query failed", "dimension", dim, "err", r.err)
			snap.Partial = append(snap.Partial, &PartialDataError{Dimension: dim, Err: r.err})
			continue
		}
		if r.total > snap.TotalRequests {
			snap.TotalRequests = r.total
		}
		*snap.Distribution(dim) = r.dist
		if dim == DimAddress {
			rows = r.rows
		}
	}
	if failed == len(Dimensions) {
		span.RecordError(ErrNoData)
		return nil, fmt.Errorf("%w: %d of %d dimensions failed", ErrNoData, failed, len(Dimensions))
	}

	// Buckets the backend truncated away are folded into one residual so every fetched
	// distribution adds up to the same total.
	for i, dim := range Dimensions {
		if results[i].err == nil {
			snap.Distribution(dim).fill(snap.TotalRequests)
		}
	}

	snap.Indicators = DeriveIndicators(rows, a.rules)
	for i := range snap.Indicators {
		ind := &snap.Indicators[i]
		ind.FirstSeen = a.seen == nil || !a.seen.Seen(ind.Address)
	}
	a.recordIndicators(snap.Indicators)

	a.log.Infow("snapshot built", "id", snap.ID, "window", window.String(), "total", snap.TotalRequests,
		"indicators", len(snap.Indicators), "partial", len(snap.Partial))
	return snap, nil
}

func (a *Aggregator) fetch(ctx context.Context, dim Dimension, window Window) dimResult {
	if dim == DimAddress {
		rows, err := a.backend.SearchByAddress(ctx, a.opts.AddressRange, window, a.opts.AddressLimit)
		if err != nil {
			return dimResult{err: err}
		}
		var r dimResult
		for _, row := range rows {
			r.dist.Add(row.IP, 1)
		}
		r.total = int64(len(rows))
		r.rows = rows
		return r
	}

	reply, err := a.backend.TrafficByGroup(ctx, dim, window, a.opts.GroupLimit)
	if err != nil {
		return dimResult{err: err}
	}
	r := dimResult{total: reply.TotalRequests}
	for _, grp := range reply.Groups {
		r.dist.Add(grp.Name, grp.Count)
	}
	return r
}

func (a *Aggregator) recordIndicators(inds []ThreatIndicator) {
	counts := map[IndicatorKind]float64{KindRestrictedSensorGeo: 0, KindMultiSensor: 0}
	for _, ind := range inds {
		counts[ind.Kind]++
	}
	for kind, n := range counts {
		metrics.Indicators.WithLabelValues(string(kind)).Set(n)
	}
}
