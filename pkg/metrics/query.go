package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// BusMetrics represents aggregated coordination counters scraped into a
// Prometheus server.
type BusMetrics struct {
	Instance             string  `json:"instance"`
	PublishAttempts      int64   `json:"publish_attempts_total"`
	Deliveries           int64   `json:"deliveries_total"`
	DeadLetters          int64   `json:"dead_letters_total"`
	DeadLetterRate       float64 `json:"dead_letter_rate"`
	InboxOverflowEvicted int64   `json:"inbox_overflow_evictions_total"`
}

// QueryService provides methods to query coordination metrics from
// Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetBusMetrics retrieves aggregated publish, delivery, and dead-letter
// counters for a specific bus instance.
func (q *QueryService) GetBusMetrics(ctx context.Context, instance string) (*BusMetrics, error) {
	metrics := &BusMetrics{
		Instance: instance,
	}

	attempts, err := q.queryCounter(ctx, fmt.Sprintf(`sum(coordination_publish_attempts_total{instance=%q})`, instance))
	if err != nil {
		return nil, fmt.Errorf("failed to query publish attempts: %w", err)
	}
	metrics.PublishAttempts = attempts

	deliveries, err := q.queryCounter(ctx, fmt.Sprintf(`sum(coordination_deliveries_total{instance=%q})`, instance))
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	metrics.Deliveries = deliveries

	deadLetters, err := q.queryCounter(ctx, fmt.Sprintf(`sum(coordination_dead_letters_total{instance=%q})`, instance))
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	metrics.DeadLetters = deadLetters

	evicted, err := q.queryCounter(ctx, fmt.Sprintf(`sum(coordination_inbox_overflow_evictions_total{instance=%q})`, instance))
	if err != nil {
		return nil, fmt.Errorf("failed to query inbox overflow evictions: %w", err)
	}
	metrics.InboxOverflowEvicted = evicted

	if metrics.PublishAttempts > 0 {
		metrics.DeadLetterRate = float64(metrics.DeadLetters) / float64(metrics.PublishAttempts)
	}

	return metrics, nil
}

// GetDeadLetterRate retrieves the dead-letter rate per second over a
// trailing window, summed across instances.
func (q *QueryService) GetDeadLetterRate(ctx context.Context, window time.Duration) (float64, error) {
	query := fmt.Sprintf(`sum(rate(coordination_dead_letters_total[%s]))`, model.Duration(window))
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to query dead letter rate: %w", err)
	}

	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}

func (q *QueryService) queryCounter(ctx context.Context, query string) (int64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}

	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return int64(vector[0].Value), nil
	}
	return 0, nil
}
