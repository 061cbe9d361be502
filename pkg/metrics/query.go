package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// ActionThroughput aggregates execution metrics for one action type over a window.
type ActionThroughput struct {
	ActionType string  `json:"action_type"`
	Completed  int64   `json:"completed"`
	Failed     int64   `json:"failed"`
	Retries    int64   `json:"retries"`
	AvgSeconds float64 `json:"avg_duration_seconds"`
}

// Report is a throughput summary over a window.
type Report struct {
	Window    time.Duration       `json:"window"`
	Actions   []*ActionThroughput `json:"actions"`
	Approvals map[string]int64    `json:"approvals"`
	Loops     map[string]int64    `json:"loops"`
	At        time.Time           `json:"at"`

	byAction map[string]*ActionThroughput
}

// QueryService reads gatekeeper metrics back from a Prometheus server that
// scrapes the daemon.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
	now      func() time.Time
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
		now:      time.Now,
	}, nil
}

// Throughput reports completions, failures, retries and decisions over window.
func (q *QueryService) Throughput(ctx context.Context, window time.Duration) (*Report, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	at := q.now()
	r := &Report{
		Window:    window,
		Approvals: map[string]int64{},
		Loops:     map[string]int64{},
		At:        at,
		byAction:  map[string]*ActionThroughput{},
	}
	rng := model.Duration(window).String()

	vec, err := q.vector(ctx, fmt.Sprintf(`sum by (action_type, outcome) (increase(gatekeeper_executions_total[%s]))`, rng), at)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	for _, s := range vec {
		a := r.action(string(s.Metric["action_type"]))
		switch s.Metric["outcome"] {
		case "completed":
			a.Completed = int64(s.Value)
		case "failed":
			a.Failed = int64(s.Value)
		}
	}

	vec, err = q.vector(ctx, fmt.Sprintf(`sum by (action_type) (increase(gatekeeper_retries_total[%s]))`, rng), at)
	if err != nil {
		return nil, fmt.Errorf("failed to query retries: %w", err)
	}
	for _, s := range vec {
		r.action(string(s.Metric["action_type"])).Retries = int64(s.Value)
	}

	vec, err = q.vector(ctx, fmt.Sprintf(
		`sum by (action_type) (rate(gatekeeper_execution_duration_seconds_sum[%s])) / sum by (action_type) (rate(gatekeeper_execution_duration_seconds_count[%s]))`,
		rng, rng), at)
	if err != nil {
		return nil, fmt.Errorf("failed to query durations: %w", err)
	}
	for _, s := range vec {
		r.action(string(s.Metric["action_type"])).AvgSeconds = float64(s.Value)
	}

	if err := q.counts(ctx, r.Approvals, "decision", fmt.Sprintf(`sum by (decision) (increase(gatekeeper_approvals_total[%s]))`, rng), at); err != nil {
		return nil, fmt.Errorf("failed to query approvals: %w", err)
	}
	if err := q.counts(ctx, r.Loops, "outcome", fmt.Sprintf(`sum by (outcome) (increase(gatekeeper_loop_decisions_total[%s]))`, rng), at); err != nil {
		return nil, fmt.Errorf("failed to query loop decisions: %w", err)
	}

	for _, a := range r.byAction {
		r.Actions = append(r.Actions, a)
	}
	sort.Slice(r.Actions, func(i, j int) bool { return r.Actions[i].ActionType < r.Actions[j].ActionType })
	return r, nil
}

func (r *Report) action(actionType string) *ActionThroughput {
	a, ok := r.byAction[actionType]
	if !ok {
		a = &ActionThroughput{ActionType: actionType}
		r.byAction[actionType] = a
	}
	return a
}

func (q *QueryService) counts(ctx context.Context, into map[string]int64, label, query string, at time.Time) error {
	vec, err := q.vector(ctx, query, at)
	if err != nil {
		return err
	}
	for _, s := range vec {
		into[string(s.Metric[model.LabelName(label)])] = int64(s.Value)
	}
	return nil
}

func (q *QueryService) vector(ctx context.Context, query string, at time.Time) (model.Vector, error) {
	result, _, err := q.queryAPI.Query(ctx, query, at)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	vec, ok := result.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %s", result.Type())
	}
	return vec, nil
}
