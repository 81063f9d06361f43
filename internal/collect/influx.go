// Package collect talks to the statistics collector: it reads the latest
// statistics produced by jobs and forwards function lifecycle records to the
// collect agent.
package collect

import (
	"context"
	"fmt"
	"strings"

	"resty.dev/v3"

	"github.com/openbach-stack/conductor/internal/condition"
	"github.com/openbach-stack/conductor/internal/config"
	cerrors "github.com/openbach-stack/conductor/internal/errors"
)

// Tags attached by the collect agent to every statistic.
const (
	tagAgent    = "@agent_name"
	tagInstance = "@scenario_instance_id"
)

// StatsClient queries the InfluxDB-compatible statistics database.
type StatsClient struct {
	client    *resty.Client
	database  string
	precision string
}

// NewStatsClient returns a client for cfg, or nil when no stats URL is set.
func NewStatsClient(cfg config.CollectorConfig) *StatsClient {
	if cfg.StatsURL == "" {
		return nil
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.StatsURL, "/")).
		SetTimeout(cfg.Timeout)
	return &StatsClient{client: client, database: cfg.Database, precision: cfg.Precision}
}

// Close releases idle connections.
func (c *StatsClient) Close() error {
	return c.client.Close()
}

type queryResponse struct {
	Results []struct {
		Error  string `json:"error"`
		Series []struct {
			Name    string   `json:"name"`
			Columns []string `json:"columns"`
			Values  [][]any  `json:"values"`
		} `json:"series"`
	} `json:"results"`
	Error string `json:"error"`
}

// Latest returns the most recent value of a statistic produced in the given
// scenario instance. A statistic that has no point yet is an
// UnresolvedReference.
func (c *StatsClient) Latest(ctx context.Context, instanceID string, s condition.Statistic) (any, error) {
	ref := fmt.Sprintf("statistic %s of %s on %s", s.Field, s.Job, s.Agent)

	q := fmt.Sprintf(`SELECT last(%s) FROM %s WHERE %s = '%s'`,
		quoteIdent(s.Field), quoteIdent(s.Job), quoteIdent(tagInstance), escape(instanceID))
	if s.Agent != "" {
		q += fmt.Sprintf(` AND %s = '%s'`, quoteIdent(tagAgent), escape(s.Agent))
	}

	var out queryResponse
	res, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"db": c.database, "epoch": c.precision, "q": q}).
		SetResult(&out).
		Get("/query")
	if err != nil {
		return nil, cerrors.UnresolvedReference(ref).WithCause(err)
	}
	if res.IsError() {
		return nil, cerrors.UnresolvedReference(ref).WithDetail("http_status", res.StatusCode())
	}
	if out.Error != "" {
		return nil, cerrors.UnresolvedReference(ref).WithDetail("collector_error", out.Error)
	}
	for _, r := range out.Results {
		if r.Error != "" {
			return nil, cerrors.UnresolvedReference(ref).WithDetail("collector_error", r.Error)
		}
		for _, series := range r.Series {
			for _, row := range series.Values {
				// Columns are [time, last].
				if len(row) >= 2 && row[1] != nil {
					return row[1], nil
				}
			}
		}
	}
	return nil, cerrors.UnresolvedReference(ref)
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func escape(s string) string {
	return strings.ReplaceAll(s, `'`, `\'`)
}
