package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/Suhaibinator/thor/pkg/common"
	"github.com/Suhaibinator/thor/pkg/metrics"
)

// MetricsConfig configures Metrics.
type MetricsConfig struct {
	Collector *metrics.Collector
}

// Metrics is a processor factory that records the count and latency of every
// request, labelled by method, route template and status. Requests that did
// not match a route are labelled "unmatched".
func Metrics(next common.Handler, cfg MetricsConfig) (common.Handler, error) {
	if cfg.Collector == nil {
		return nil, errors.New("middleware: metrics collector is required")
	}
	return common.RequestOnly(next, func(ctx context.Context, in *common.Interaction) (*common.Response, error) {
		start := time.Now()
		resp, err := next.Serve(ctx, in)

		route := in.Route
		if route == "" {
			route = "unmatched"
		}
		cfg.Collector.ObserveRequest(in.Method, route, statusOf(resp, err), time.Since(start))
		return resp, err
	}), nil
}
