package circuitbreaker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper wraps an http.Client with a circuit breaker. It satisfies the
// Do(*http.Request) shape expected by SDK clients that accept a custom doer.
type HTTPWrapper struct {
	client    *http.Client
	cb        *CircuitBreaker
	name      string
	service   string
	collector *MetricsCollector
}

// NewHTTPWrapper creates a new HTTP wrapper with circuit breaker and metrics
func NewHTTPWrapper(client *http.Client, name, service string, collector *MetricsCollector, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	cb := NewCircuitBreaker(name, SettingsFromEnv("http").ToConfig(), logger)
	if collector != nil {
		collector.Register(service, cb)
	}
	return &HTTPWrapper{client: client, cb: cb, name: name, service: service, collector: collector}
}

// Do executes an HTTP request through the circuit breaker. 5xx responses count
// as breaker failures but are still returned to the caller; 4xx do not trip it.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.cb.Execute(req.Context(), func(_ context.Context) error {
		var err error
		resp, err = hw.client.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return &httpStatusError{code: resp.StatusCode}
		}
		return nil
	})

	if hw.collector != nil {
		hw.collector.RecordRequest(hw.name, hw.service, hw.cb.State(), err == nil)
	}

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return resp, nil
	}
	return resp, err
}

// State exposes the breaker state for health checks
func (hw *HTTPWrapper) State() State {
	return hw.cb.State()
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return http.StatusText(e.code) }
