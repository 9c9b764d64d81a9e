package httpclient

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gustycube/sensorwatch/internal/circuitbreaker"
	"github.com/gustycube/sensorwatch/internal/metrics"
	"go.uber.org/zap"
)

// Default is tuned for a handful of slow model and upload endpoints rather than many hosts.
func Default(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		ResponseHeaderTimeout: timeout,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{Transport: tr, Timeout: timeout}
}

// ResilientClient is an http.Client behind one circuit breaker per host. It satisfies the
// Do-only interface the model client and uploader accept.
type ResilientClient struct {
	client   *http.Client
	breakers *circuitbreaker.Set
}

// NewResilientClient wraps client (Default when nil). cfg zero values take breaker defaults.
func NewResilientClient(client *http.Client, cfg circuitbreaker.Config, log *zap.SugaredLogger) *ResilientClient {
	if client == nil {
		client = Default(0)
	}
	cfg.OnStateChange = func(host string, from, to circuitbreaker.State) {
		metrics.BreakerState.WithLabelValues(host).Set(float64(to))
		log.Warnw("circuit breaker state change", "host", host, "from", from.String(), "to", to.String())
	}
	return &ResilientClient{client: client, breakers: circuitbreaker.NewSet(cfg)}
}

// Do sends req unless its host's breaker is open. Transport errors and 5xx responses count as
// failures, but a 5xx response is still handed back with a nil error so callers can read it.
func (c *ResilientClient) Do(req *http.Request) (*http.Response, error) {
	host := req.URL.Host
	var resp *http.Response
	err := c.breakers.Execute(host, func() error {
		var err error
		resp, err = c.client.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
		}
		return nil
	})
	if IsHTTPError(err) {
		return resp, nil
	}
	return resp, err
}

func (c *ResilientClient) Stats() []circuitbreaker.Stat { return c.breakers.Stats() }

func (c *ResilientClient) ResetBreaker(host string) { c.breakers.Reset(host) }

// HTTPError is a non-success response.
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return e.Status
}

func IsHTTPError(err error) bool {
	_, ok := err.(*HTTPError)
	return ok
}

func StatusCode(err error) int {
	if httpErr, ok := err.(*HTTPError); ok {
		return httpErr.StatusCode
	}
	return 0
}
