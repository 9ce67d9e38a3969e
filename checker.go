package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

// ErrInvalidTCPTarget is reported when a TCP_PING target is not host:port.
var ErrInvalidTCPTarget = errors.New("Invalid TCP target format. Expected host:port")

type ProbeResult struct {
	// LatencyMs is zero on every failure, so a positive value implies Up.
	LatencyMs int64
	Up        bool
	Error     string
	Timings   ProbeTimings
}

// DialContextFunc matches net.Dialer.DialContext.
type DialContextFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Checker runs a single probe against a monitor. It never returns an error;
// every failure is folded into the ProbeResult.
type Checker struct {
	dialContext         DialContextFunc
	verifyingClient     *http.Client
	skipVerifyClient    *http.Client
	traceOutgoingChecks bool
}

type CheckerOptions struct {
	// DialContext is used for TCP_PING probes. Defaults to a net.Dialer.
	DialContext DialContextFunc
	// TraceOutgoingChecks wraps every HTTP probe in a Sentry span.
	TraceOutgoingChecks bool
}

func NewChecker(options CheckerOptions) *Checker {
	if options.DialContext == nil {
		options.DialContext = (&net.Dialer{KeepAlive: -1}).DialContext
	}

	return &Checker{
		dialContext:         options.DialContext,
		verifyingClient:     newProbeHTTPClient(false),
		skipVerifyClient:    newProbeHTTPClient(true),
		traceOutgoingChecks: options.TraceOutgoingChecks,
	}
}

func newProbeHTTPClient(skipTLSVerify bool) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			TLSClientConfig:       &tls.Config{InsecureSkipVerify: skipTLSVerify},
		},
	}
}

func (c *Checker) Check(ctx context.Context, monitor Monitor) ProbeResult {
	if strings.EqualFold(monitor.Method, MethodTCPPing) {
		return c.checkTCP(ctx, monitor)
	}
	return c.checkHTTP(ctx, monitor)
}

func failedProbe(reason string) ProbeResult {
	return ProbeResult{LatencyMs: 0, Up: false, Error: reason}
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *Checker) checkTCP(ctx context.Context, monitor Monitor) ProbeResult {
	host, portValue, err := net.SplitHostPort(monitor.Target)
	if err != nil || host == "" {
		return failedProbe(ErrInvalidTCPTarget.Error())
	}
	port, err := strconv.Atoi(portValue)
	if err != nil || port < 1 || port > 65535 {
		return failedProbe(ErrInvalidTCPTarget.Error())
	}

	timeout := monitor.Timeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, err := c.dialContext(ctx, "tcp", monitor.Target)
	if err != nil {
		if isTimeoutError(err) {
			return failedProbe(fmt.Sprintf("Connection timeout after %dms", timeout.Milliseconds()))
		}
		return failedProbe(err.Error())
	}
	latency := time.Since(start).Milliseconds()
	_ = conn.Close()

	return ProbeResult{LatencyMs: max(latency, 1), Up: true}
}

func (c *Checker) checkHTTP(ctx context.Context, monitor Monitor) ProbeResult {
	if c.traceOutgoingChecks {
		span := sentry.StartSpan(ctx, "http.client", sentry.WithDescription(monitor.HTTPMethod()+" "+monitor.Target))
		span.SetData("lookout.monitor_id", monitor.ID)
		ctx = span.Context()
		defer span.Finish()
	}

	timeout := monitor.Timeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	timeoutResult := func(err error) ProbeResult {
		if isTimeoutError(err) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return failedProbe(fmt.Sprintf("Timeout after %dms", timeout.Milliseconds()))
		}
		return failedProbe(err.Error())
	}

	var body io.Reader
	if monitor.Body.Valid {
		body = strings.NewReader(monitor.Body.String)
	}

	tracer := newProbeTracer()
	ctx = httptrace.WithClientTrace(ctx, tracer.clientTrace())
	request, err := http.NewRequestWithContext(ctx, monitor.HTTPMethod(), monitor.Target, body)
	if err != nil {
		return failedProbe(err.Error())
	}
	for key, value := range monitor.Headers {
		request.Header.Set(key, value)
	}

	httpClient := c.verifyingClient
	if monitor.SkipTLSVerify {
		httpClient = c.skipVerifyClient
	}

	requestStart := time.Now()
	response, err := httpClient.Do(request)
	latency := time.Since(requestStart).Milliseconds()
	if err != nil {
		return timeoutResult(err)
	}
	defer func() {
		if response.Body != nil {
			_ = response.Body.Close()
		}
	}()

	timings := tracer.timings()
	slog.DebugContext(ctx, "http probe completed",
		slog.String("monitor_id", monitor.ID),
		slog.Int("status_code", response.StatusCode),
		slog.Any("timings", timings))

	if reason, ok := checkStatusCode(monitor.ExpectedCodes, response.StatusCode); !ok {
		return ProbeResult{Error: reason, Timings: timings}
	}

	if monitor.ResponseKeyword.Valid || monitor.ResponseForbiddenKeyword.Valid {
		responseBody, err := io.ReadAll(response.Body)
		if err != nil {
			return timeoutResult(err)
		}

		if monitor.ResponseKeyword.Valid && !strings.Contains(string(responseBody), monitor.ResponseKeyword.String) {
			slog.DebugContext(ctx, "expected keyword not found in response",
				slog.String("monitor_id", monitor.ID),
				slog.String("body", truncate(string(responseBody), 100)))
			return ProbeResult{Error: "HTTP response doesn't contain the configured keyword", Timings: timings}
		}

		if monitor.ResponseForbiddenKeyword.Valid && strings.Contains(string(responseBody), monitor.ResponseForbiddenKeyword.String) {
			slog.DebugContext(ctx, "forbidden keyword found in response",
				slog.String("monitor_id", monitor.ID),
				slog.String("body", truncate(string(responseBody), 100)))
			return ProbeResult{Error: "HTTP response contains the configured forbidden keyword", Timings: timings}
		}
	}

	return ProbeResult{LatencyMs: max(latency, 1), Up: true, Timings: timings}
}

// checkStatusCode accepts members of expected, or any 2xx code when expected
// is empty.
func checkStatusCode(expected []int, statusCode int) (string, bool) {
	if len(expected) > 0 {
		if slices.Contains(expected, statusCode) {
			return "", true
		}
		encoded, _ := json.Marshal(expected)
		return fmt.Sprintf("Expected codes: %s, Got: %d", encoded, statusCode), false
	}

	if statusCode >= 200 && statusCode <= 299 {
		return "", true
	}
	return fmt.Sprintf("Expected codes: 2xx, Got: %d", statusCode), false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
