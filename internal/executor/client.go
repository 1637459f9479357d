package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// transportSlack is added on top of the per-question timeout for network overhead.
const transportSlack = 2 * time.Second

// ErrUnavailable is returned when the execution service cannot produce a verdict.
var ErrUnavailable = errors.New("code execution service unavailable")

// Submission is one piece of student code to run against test cases.
type Submission struct {
	Code          string           `json:"code"`
	Language      string           `json:"language"`
	Runtime       string           `json:"runtime,omitempty"`
	EntryFunction string           `json:"entryFunction,omitempty"`
	TestCases     []model.TestCase `json:"testCases"`
	TimeoutMs     int              `json:"timeoutMs"`
}

// TestCaseResult is the verdict for a single test case.
type TestCaseResult struct {
	Passed   bool            `json:"passed"`
	Input    json.RawMessage `json:"input,omitempty"`
	Expected json.RawMessage `json:"expected,omitempty"`
	Actual   json.RawMessage `json:"actual,omitempty"`
	Error    string          `json:"error,omitempty"`
	TimeMs   float64         `json:"timeMs,omitempty"`
}

// Result is the execution service's verdict for a submission. Student code
// failures arrive here as data, not as errors.
type Result struct {
	Success          bool             `json:"success"`
	OverallPassed    bool             `json:"overallPassed"`
	TotalTestsPassed int              `json:"totalTestsPassed"`
	TotalTests       int              `json:"totalTests"`
	TestResults      []TestCaseResult `json:"testResults"`
	ExecutionError   string           `json:"executionError,omitempty"`
	CompilationError string           `json:"compilationError,omitempty"`
}

// Client calls the external Code Execution Service over HTTP.
type Client struct {
	baseURL    string
	maxTimeout time.Duration
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a new Client. maxTimeout caps the per-submission deadline.
func NewClient(baseURL string, maxTimeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		maxTimeout: maxTimeout,
		httpClient: &http.Client{},
		log:        log.With().Str("component", "executor_client").Logger(),
	}
}

// Execute runs a submission. The deadline is the question timeout plus transport
// slack, bounded by the configured maximum.
func (c *Client) Execute(ctx context.Context, sub Submission) (*Result, error) {
	ctx, span := tracing.Tracer().Start(ctx, "executor.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("executor.language", sub.Language),
		attribute.Int("executor.test_cases", len(sub.TestCases)),
	)

	deadline := time.Duration(sub.TimeoutMs)*time.Millisecond + transportSlack
	if c.maxTimeout > 0 && (sub.TimeoutMs <= 0 || deadline > c.maxTimeout) {
		deadline = c.maxTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	body, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("marshal submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		span.SetStatus(codes.Error, resp.Status)
		c.log.Warn().
			Int("status", resp.StatusCode).
			Str("body", string(snippet)).
			Msg("Executor returned non-2xx")
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}

	span.SetAttributes(
		attribute.Bool("executor.overall_passed", res.OverallPassed),
		attribute.Int("executor.tests_passed", res.TotalTestsPassed),
	)
	c.log.Debug().
		Str("language", sub.Language).
		Int("passed", res.TotalTestsPassed).
		Int("total", res.TotalTests).
		Dur("took", time.Since(start)).
		Msg("Code executed")

	return &res, nil
}
