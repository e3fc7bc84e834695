// Package clarifai is an analysis.Provider backed by a Clarifai workflow.
package clarifai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/lumenhost/imagehost/internal/analysis"
	"github.com/lumenhost/imagehost/internal/logging"
)

const (
	DefaultAPIBase = "https://api.clarifai.com"

	statusSuccess  = 10000
	unknownModelID = "unknown"
	maxErrorBody   = 512
)

// Config carries the credentials and workflow coordinates.
type Config struct {
	PAT         string
	WorkflowURL string
	APIBase     string
	Timeout     time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreakerSettings overrides the circuit breaker configuration.
func WithBreakerSettings(st gobreaker.Settings) Option {
	return func(c *Client) { c.breakerSettings = &st }
}

type workflow struct {
	userID string
	appID  string
	id     string
}

// Client calls the Clarifai workflow results endpoint.
type Client struct {
	pat       string
	endpoint  string
	available bool
	reason    string

	http            *http.Client
	breaker         *gobreaker.CircuitBreaker
	breakerSettings *gobreaker.Settings
	log             *zap.Logger
}

// New builds a Client. Availability is decided here and never rechecked: a
// missing PAT or an unparsable workflow URL yields a client whose every
// Analyze call returns a fallback result.
func New(cfg Config, log *zap.Logger, opts ...Option) *Client {
	log = logging.OrNop(log)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		pat:  cfg.PAT,
		http: &http.Client{Timeout: timeout},
		log:  log.Named("clarifai"),
	}
	for _, opt := range opts {
		opt(c)
	}

	st := gobreaker.Settings{
		Name:        "clarifai",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: countsAsSuccess,
	}
	if c.breakerSettings != nil {
		st = *c.breakerSettings
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		c.log.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
	}
	c.breaker = gobreaker.NewCircuitBreaker(st)

	switch {
	case cfg.PAT == "":
		c.reason = "CLARIFAI_PAT is not set"
	case cfg.WorkflowURL == "":
		c.reason = "CLARIFAI_WORKFLOW_URL is not set"
	default:
		wf, err := parseWorkflowURL(cfg.WorkflowURL)
		if err != nil {
			c.reason = err.Error()
			break
		}
		base := strings.TrimRight(cfg.APIBase, "/")
		if base == "" {
			base = DefaultAPIBase
		}
		c.endpoint = fmt.Sprintf("%s/v2/users/%s/apps/%s/workflows/%s/results",
			base, url.PathEscape(wf.userID), url.PathEscape(wf.appID), url.PathEscape(wf.id))
		c.available = true
	}

	if c.available {
		c.log.Info("image analysis enabled", zap.String("workflow_url", cfg.WorkflowURL))
	} else {
		c.log.Warn("image analysis disabled", zap.String("reason", c.reason))
	}
	return c
}

// Available reports whether the client was configured well enough to call out.
func (c *Client) Available() bool { return c.available }

// Analyze sends one workflow request. Failures are returned as fallback results,
// never as errors.
func (c *Client) Analyze(ctx context.Context, in analysis.Input) (*analysis.Result, error) {
	if !c.available {
		return analysis.Fallback("Image analysis service is not available"), nil
	}
	if !in.HasBytes() && !in.HasURL() {
		return analysis.Fallback("Either image bytes or image URL must be provided"), nil
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.predict(ctx, in)
	})
	if err != nil {
		c.log.Error("workflow call failed", zap.Error(err))
		return analysis.Fallback("Clarifai workflow error: %v", err), nil
	}
	return toResult(out.(*workflowResponse)), nil
}

func (c *Client) predict(ctx context.Context, in analysis.Input) (*workflowResponse, error) {
	body, err := json.Marshal(newWorkflowRequest(in))
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Key "+c.pat)
	req.Header.Set("Content-Type", "application/json")

	if in.HasBytes() {
		c.log.Debug("predicting by bytes", zap.Int("size", len(in.Bytes)))
	} else {
		c.log.Debug("predicting by url", zap.String("url", in.URL))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var decoded workflowResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(raw))
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if decoded.Status.Code != statusSuccess {
		msg := decoded.Status.Description
		if decoded.Status.Details != "" {
			msg += ": " + decoded.Status.Details
		}
		return nil, &StatusError{HTTPStatus: resp.StatusCode, Code: decoded.Status.Code, Message: msg}
	}
	return &decoded, nil
}

// countsAsSuccess keeps abandoned requests from tripping the breaker.
func countsAsSuccess(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

// StatusError is a non-success status reported by the Clarifai API.
type StatusError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d (http %d): %s", e.Code, e.HTTPStatus, e.Message)
}

func toResult(resp *workflowResponse) *analysis.Result {
	var description string
	concepts := []analysis.Concept{}

	if len(resp.Results) > 0 {
		for _, output := range resp.Results[0].Outputs {
			model := unknownModelID
			if output.Model != nil && output.Model.ID != "" {
				model = output.Model.ID
			}
			if output.Data.Text != nil && output.Data.Text.Raw != "" {
				description = output.Data.Text.Raw
			}
			for _, concept := range output.Data.Concepts {
				concepts = append(concepts, analysis.Concept{
					Name:       concept.Name,
					Confidence: concept.Value,
					Model:      model,
				})
			}
		}
	}

	concepts = analysis.FilterConcepts(concepts)
	if description == "" {
		description = analysis.Describe(concepts)
	}
	return &analysis.Result{Description: description, Concepts: concepts}
}

// parseWorkflowURL accepts https://clarifai.com/{user}/{app}/workflows/{id}.
func parseWorkflowURL(raw string) (workflow, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return workflow{}, fmt.Errorf("invalid workflow url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 4 || parts[2] != "workflows" || parts[0] == "" || parts[1] == "" || parts[3] == "" {
		return workflow{}, errors.New("workflow url must look like /{user}/{app}/workflows/{id}")
	}
	return workflow{userID: parts[0], appID: parts[1], id: parts[3]}, nil
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}

type workflowRequest struct {
	Inputs []workflowInput `json:"inputs"`
}

type workflowInput struct {
	Data struct {
		Image imagePayload `json:"image"`
	} `json:"data"`
}

type imagePayload struct {
	URL    string `json:"url,omitempty"`
	Base64 string `json:"base64,omitempty"`
}

func newWorkflowRequest(in analysis.Input) workflowRequest {
	var input workflowInput
	if in.HasBytes() {
		input.Data.Image.Base64 = base64.StdEncoding.EncodeToString(in.Bytes)
	} else {
		input.Data.Image.URL = in.URL
	}
	return workflowRequest{Inputs: []workflowInput{input}}
}

type workflowResponse struct {
	Status  apiStatus `json:"status"`
	Results []struct {
		Status  apiStatus `json:"status"`
		Outputs []struct {
			Model *struct {
				ID string `json:"id"`
			} `json:"model"`
			Data struct {
				Text *struct {
					Raw string `json:"raw"`
				} `json:"text"`
				Concepts []struct {
					Name  string  `json:"name"`
					Value float64 `json:"value"`
				} `json:"concepts"`
			} `json:"data"`
		} `json:"outputs"`
	} `json:"results"`
}

type apiStatus struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
	Details     string `json:"details"`
}

var _ analysis.Provider = (*Client)(nil)
