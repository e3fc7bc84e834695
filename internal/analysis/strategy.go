package analysis

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lumenhost/imagehost/internal/logging"
)

// Strategy selects how an image is handed to the provider.
type Strategy int

const (
	// StrategyURLWithFallback tries the URL first and retries with bytes on failure or empty output.
	StrategyURLWithFallback Strategy = iota
	// StrategyURL only ever sends the URL.
	StrategyURL
	// StrategyBytes only ever sends the raw bytes.
	StrategyBytes
)

func (s Strategy) String() string {
	switch s {
	case StrategyURL:
		return "url"
	case StrategyBytes:
		return "bytes"
	default:
		return "fallback"
	}
}

// ParseStrategy maps a configuration value onto a Strategy. An empty value selects
// StrategyURLWithFallback.
func ParseStrategy(v string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "fallback", "url_with_fallback", "url-with-fallback":
		return StrategyURLWithFallback, nil
	case "url":
		return StrategyURL, nil
	case "bytes":
		return StrategyBytes, nil
	default:
		return StrategyURLWithFallback, fmt.Errorf("unknown analysis strategy %q", v)
	}
}

// Analyzer applies a Strategy against a Provider.
type Analyzer struct {
	strategy Strategy
	provider Provider
	log      *zap.Logger
}

// NewAnalyzer builds an Analyzer. A nil logger is replaced with a no-op one.
func NewAnalyzer(strategy Strategy, provider Provider, log *zap.Logger) *Analyzer {
	return &Analyzer{strategy: strategy, provider: provider, log: logging.OrNop(log)}
}

// Strategy returns the configured selection policy.
func (a *Analyzer) Strategy() Strategy { return a.strategy }

// Analyze runs the configured strategy. The returned error is non-nil only when
// the provider itself failed and no degraded result could stand in for it.
func (a *Analyzer) Analyze(ctx context.Context, in Input) (*Result, error) {
	if a.provider == nil {
		return Fallback("Image analysis service is not available"), nil
	}

	switch a.strategy {
	case StrategyURL:
		if !in.HasURL() {
			a.log.Warn("url strategy selected but no url provided")
			return Fallback("No URL provided"), nil
		}
		return a.provider.Analyze(ctx, Input{URL: in.URL})

	case StrategyBytes:
		if !in.HasBytes() {
			a.log.Warn("bytes strategy selected but no bytes provided")
			return Fallback("No image data provided"), nil
		}
		return a.provider.Analyze(ctx, Input{Bytes: in.Bytes})

	default:
		return a.urlThenBytes(ctx, in)
	}
}

func (a *Analyzer) urlThenBytes(ctx context.Context, in Input) (*Result, error) {
	if !in.HasURL() {
		if in.HasBytes() {
			return a.provider.Analyze(ctx, Input{Bytes: in.Bytes})
		}
		return Fallback("Neither URL nor bytes provided"), nil
	}

	res, urlErr := a.provider.Analyze(ctx, Input{URL: in.URL})
	if urlErr != nil {
		a.log.Warn("url analysis failed, trying bytes", zap.Error(urlErr))
		if !in.HasBytes() {
			return Fallback("URL analysis failed and no bytes provided: %v", urlErr), nil
		}
		bytesRes, bytesErr := a.provider.Analyze(ctx, Input{Bytes: in.Bytes})
		if bytesErr != nil {
			a.log.Error("bytes analysis also failed", zap.Error(bytesErr))
			return Fallback("Both URL and bytes analysis failed: %v / %v", urlErr, bytesErr), nil
		}
		return bytesRes, nil
	}

	if res == nil {
		res = Fallback("Empty analysis response")
	}
	if !res.degraded() {
		return res, nil
	}

	if !in.HasBytes() {
		a.log.Error("no image bytes available for fallback")
		return res, nil
	}

	a.log.Warn("url analysis returned no usable description, trying bytes", zap.String("error", res.Error))
	bytesRes, bytesErr := a.provider.Analyze(ctx, Input{Bytes: in.Bytes})
	if bytesErr != nil {
		return Fallback("Both URL and bytes analysis failed: %s / %v", res.Error, bytesErr), nil
	}
	return bytesRes, nil
}
