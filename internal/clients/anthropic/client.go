// Package anthropic adapts the Anthropic Messages API to the router's
// tier-based LLMProvider interface. Cost is derived from reported token
// usage and list pricing, not estimated from prompt length.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/domain"
)

// secretAPIKey names the credential the client needs at construction.
const secretAPIKey = "ANTHROPIC_API_KEY"

const (
	// criticalMaxTokens caps replies on the CRITICAL tier. Emergency calls
	// need a verdict, not an essay.
	criticalMaxTokens = 512

	defaultMaxTokens = 1024
)

// modelSpec binds a model id to its list pricing per million tokens.
type modelSpec struct {
	id            string
	inPerMTokUSD  float64
	outPerMTokUSD float64
}

// models maps each router tier to a concrete model. CRITICAL shares the
// EFFICIENT model and differs only in its token cap.
var models = map[domain.ModelTier]modelSpec{
	domain.TierCritical:  {id: "claude-3-5-haiku-latest", inPerMTokUSD: 0.80, outPerMTokUSD: 4.00},
	domain.TierEfficient: {id: "claude-3-5-haiku-latest", inPerMTokUSD: 0.80, outPerMTokUSD: 4.00},
	domain.TierBalanced:  {id: "claude-sonnet-4-0", inPerMTokUSD: 3.00, outPerMTokUSD: 15.00},
	domain.TierPowerful:  {id: "claude-opus-4-1", inPerMTokUSD: 15.00, outPerMTokUSD: 75.00},
}

// Client calls the Anthropic Messages API. Implements domain.LLMProvider.
type Client struct {
	api sdk.Client
	log zerolog.Logger
}

// NewClient creates a client with the API key from secrets.
func NewClient(secrets domain.SecretStore, log zerolog.Logger) (*Client, error) {
	key, err := secrets.Get(secretAPIKey)
	if err != nil {
		return nil, fmt.Errorf("anthropic api key unavailable: %w", err)
	}
	return &Client{
		api: sdk.NewClient(option.WithAPIKey(key)),
		log: log.With().Str("client", "anthropic").Logger(),
	}, nil
}

// Complete runs one message exchange on the model mapped to tier and reports
// the measured cost. Rate limits and server-side failures come back as
// transient errors so callers degrade instead of aborting.
func (c *Client) Complete(ctx context.Context, tier domain.ModelTier, prompt string, maxTokens int) (domain.Completion, error) {
	spec, ok := models[tier]
	if !ok {
		return domain.Completion{}, &domain.ConfigError{
			Field:  "model_tier",
			Reason: fmt.Sprintf("no model mapped for tier %q", tier),
		}
	}

	msg, err := c.api.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(spec.id),
		MaxTokens: int64(effectiveMaxTokens(tier, maxTokens)),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return domain.Completion{}, classifyErr(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	completion := domain.Completion{
		Text:      text.String(),
		USD:       usageUSD(spec, msg.Usage.InputTokens, msg.Usage.OutputTokens),
		TokensIn:  msg.Usage.InputTokens,
		TokensOut: msg.Usage.OutputTokens,
		Tier:      tier,
		Model:     spec.id,
	}

	c.log.Debug().
		Str("model", spec.id).
		Int64("tokens_in", completion.TokensIn).
		Int64("tokens_out", completion.TokensOut).
		Float64("usd", completion.USD).
		Msg("Completion received")
	return completion, nil
}

// effectiveMaxTokens applies the CRITICAL cap and the default for callers
// that pass zero.
func effectiveMaxTokens(tier domain.ModelTier, maxTokens int) int {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	if tier == domain.TierCritical && maxTokens > criticalMaxTokens {
		maxTokens = criticalMaxTokens
	}
	return maxTokens
}

func usageUSD(spec modelSpec, tokensIn, tokensOut int64) float64 {
	return float64(tokensIn)/1e6*spec.inPerMTokUSD + float64(tokensOut)/1e6*spec.outPerMTokUSD
}

// classifyErr keeps context errors as they are, marks rate limits, server
// errors and connection failures transient, and passes the rest through
// wrapped.
func classifyErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == http.StatusTooManyRequests || apierr.StatusCode >= 500 {
			return &domain.TransientError{Op: "llm_complete", Err: err}
		}
		return fmt.Errorf("anthropic request failed: %w", err)
	}

	// No HTTP status means the request never got an answer.
	return &domain.TransientError{Op: "llm_complete", Err: err}
}
