package anthropic

import (
	"context"
	"errors"
	"fmt"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/vigil/internal/domain"
)

type stubSecrets map[string]string

func (s stubSecrets) Get(name string) (string, error) {
	if v, ok := s[name]; ok {
		return v, nil
	}
	return "", fmt.Errorf("secret %s is not set", name)
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClient(stubSecrets{}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), secretAPIKey)

	c, err := NewClient(stubSecrets{secretAPIKey: "sk-test"}, zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestEveryTierHasAModel(t *testing.T) {
	tiers := []domain.ModelTier{
		domain.TierCritical, domain.TierEfficient, domain.TierBalanced, domain.TierPowerful,
	}
	for _, tier := range tiers {
		spec, ok := models[tier]
		require.True(t, ok, "tier %s unmapped", tier)
		assert.NotEmpty(t, spec.id)
		assert.Positive(t, spec.inPerMTokUSD)
		assert.Positive(t, spec.outPerMTokUSD)
	}

	// The emergency tier rides the cheap model; the cap is what distinguishes it.
	assert.Equal(t, models[domain.TierEfficient].id, models[domain.TierCritical].id)
	assert.NotEqual(t, models[domain.TierBalanced].id, models[domain.TierPowerful].id)
}

func TestCompleteRejectsUnknownTier(t *testing.T) {
	c := &Client{log: zerolog.Nop()}

	_, err := c.Complete(context.Background(), domain.ModelTier("MYSTERY"), "hi", 100)
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Reason, "MYSTERY")
}

func TestEffectiveMaxTokens(t *testing.T) {
	assert.Equal(t, criticalMaxTokens, effectiveMaxTokens(domain.TierCritical, 4096))
	assert.Equal(t, 200, effectiveMaxTokens(domain.TierCritical, 200))
	assert.Equal(t, 4096, effectiveMaxTokens(domain.TierBalanced, 4096))
	assert.Equal(t, defaultMaxTokens, effectiveMaxTokens(domain.TierEfficient, 0))
	assert.Equal(t, defaultMaxTokens, effectiveMaxTokens(domain.TierPowerful, -5))
}

func TestUsageUSDFollowsListPricing(t *testing.T) {
	balanced := models[domain.TierBalanced]
	// One million tokens each way at $3/$15 per MTok.
	assert.InDelta(t, 18.0, usageUSD(balanced, 1_000_000, 1_000_000), 1e-9)

	efficient := models[domain.TierEfficient]
	assert.InDelta(t, 0.80*0.001+4.00*0.0004, usageUSD(efficient, 1000, 400), 1e-9)

	assert.Zero(t, usageUSD(balanced, 0, 0))
}

func TestClassifyErrMarksRetryableFailuresTransient(t *testing.T) {
	rateLimited := classifyErr(&sdk.Error{StatusCode: 429})
	assert.True(t, domain.IsTransient(rateLimited))

	serverErr := classifyErr(&sdk.Error{StatusCode: 503})
	assert.True(t, domain.IsTransient(serverErr))

	badRequest := classifyErr(&sdk.Error{StatusCode: 400})
	assert.False(t, domain.IsTransient(badRequest))
	assert.Contains(t, badRequest.Error(), "anthropic request failed")

	connReset := classifyErr(errors.New("connection reset by peer"))
	assert.True(t, domain.IsTransient(connReset))

	assert.ErrorIs(t, classifyErr(context.DeadlineExceeded), context.DeadlineExceeded)
	assert.ErrorIs(t, classifyErr(context.Canceled), context.Canceled)
}
