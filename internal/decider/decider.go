// Package decider turns one cycle's state into a single decision through a
// deterministic pipeline: filter, score, gas gate, gas-window deferral,
// compound-vs-rebalance, observation downgrade, emergency override. The same
// inputs always produce the same decision.
package decider

import (
	"fmt"
	"sort"
	"time"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/patterns"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// predictHorizon is the window the gas gate reasons over.
	predictHorizon = 24 * time.Hour
	daysPerYear    = 365.0

	// Impermanent-loss proxy scales. High turnover against TVL and
	// outsized APR both signal risk the observation cannot price.
	riskTurnoverScale = 2.0
	riskAPRScale      = 200.0

	// Pattern boost weights per kind, applied at the pattern's confidence.
	boostVolumeSpike   = 0.5
	boostArbitrage     = 0.3
	penaltyDegradation = 1.0
	penaltyLifecycle   = 0.5
)

// Weights are the scoring coefficients w1..w4.
type Weights struct {
	APR     float64
	Pattern float64
	Risk    float64
	Gas     float64
}

// Config carries the decision knobs fixed at startup.
type Config struct {
	ObservationMode      bool
	MinTVLUSD            float64
	MaxILRisk            float64
	CriticalFloorUSD     float64
	MinPatternConfidence float64
	GasWindowHorizon     time.Duration
	Weights              Weights
}

// Predictor estimates a pool's APR and the confidence of that estimate.
type Predictor interface {
	Predict(poolID string, horizon time.Duration) (float64, float64)
}

// Input is everything one DECIDE invocation reads.
type Input struct {
	Now             time.Time
	Emotion         domain.Emotion
	TreasuryUSD     float64
	EmergencyMode   bool
	Observations    []domain.PoolObservation
	Positions       []domain.Position
	Patterns        []domain.Pattern
	GasEstimatesUSD map[string]float64
}

// Candidate is one pool that survived filtering, with its score parts.
type Candidate struct {
	PoolID       string
	Observation  domain.PoolObservation
	PredictedAPR float64
	Confidence   float64
	PatternBoost float64
	Risk         float64
	GasShare     float64
	Score        float64
}

// Decider scores candidates and applies the action gates.
type Decider struct {
	cfg       Config
	predictor Predictor
	log       zerolog.Logger
}

// New creates a decider.
func New(cfg Config, predictor Predictor, log zerolog.Logger) *Decider {
	return &Decider{
		cfg:       cfg,
		predictor: predictor,
		log:       log.With().Str("module", "decider").Logger(),
	}
}

// Decide runs the pipeline and returns the decision plus the scored
// candidates, strongest first, for learning and analysis.
func (d *Decider) Decide(in Input) (domain.Decision, []Candidate) {
	decision, candidates := d.decide(in)

	decision.ID = uuid.New().String()
	decision.CreatedAt = in.Now

	d.log.Debug().
		Str("kind", string(decision.Kind)).
		Str("target_pool", decision.TargetPoolID).
		Int("candidates", len(candidates)).
		Str("rationale", decision.Rationale).
		Msg("Decision made")

	return decision, candidates
}

func (d *Decider) decide(in Input) (domain.Decision, []Candidate) {
	// Steps 1-2: filter and score.
	candidates, bestRejected := d.scoreCandidates(in)

	// Steps 3-5 produce the provisional action.
	decision := d.chooseAction(in, candidates, bestRejected)

	// Step 6: observation mode downgrades any action, rationale preserved.
	if d.cfg.ObservationMode && decision.Kind.IsAction() {
		verb := "rebalance to " + decision.TargetPoolID
		if decision.Kind == domain.DecisionCompound {
			verb = "compound " + decision.TargetPoolID
		}
		decision = domain.Decision{
			Kind:           domain.DecisionObserveMore,
			TargetPoolID:   decision.TargetPoolID,
			AmountUSD:      decision.AmountUSD,
			Rationale:      fmt.Sprintf("observation mode: would %s; %s", verb, decision.Rationale),
			Confidence:     decision.Confidence,
			ExpectedROIUSD: decision.ExpectedROIUSD,
			GasBudgetUSD:   decision.GasBudgetUSD,
		}
	}

	// Step 7: emergency override beats everything.
	switch {
	case in.TreasuryUSD <= 0:
		decision = domain.Decision{
			Kind:      domain.DecisionEmergencyStop,
			Rationale: "treasury exhausted: halting all activity",
		}
	case in.EmergencyMode:
		decision = domain.Decision{
			Kind:      domain.DecisionHold,
			Rationale: "emergency mode active: capital preservation",
		}
	case in.Emotion == domain.EmotionDesperate && in.TreasuryUSD < d.cfg.CriticalFloorUSD:
		decision = domain.Decision{
			Kind: domain.DecisionHold,
			Rationale: fmt.Sprintf("capital preservation: desperate with treasury $%.2f below critical floor $%.2f",
				in.TreasuryUSD, d.cfg.CriticalFloorUSD),
		}
	}

	return decision, candidates
}

// scoreCandidates applies the filters and computes score parts for the
// survivors. bestRejected tracks the highest prediction confidence among
// pools that failed only the confidence bar, for the rationale.
func (d *Decider) scoreCandidates(in Input) ([]Candidate, float64) {
	threshold := in.Emotion.PredictionConfidenceThreshold()
	bestRejected := 0.0

	// Last observation wins when a pool is observed twice.
	byPool := make(map[string]domain.PoolObservation, len(in.Observations))
	for _, obs := range in.Observations {
		byPool[obs.PoolID] = obs
	}
	poolIDs := make([]string, 0, len(byPool))
	for id := range byPool {
		poolIDs = append(poolIDs, id)
	}
	sort.Strings(poolIDs)

	gasUSD := in.GasEstimatesUSD[domain.GasOpRebalance]

	var out []Candidate
	for _, poolID := range poolIDs {
		obs := byPool[poolID]
		if obs.TVLUSD < d.cfg.MinTVLUSD {
			continue
		}

		risk := ilRisk(obs)
		if risk > d.cfg.MaxILRisk {
			continue
		}

		predictedAPR, confidence := d.predictor.Predict(poolID, predictHorizon)
		if predictedAPR <= 0 {
			predictedAPR = obs.TotalAPR
		}
		if confidence < threshold {
			if confidence > bestRejected {
				bestRejected = confidence
			}
			continue
		}

		boost := patternBoost(poolID, in.Patterns, d.cfg.MinPatternConfidence)
		gasShare := gasUSD / max(in.TreasuryUSD, 1)

		c := Candidate{
			PoolID:       poolID,
			Observation:  obs,
			PredictedAPR: predictedAPR,
			Confidence:   confidence,
			PatternBoost: boost,
			Risk:         risk,
			GasShare:     gasShare,
		}
		c.Score = d.cfg.Weights.APR*predictedAPR +
			d.cfg.Weights.Pattern*boost -
			d.cfg.Weights.Risk*risk -
			d.cfg.Weights.Gas*gasShare
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].PoolID < out[j].PoolID
	})
	return out, bestRejected
}

// chooseAction runs steps 3-5 on the scored candidates.
func (d *Decider) chooseAction(in Input, candidates []Candidate, bestRejected float64) domain.Decision {
	if len(candidates) == 0 {
		if bestRejected > 0 {
			return domain.Decision{
				Kind: domain.DecisionHold,
				Rationale: fmt.Sprintf("insufficient confidence in predictions: best %.2f below the %.2f bar",
					bestRejected, in.Emotion.PredictionConfidenceThreshold()),
				Confidence: bestRejected,
			}
		}
		return domain.Decision{
			Kind:      domain.DecisionHold,
			Rationale: "no qualifying pools observed",
		}
	}

	top := candidates[0]
	current, held := currentPosition(in.Positions)
	compounding := positionPool(in.Positions, top.PoolID) != ""

	var (
		kind      domain.DecisionKind
		gasUSD    float64
		netUSD    float64
		amountUSD float64
	)
	if compounding {
		kind = domain.DecisionCompound
		gasUSD = in.GasEstimatesUSD[domain.GasOpCompound]
		amountUSD = pendingRewards(in.Positions, top.PoolID)
		netUSD = amountUSD
	} else {
		kind = domain.DecisionRebalance
		gasUSD = in.GasEstimatesUSD[domain.GasOpRebalance]
		amountUSD = in.TreasuryUSD
		baselineAPR := 0.0
		if held {
			amountUSD = current.ValueUSD
			baselineAPR = current.CurrentAPR
		}
		netUSD = amountUSD * (top.PredictedAPR - baselineAPR) / 100 / daysPerYear
	}

	// Step 3: the gas gate.
	required := in.Emotion.RequiredROIMultiplier() * gasUSD
	if netUSD < required {
		return domain.Decision{
			Kind: domain.DecisionHold,
			Rationale: fmt.Sprintf("%s %s fails the gas gate: expected 24h net $%.2f below required $%.2f (%.1fx of $%.2f gas)",
				actionVerb(kind), top.PoolID, netUSD, required, in.Emotion.RequiredROIMultiplier(), gasUSD),
			Confidence:     top.Confidence,
			ExpectedROIUSD: netUSD,
			GasBudgetUSD:   gasUSD,
		}
	}

	// Step 4: defer into a predicted cheap-gas window.
	if window, ok := nextCheapWindow(in.Patterns, in.Now, d.cfg.GasWindowHorizon, d.cfg.MinPatternConfidence); ok {
		return domain.Decision{
			Kind:         domain.DecisionObserveMore,
			TargetPoolID: top.PoolID,
			Rationale: fmt.Sprintf("deferring %s %s: gas window predicted at %s (in %s)",
				actionVerb(kind), top.PoolID, window.UTC().Format("15:04 MST"), window.Sub(in.Now).Round(time.Minute)),
			Confidence:     top.Confidence,
			ExpectedROIUSD: netUSD,
			GasBudgetUSD:   gasUSD,
		}
	}

	// Step 5: the surviving action.
	if kind == domain.DecisionCompound {
		return domain.Decision{
			Kind:         domain.DecisionCompound,
			TargetPoolID: top.PoolID,
			AmountUSD:    amountUSD,
			Rationale: fmt.Sprintf("compound %s: pending rewards $%.2f clear %.1fx of $%.2f gas",
				top.PoolID, amountUSD, in.Emotion.RequiredROIMultiplier(), gasUSD),
			Confidence:     top.Confidence,
			ExpectedROIUSD: netUSD,
			GasBudgetUSD:   gasUSD,
		}
	}
	return domain.Decision{
		Kind:         domain.DecisionRebalance,
		TargetPoolID: top.PoolID,
		AmountUSD:    amountUSD,
		Rationale: fmt.Sprintf("rebalance to %s: predicted APR %.1f%% at confidence %.2f, expected 24h net $%.2f over %.1fx of $%.2f gas",
			top.PoolID, top.PredictedAPR, top.Confidence, netUSD, in.Emotion.RequiredROIMultiplier(), gasUSD),
		Confidence:     top.Confidence,
		ExpectedROIUSD: netUSD,
		GasBudgetUSD:   gasUSD,
	}
}

// ilRisk is the impermanent-loss proxy in [0,1].
func ilRisk(obs domain.PoolObservation) float64 {
	risk := obs.VolumeToTVL/riskTurnoverScale + obs.TotalAPR/riskAPRScale
	if risk < 0 {
		return 0
	}
	if risk > 1 {
		return 1
	}
	return risk
}

// patternBoost sums the actionable patterns touching this pool, clamped to
// [-1, 1]. Spikes and rotations help, degradation and launch decay hurt.
func patternBoost(poolID string, pats []domain.Pattern, minConfidence float64) float64 {
	boost := 0.0
	for _, p := range pats {
		if !p.Actionable(minConfidence) {
			continue
		}
		switch p.Kind {
		case domain.PatternVolumeSpike:
			if p.Payload[patterns.PayloadPoolID] == poolID {
				boost += p.Confidence * boostVolumeSpike
			}
		case domain.PatternArbitrage:
			if p.Payload[patterns.PayloadPoolA] == poolID || p.Payload[patterns.PayloadPoolB] == poolID {
				boost += p.Confidence * boostArbitrage
			}
		case domain.PatternAPRDegradation:
			if p.Payload[patterns.PayloadPoolID] == poolID {
				boost -= p.Confidence * penaltyDegradation
			}
		case domain.PatternPoolLifecycle:
			if p.Payload[patterns.PayloadPoolID] == poolID {
				boost -= p.Confidence * penaltyLifecycle
			}
		}
	}
	if boost > 1 {
		return 1
	}
	if boost < -1 {
		return -1
	}
	return boost
}

// nextCheapWindow returns the soonest confident gas window strictly after
// now and within the horizon. A window already in progress does not defer.
func nextCheapWindow(pats []domain.Pattern, now time.Time, horizon time.Duration, minConfidence float64) (time.Time, bool) {
	var best time.Time
	found := false
	for _, p := range pats {
		if p.Kind != domain.PatternGasWindow || !p.Actionable(minConfidence) {
			continue
		}
		window, ok := patterns.NextGasWindow(p, now)
		if !ok || !window.After(now) || window.Sub(now) > horizon {
			continue
		}
		if !found || window.Before(best) {
			best = window
			found = true
		}
	}
	return best, found
}

// currentPosition returns the largest held position.
func currentPosition(positions []domain.Position) (domain.Position, bool) {
	var best domain.Position
	found := false
	for _, p := range positions {
		if !found || p.ValueUSD > best.ValueUSD {
			best = p
			found = true
		}
	}
	return best, found
}

// positionPool returns poolID when some position holds it, else "".
func positionPool(positions []domain.Position, poolID string) string {
	for _, p := range positions {
		if p.PoolID == poolID {
			return p.PoolID
		}
	}
	return ""
}

func pendingRewards(positions []domain.Position, poolID string) float64 {
	for _, p := range positions {
		if p.PoolID == poolID {
			return p.PendingRewardsUSD
		}
	}
	return 0
}

func actionVerb(kind domain.DecisionKind) string {
	if kind == domain.DecisionCompound {
		return "compound"
	}
	return "rebalance to"
}
