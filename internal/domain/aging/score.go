package aging

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Model turns a signal snapshot into a collection probability in [0,1].
// Implementations must be pure: the same Signals always give the same
// score.
type Model interface {
	Name() string
	Score(s Signals) float64
}

const (
	ModelRules    = "rules"
	ModelLogistic = "logistic"
)

// NewModel returns the named model with its default coefficients.
func NewModel(name string) (Model, error) {
	switch name {
	case "", ModelRules:
		return RuleModel{Weights: DefaultRuleWeights()}, nil
	case ModelLogistic:
		return LogisticModel{Coefficients: DefaultLogisticCoefficients()}, nil
	}
	return nil, fmt.Errorf("unknown scoring model %q", name)
}

// RuleWeights configure the additive rule model. Every penalty is
// subtracted from Base.
type RuleWeights struct {
	Base             float64
	BucketPenalty    map[Bucket]float64
	PerDenial        float64
	MaxDenialPenalty float64
	SelfPayPenalty   float64
	// HistoryWeight scales the on-time ratio around 0.5, so a perfect payer
	// gains HistoryWeight and a payer who is always late loses it.
	HistoryWeight       float64
	NoHistoryPenalty    float64
	LargeBalance        decimal.Decimal
	LargeBalancePenalty float64
}

func DefaultRuleWeights() RuleWeights {
	return RuleWeights{
		Base: 0.90,
		BucketPenalty: map[Bucket]float64{
			Bucket0To30:   0,
			Bucket31To60:  0.15,
			Bucket61To90:  0.30,
			Bucket91To120: 0.45,
			Bucket120Plus: 0.60,
		},
		PerDenial:           0.08,
		MaxDenialPenalty:    0.24,
		SelfPayPenalty:      0.20,
		HistoryWeight:       0.20,
		NoHistoryPenalty:    0.05,
		LargeBalance:        decimal.NewFromInt(5000),
		LargeBalancePenalty: 0.05,
	}
}

type RuleModel struct {
	Weights RuleWeights
}

func (RuleModel) Name() string { return ModelRules }

func (m RuleModel) Score(s Signals) float64 {
	w := m.Weights
	p := w.Base - w.BucketPenalty[BucketFor(s.DaysOutstanding)]
	p -= math.Min(float64(s.DenialCount)*w.PerDenial, w.MaxDenialPenalty)
	p -= s.SelfPayShare * w.SelfPayPenalty
	if s.OnTimeRatio < 0 {
		p -= w.NoHistoryPenalty
	} else {
		p += (s.OnTimeRatio - 0.5) * 2 * w.HistoryWeight
	}
	if !w.LargeBalance.IsZero() && s.Balance.GreaterThanOrEqual(w.LargeBalance) {
		p -= w.LargeBalancePenalty
	}
	return clampProbability(p)
}

// LogisticCoefficients configure the logistic model. Balance enters as
// ln(1+balance).
type LogisticCoefficients struct {
	Intercept  float64
	Days       float64
	Denials    float64
	SelfPay    float64
	OnTime     float64
	NoHistory  float64
	LogBalance float64
}

func DefaultLogisticCoefficients() LogisticCoefficients {
	return LogisticCoefficients{
		Intercept:  2.5,
		Days:       -0.025,
		Denials:    -0.35,
		SelfPay:    -1.2,
		OnTime:     1.5,
		NoHistory:  -0.3,
		LogBalance: -0.15,
	}
}

type LogisticModel struct {
	Coefficients LogisticCoefficients
}

func (LogisticModel) Name() string { return ModelLogistic }

func (m LogisticModel) Score(s Signals) float64 {
	c := m.Coefficients
	balance, _ := s.Balance.Float64()
	z := c.Intercept +
		c.Days*float64(s.DaysOutstanding) +
		c.Denials*float64(s.DenialCount) +
		c.SelfPay*s.SelfPayShare +
		c.LogBalance*math.Log1p(math.Max(balance, 0))
	if s.OnTimeRatio < 0 {
		z += c.NoHistory
	} else {
		z += c.OnTime * (s.OnTimeRatio - 0.5)
	}
	return clampProbability(1 / (1 + math.Exp(-z)))
}

// clampProbability bounds p to [0,1] at the four decimal places the score
// table stores.
func clampProbability(p float64) float64 {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return math.Round(p*10000) / 10000
}
