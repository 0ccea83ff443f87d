// Package payment implements the billable-request pipeline: billing rule
// matching, asset rate lookup, the RAV verifier, and the four-stage payment
// processor that gates access to priced operations.
package payment

import (
	"math/big"
	"strings"

	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

// DefaultAssetID is the asset charged when a request names none.
const DefaultAssetID = "0x3::gas_coin::RGas"

// StrategyKind selects how a rule prices a request.
type StrategyKind string

const (
	// StrategyFree charges nothing and emits no proposal.
	StrategyFree StrategyKind = "free"
	// StrategyPerRequest charges a fixed pico-USD price per request.
	StrategyPerRequest StrategyKind = "perRequest"
	// StrategyPerUnit charges pico-USD per handler-reported unit.
	StrategyPerUnit StrategyKind = "perUnit"
)

// Units is the usage figure a handler reports after execution (tokens, bytes,
// rows). Per-request rules ignore it.
type Units uint64

// Strategy is the pricing function of a rule. Prices are pico-USD so that
// sub-cent unit prices stay integral.
type Strategy struct {
	Kind         StrategyKind `json:"kind"`
	PricePicoUSD *big.Int     `json:"pricePicoUsd,omitempty"`
}

// Free is the zero-cost strategy.
func Free() Strategy { return Strategy{Kind: StrategyFree} }

// PerRequest prices every request at picoUSD.
func PerRequest(picoUSD int64) Strategy {
	return Strategy{Kind: StrategyPerRequest, PricePicoUSD: big.NewInt(picoUSD)}
}

// PerUnit prices each reported unit at picoUSD.
func PerUnit(picoUSD int64) Strategy {
	return Strategy{Kind: StrategyPerUnit, PricePicoUSD: big.NewInt(picoUSD)}
}

// CostPicoUSD evaluates the strategy. Pure and synchronous.
func (s Strategy) CostPicoUSD(units Units) (*big.Int, error) {
	switch s.Kind {
	case StrategyFree:
		return new(big.Int), nil
	case StrategyPerRequest:
		if s.PricePicoUSD == nil {
			return nil, types.Errorf(types.ErrCodeBillingConfigError, "per-request strategy has no price")
		}
		return new(big.Int).Set(s.PricePicoUSD), nil
	case StrategyPerUnit:
		if s.PricePicoUSD == nil {
			return nil, types.Errorf(types.ErrCodeBillingConfigError, "per-unit strategy has no price")
		}
		return new(big.Int).Mul(s.PricePicoUSD, new(big.Int).SetUint64(uint64(units))), nil
	default:
		return nil, types.Errorf(types.ErrCodeBillingConfigError, "unknown strategy kind %q", s.Kind)
	}
}

// Rule binds an operation-name prefix to a pricing strategy and its access
// policy. First match wins.
type Rule struct {
	// Prefix matches normalized operation names ("POST /price",
	// "tool/analyze", "nuwa.health"). An empty prefix matches everything.
	Prefix          string   `json:"prefix"`
	Strategy        Strategy `json:"strategy"`
	PaymentRequired bool     `json:"paymentRequired"`
	AuthRequired    bool     `json:"authRequired"`
	AdminOnly       bool     `json:"adminOnly"`
}

// Paid reports whether the rule requires payment.
func (r *Rule) Paid() bool { return r.PaymentRequired }

// Matcher resolves operation names to rules. Built-in rules for the nuwa.*
// operations are consulted before user rules so that infrastructure endpoints
// can never be priced by accident.
type Matcher struct {
	rules []Rule
}

// BuiltinRules lists the rules for the kit's own operations: discovery and
// health are public, recovery / commit / subrav.query need an authenticated
// caller, admin operations need an admin DID. All are free.
func BuiltinRules() []Rule {
	return []Rule{
		{Prefix: "nuwa.discovery", Strategy: Free()},
		{Prefix: "nuwa.health", Strategy: Free()},
		{Prefix: "nuwa.recovery", Strategy: Free(), AuthRequired: true},
		{Prefix: "nuwa.commit", Strategy: Free(), AuthRequired: true},
		{Prefix: "nuwa.subrav.query", Strategy: Free(), AuthRequired: true},
		{Prefix: "nuwa.admin.", Strategy: Free(), AuthRequired: true, AdminOnly: true},
	}
}

// NewMatcher builds a matcher from user rules, with the built-in nuwa.* rules
// prepended. Returns BILLING_CONFIG_ERROR when a rule is internally
// inconsistent.
func NewMatcher(rules []Rule) (*Matcher, error) {
	all := append(BuiltinRules(), rules...)
	for i := range all {
		r := &all[i]
		if r.PaymentRequired && r.Strategy.Kind == StrategyFree {
			return nil, types.Errorf(types.ErrCodeBillingConfigError,
				"rule %q requires payment but prices with the free strategy", r.Prefix)
		}
		if !r.PaymentRequired && r.Strategy.Kind != StrategyFree {
			return nil, types.Errorf(types.ErrCodeBillingConfigError,
				"rule %q is free but carries a priced strategy", r.Prefix)
		}
		if r.Strategy.Kind != StrategyFree && (r.Strategy.PricePicoUSD == nil || r.Strategy.PricePicoUSD.Sign() < 0) {
			return nil, types.Errorf(types.ErrCodeBillingConfigError,
				"rule %q has no non-negative price", r.Prefix)
		}
	}
	return &Matcher{rules: all}, nil
}

// Match returns the first rule whose prefix matches the operation, or nil.
func (m *Matcher) Match(operation string) *Rule {
	for i := range m.rules {
		if strings.HasPrefix(operation, m.rules[i].Prefix) {
			return &m.rules[i]
		}
	}
	return nil
}
