package tier

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Unlimited marks a limit without a ceiling.
const Unlimited int64 = -1

// Limits is the policy entry for one tier.
type Limits struct {
	DailyLimit    int64
	MonthlyLimit  int64
	FileSizeLimit int64

	features map[string]struct{}
	priceIDs []string
}

func NewLimits(daily, monthly, fileSize int64, features []string, priceIDs ...string) Limits {
	set := make(map[string]struct{}, len(features))
	for _, f := range features {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		set[f] = struct{}{}
	}
	return Limits{
		DailyLimit:    daily,
		MonthlyLimit:  monthly,
		FileSizeLimit: fileSize,
		features:      set,
		priceIDs:      append([]string(nil), priceIDs...),
	}
}

func (l Limits) Has(feature string) bool {
	_, ok := l.features[strings.TrimSpace(feature)]
	return ok
}

// Features returns the feature names in sorted order.
func (l Limits) Features() []string {
	out := make([]string, 0, len(l.features))
	for f := range l.features {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func (l Limits) AllowsFileSize(size int64) bool {
	return l.FileSizeLimit == Unlimited || size <= l.FileSizeLimit
}

func IsUnlimited(limit int64) bool {
	return limit < 0
}

// Policy maps every tier to its limits. It is built once and never mutated.
type Policy struct {
	entries map[Tier]Limits
	byPrice map[string]Tier
}

var (
	ErrMissingTier      = errors.New("missing_tier_entry")
	ErrInvalidLimit     = errors.New("invalid_limit")
	ErrDuplicatePriceID = errors.New("duplicate_price_id")
)

func NewPolicy(entries map[Tier]Limits) (*Policy, error) {
	p := &Policy{
		entries: make(map[Tier]Limits, len(entries)),
		byPrice: make(map[string]Tier),
	}
	for _, t := range ordered {
		l, ok := entries[t]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingTier, t)
		}
		if l.DailyLimit < Unlimited || l.MonthlyLimit < Unlimited || l.FileSizeLimit < Unlimited {
			return nil, fmt.Errorf("%w: %s", ErrInvalidLimit, t)
		}
		for _, priceID := range l.priceIDs {
			priceID = strings.TrimSpace(priceID)
			if priceID == "" {
				continue
			}
			if existing, dup := p.byPrice[priceID]; dup {
				return nil, fmt.Errorf("%w: %s used by %s and %s", ErrDuplicatePriceID, priceID, existing, t)
			}
			p.byPrice[priceID] = t
		}
		p.entries[t] = l
	}
	for t := range entries {
		if !t.Valid() {
			return nil, fmt.Errorf("%w: unknown tier %q", ErrMissingTier, t)
		}
	}
	return p, nil
}

// Limits returns the entry for t. Unknown tiers get the free entry.
func (p *Policy) Limits(t Tier) Limits {
	if l, ok := p.entries[t]; ok {
		return l
	}
	return p.entries[Free]
}

func (p *Policy) HasFeature(t Tier, feature string) bool {
	if !t.Valid() {
		return false
	}
	return p.Limits(t).Has(feature)
}

// MinimumTierFor returns the lowest ranked tier granting feature.
func (p *Policy) MinimumTierFor(feature string) (Tier, bool) {
	for _, t := range ordered {
		if p.entries[t].Has(feature) {
			return t, true
		}
	}
	return "", false
}

// TierForPrice resolves a billing provider price id.
func (p *Policy) TierForPrice(priceID string) (Tier, bool) {
	t, ok := p.byPrice[strings.TrimSpace(priceID)]
	return t, ok
}

// Source supplies the tier policy to consumers.
type Source interface {
	Policy() *Policy
}

type staticSource struct {
	policy *Policy
}

func NewStaticSource(p *Policy) Source {
	return staticSource{policy: p}
}

func (s staticSource) Policy() *Policy { return s.policy }

// DefaultPolicy is used when no tier file is configured.
func DefaultPolicy() *Policy {
	p, err := NewPolicy(defaultEntries())
	if err != nil {
		panic(err)
	}
	return p
}

func defaultEntries() map[Tier]Limits {
	const mb = 1 << 20
	return map[Tier]Limits{
		Anonymous:  NewLimits(3, 10, 5*mb, []string{"generate"}),
		Free:       NewLimits(10, 100, 10*mb, []string{"generate", "history"}),
		Starter:    NewLimits(50, 1_000, 25*mb, []string{"generate", "history", "export"}),
		Pro:        NewLimits(200, 5_000, 100*mb, []string{"generate", "history", "export", "batch", "api_access"}),
		Enterprise: NewLimits(Unlimited, Unlimited, Unlimited, []string{"generate", "history", "export", "batch", "api_access", "sso", "audit_log"}),
	}
}
