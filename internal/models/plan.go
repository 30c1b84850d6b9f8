package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PlanName identifies a billing plan
type PlanName string

const (
	PlanFree PlanName = "free"
	PlanPro  PlanName = "pro"
)

// Plan carries the admission thresholds and log retention of a plan
type Plan struct {
	Name      PlanName        `json:"name"`
	RPM       int             `json:"rpm"`
	Monthly   int64           `json:"monthly"`
	Retention time.Duration   `json:"-"`
	PriceUSD  decimal.Decimal `json:"priceUsd"`
}

// Limits is the client-facing view of a plan
type Limits struct {
	RPM            int             `json:"rpm"`
	Monthly        int64           `json:"monthly"`
	RetentionHours int             `json:"retentionHours"`
	PriceUSD       decimal.Decimal `json:"priceUsd"`
}

// Limits returns the client-facing view of p
func (p Plan) Limits() Limits {
	return Limits{
		RPM:            p.RPM,
		Monthly:        p.Monthly,
		RetentionHours: int(p.Retention / time.Hour),
		PriceUSD:       p.PriceUSD,
	}
}

// DefaultPlans returns the built-in plan catalog
func DefaultPlans() PlanCatalog {
	return PlanCatalog{
		PlanFree: {
			Name:      PlanFree,
			RPM:       30,
			Monthly:   10000,
			Retention: 24 * time.Hour,
			PriceUSD:  decimal.Zero,
		},
		PlanPro: {
			Name:      PlanPro,
			RPM:       300,
			Monthly:   300000,
			Retention: 30 * 24 * time.Hour,
			PriceUSD:  decimal.NewFromInt(10),
		},
	}
}

// PlanCatalog maps plan names to their definitions
type PlanCatalog map[PlanName]Plan

// Get returns the plan with the given name
func (c PlanCatalog) Get(name PlanName) (Plan, error) {
	p, ok := c[name]
	if !ok {
		return Plan{}, fmt.Errorf("unknown plan %q", name)
	}
	return p, nil
}

// MustGet returns the plan with the given name, falling back to free
func (c PlanCatalog) MustGet(name PlanName) Plan {
	if p, ok := c[name]; ok {
		return p
	}
	return c[PlanFree]
}

// Names returns the plan names in a stable order
func (c PlanCatalog) Names() []PlanName {
	names := make([]PlanName, 0, len(c))
	for _, n := range []PlanName{PlanFree, PlanPro} {
		if _, ok := c[n]; ok {
			names = append(names, n)
		}
	}
	return names
}

// ParsePlanName validates a plan name
func ParsePlanName(s string) (PlanName, bool) {
	switch PlanName(s) {
	case PlanFree, PlanPro:
		return PlanName(s), true
	}
	return "", false
}
