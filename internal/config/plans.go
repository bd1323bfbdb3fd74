package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/studyloopai/studyloop-backend/internal/domain"
)

//go:embed plans.toml
var defaultPlans []byte

// Unlimited marks a quota without a ceiling.
const Unlimited int64 = -1

// PlanLimits are the per-cycle ceilings of a plan.
type PlanLimits struct {
	AIGenerations     int64 `toml:"ai_generations"`
	AITokens          int64 `toml:"ai_tokens"`
	MaterialsUploaded int64 `toml:"materials_uploaded"`
}

// Plan is one subscription tier.
type Plan struct {
	ID     string     `toml:"-"`
	Name   string     `toml:"name"`
	Limits PlanLimits `toml:"limits"`
}

// Limit returns the ceiling for q, or Unlimited.
func (p Plan) Limit(q domain.QuotaType) int64 {
	switch q {
	case domain.QuotaAIGenerations:
		return p.Limits.AIGenerations
	case domain.QuotaAITokens:
		return p.Limits.AITokens
	case domain.QuotaMaterialsUploaded:
		return p.Limits.MaterialsUploaded
	}
	return 0
}

// PlanCatalog maps plan ids to plans. Default is applied to users without a
// billable subscription.
type PlanCatalog struct {
	Default string          `toml:"default"`
	Plans   map[string]Plan `toml:"plans"`
}

// Resolve returns the plan for id, falling back to the default plan.
func (c PlanCatalog) Resolve(id string) Plan {
	if p, ok := c.Plans[id]; ok && id != "" {
		return p
	}
	return c.Plans[c.Default]
}

// LoadPlans reads the catalog at path, or the embedded one when path is empty.
func LoadPlans(path string) (PlanCatalog, error) {
	if strings.TrimSpace(path) == "" {
		return decodePlans(bytes.NewReader(defaultPlans))
	}
	file, err := os.Open(path)
	if err != nil {
		return PlanCatalog{}, fmt.Errorf("open plans: %w", err)
	}
	defer file.Close()
	return decodePlans(file)
}

// MustLoadPlans is LoadPlans that panics on error.
func MustLoadPlans(path string) PlanCatalog {
	c, err := LoadPlans(path)
	if err != nil {
		panic(err)
	}
	return c
}

func decodePlans(r io.Reader) (PlanCatalog, error) {
	var c PlanCatalog
	if err := toml.NewDecoder(r).Decode(&c); err != nil {
		return c, fmt.Errorf("parse plans: %w", err)
	}
	for id, p := range c.Plans {
		p.ID = id
		if strings.TrimSpace(p.Name) == "" {
			p.Name = id
		}
		for _, q := range []domain.QuotaType{domain.QuotaAIGenerations, domain.QuotaAITokens, domain.QuotaMaterialsUploaded} {
			if l := p.Limit(q); l < Unlimited {
				return c, fmt.Errorf("plan %q: %s limit must be >= -1", id, q)
			}
		}
		c.Plans[id] = p
	}
	if _, ok := c.Plans[c.Default]; !ok {
		return c, fmt.Errorf("default plan %q is not defined", c.Default)
	}
	return c, nil
}
