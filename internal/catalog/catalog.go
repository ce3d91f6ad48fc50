// Package catalog holds the immutable plan definitions loaded at startup.
package catalog

import (
	"errors"
	"fmt"

	"sketchcredits/internal/models"

	"github.com/go-playground/validator/v10"
)

var (
	ErrPlanNotFound  = errors.New("plan not found")
	ErrDuplicatePlan = errors.New("duplicate plan id")
	ErrEmptyCatalog  = errors.New("plan catalog is empty")
)

// DefaultPlans mirrors the public pricing page.
var DefaultPlans = []models.PlanDefinition{
	{ID: "starter", Name: "Starter", PriceCents: 0, Currency: "USD", BillingPeriod: models.BillingMonthly, Credits: 10},
	{ID: "pro", Name: "Pro", PriceCents: 999, Currency: "USD", BillingPeriod: models.BillingMonthly, Credits: 150},
	{ID: "max", Name: "Max", PriceCents: 1999, Currency: "USD", BillingPeriod: models.BillingMonthly, Credits: 500},
	{ID: "lifetime", Name: "Lifetime", PriceCents: 29900, Currency: "USD", BillingPeriod: models.BillingLifetime, Credits: models.UnlimitedCredits},
}

type Catalog struct {
	order []string
	plans map[string]models.PlanDefinition
}

// New validates every definition and rejects duplicate ids.
func New(plans []models.PlanDefinition) (*Catalog, error) {
	if len(plans) == 0 {
		return nil, ErrEmptyCatalog
	}
	validate := validator.New()
	c := &Catalog{plans: make(map[string]models.PlanDefinition, len(plans))}
	for _, p := range plans {
		if err := validate.Struct(p); err != nil {
			return nil, fmt.Errorf("plan %q: %w", p.ID, err)
		}
		if _, ok := c.plans[p.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePlan, p.ID)
		}
		c.plans[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	return c, nil
}

// Load builds the catalog from configuration, falling back to DefaultPlans.
func Load(plans []models.PlanDefinition, parseErr error) (*Catalog, error) {
	if parseErr != nil {
		return nil, fmt.Errorf("parse PLAN_CATALOG: %w", parseErr)
	}
	if plans == nil {
		return New(DefaultPlans)
	}
	return New(plans)
}

func (c *Catalog) Lookup(planID string) (models.PlanDefinition, error) {
	p, ok := c.plans[planID]
	if !ok {
		return models.PlanDefinition{}, fmt.Errorf("%w: %q", ErrPlanNotFound, planID)
	}
	return p, nil
}

func (c *Catalog) List() []models.PlanDefinition {
	out := make([]models.PlanDefinition, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.plans[id])
	}
	return out
}

func IsFree(p models.PlanDefinition) bool {
	return p.PriceCents == 0
}
