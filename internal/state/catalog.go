package state

import (
	"bytes"
	"math"
	"sort"

	fpmath "CoverLedger/internal/math"

	"github.com/google/uuid"
)

const MaxKindLength = 64

// PolicyTemplate is a purchasable coverage offer.
type PolicyTemplate struct {
	ID              uuid.UUID `json:"id"`
	Kind            string    `json:"kind"`
	Coverage        int64     `json:"coverage"`
	Price           int64     `json:"price"`
	Duration        uint64    `json:"duration"`
	RemainingSupply uint64    `json:"remaining_supply"`
	InitialSupply   uint64    `json:"initial_supply"`
	Issued          uint64    `json:"issued"` // units sold
	IssuedEpoch     uint64    `json:"issued_epoch"`
}

// Backing is the collateral still held for unsold supply.
// Cannot overflow: the product was checked at issue time and supply only shrinks.
func (t *PolicyTemplate) Backing() int64 {
	return t.Coverage * int64(t.RemainingSupply)
}

// CanonicalBytes returns deterministic serialization for hashing
func (t *PolicyTemplate) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)
	buf = append(buf, t.ID[:]...)
	buf = appendString(buf, t.Kind)
	buf = appendInt64LE(buf, t.Coverage)
	buf = appendInt64LE(buf, t.Price)
	buf = appendUint64LE(buf, t.Duration)
	buf = appendUint64LE(buf, t.RemainingSupply)
	buf = appendUint64LE(buf, t.InitialSupply)
	buf = appendUint64LE(buf, t.Issued)
	buf = appendUint64LE(buf, t.IssuedEpoch)
	return buf
}

// IssueParams are the operator-supplied terms of a new template.
type IssueParams struct {
	ID       uuid.UUID // optional; generated when zero
	Kind     string
	Coverage int64
	Price    int64
	Duration uint64
	Supply   uint64
}

// PolicyCatalog holds issued templates keyed by ID.
// Not thread-safe; owned by the engine.
type PolicyCatalog struct {
	templates map[uuid.UUID]*PolicyTemplate
}

func NewPolicyCatalog() *PolicyCatalog {
	return &PolicyCatalog{templates: make(map[uuid.UUID]*PolicyTemplate)}
}

// ValidateIssue checks the terms and returns coverage × supply, the amount
// to lock. It does not consult the pool.
func (c *PolicyCatalog) ValidateIssue(p IssueParams) (int64, error) {
	switch {
	case len(p.Kind) > MaxKindLength:
		return 0, newError(KindInvalidParameter, int64(len(p.Kind)), MaxKindLength, "policy kind too long")
	case p.Coverage <= 0:
		return 0, newError(KindInvalidParameter, p.Coverage, 0, "coverage must be positive")
	case p.Price <= 0:
		return 0, newError(KindInvalidParameter, p.Price, 0, "price must be positive")
	case p.Duration == 0:
		return 0, newError(KindInvalidParameter, 0, 0, "duration must be positive")
	case p.Supply == 0:
		return 0, newError(KindInvalidParameter, 0, 0, "supply must be positive")
	case p.Supply > math.MaxInt64:
		return 0, newError(KindInvalidParameter, 0, 0, "supply %d out of range", p.Supply)
	}
	if p.ID != uuid.Nil {
		if _, exists := c.templates[p.ID]; exists {
			return 0, newError(KindAlreadyExists, 0, 0, "policy %s already issued", p.ID)
		}
	}
	total, ok := fpmath.CheckedMul(p.Coverage, int64(p.Supply))
	if !ok {
		return 0, newError(KindInvalidParameter, 0, 0, "coverage × supply overflows")
	}
	return total, nil
}

// Add stores a validated template.
func (c *PolicyCatalog) Add(t *PolicyTemplate) {
	c.templates[t.ID] = t
}

// Get returns the template or nil.
func (c *PolicyCatalog) Get(id uuid.UUID) *PolicyTemplate {
	return c.templates[id]
}

// Peek validates that one unit can be consumed and returns the template's
// terms without changing anything.
func (c *PolicyCatalog) Peek(id uuid.UUID) (PolicyTemplate, error) {
	t := c.templates[id]
	if t == nil {
		return PolicyTemplate{}, newError(KindNotFound, 0, 0, "policy %s not found", id)
	}
	if t.RemainingSupply == 0 {
		return PolicyTemplate{}, newError(KindNotFound, 1, 0, "policy %s sold out", id)
	}
	return *t, nil
}

// Consume takes one unit of supply. Callers must have Peeked first.
func (c *PolicyCatalog) Consume(id uuid.UUID) {
	t := c.templates[id]
	t.RemainingSupply--
	t.Issued++
}

// Remove deletes a template.
func (c *PolicyCatalog) Remove(id uuid.UUID) {
	delete(c.templates, id)
}

// All returns copies of every template ordered by ID.
func (c *PolicyCatalog) All() []PolicyTemplate {
	out := make([]PolicyTemplate, 0, len(c.templates))
	for _, t := range c.templates {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

// Backing sums coverage × remaining_supply over all templates.
func (c *PolicyCatalog) Backing() int64 {
	var total int64
	for _, t := range c.templates {
		total += t.Backing()
	}
	return total
}

func (c *PolicyCatalog) Len() int { return len(c.templates) }

// Restore replaces the catalog contents (snapshot load).
func (c *PolicyCatalog) Restore(templates []PolicyTemplate) {
	c.templates = make(map[uuid.UUID]*PolicyTemplate, len(templates))
	for i := range templates {
		t := templates[i]
		c.templates[t.ID] = &t
	}
}
