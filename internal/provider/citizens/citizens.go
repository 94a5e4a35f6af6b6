// Package citizens is the provider's authoritative record store and the
// access contract the matching engine and search producer run against.
package citizens

import (
	"context"
	"time"

	"setu/internal/exchange/models"
)

// Citizen is one authoritative record.
type Citizen struct {
	Identifier string
	Name       string
	Age        int
	Gender     string
	Caste      string
	Location   string
	Phone      string
	CreatedOn  time.Time
	UpdatedOn  time.Time
}

// Record converts to the wire shape emitted by search parts.
func (c *Citizen) Record() models.CitizenRecord {
	return models.CitizenRecord{
		Identifier: c.Identifier,
		Name:       c.Name,
		Age:        c.Age,
		Gender:     c.Gender,
		Caste:      c.Caste,
		Location:   c.Location,
		Phone:      c.Phone,
	}
}

// Field resolves a queryable field by name for criteria evaluation. The
// second return is false for unknown fields.
func (c *Citizen) Field(name string) (any, bool) {
	switch name {
	case "identifier":
		return c.Identifier, true
	case "name":
		return c.Name, true
	case "age":
		return c.Age, true
	case "gender":
		return c.Gender, true
	case "caste":
		return c.Caste, true
	case "location":
		return c.Location, true
	case "phone_number":
		return c.Phone, true
	default:
		return nil, false
	}
}

// Probe is the conjunctive candidate filter for probabilistic matching. Zero
// fields are omitted from the lookup.
type Probe struct {
	Name     string // prefix match
	Age      int    // +/- 2 years; 0 means unset
	Gender   string // exact
	Caste    string // exact
	Location string // prefix match
}

// IsEmpty reports a probe with no usable fields; such queries never match.
func (p Probe) IsEmpty() bool {
	return p.Name == "" && p.Age == 0 && p.Gender == "" && p.Caste == "" && p.Location == ""
}

// Store is the provider's record access contract. Search uses an absolute
// offset so a restarted job repositions to the exact unconsumed record.
type Store interface {
	FindByIdentifier(ctx context.Context, identifier string) (*Citizen, error)
	// FindCandidate returns the first record matching the probe, or
	// sentinel.ErrNotFound.
	FindCandidate(ctx context.Context, probe Probe) (*Citizen, error)
	// Search returns up to limit records matching all criteria, starting at
	// the absolute offset in a stable identifier ordering.
	Search(ctx context.Context, criteria []models.Criterion, offset, limit int) ([]*Citizen, error)
}
