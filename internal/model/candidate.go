package model

import (
	"fmt"
	"strings"
	"time"
)

// Candidate is a proposed memory that has not been through dedup yet.
type Candidate struct {
	ProvisionalID string   `json:"provisional_id,omitempty"`
	OwnerID       string   `json:"owner_id"`
	Kind          Kind     `json:"kind"`
	Category      Category `json:"category"`
	Summary       string   `json:"summary"`
	Tags          []string `json:"tags,omitempty"`

	SourceTrust        float64 `json:"source_trust"`
	Valence            Valence `json:"valence,omitempty"`
	Intensity          float64 `json:"intensity"`
	Pinned             bool    `json:"pinned"`
	ExplicitImportance bool    `json:"explicit_importance"`

	// Supersedes names a record this candidate contradicts. It is an
	// explicit caller signal; the engine never infers it.
	Supersedes string `json:"supersedes,omitempty"`
}

// Namespace returns the partition the candidate will be stored in.
func (c *Candidate) Namespace() Namespace {
	return Namespace{OwnerID: c.OwnerID, Kind: c.Kind}
}

// Normalize trims and bounds the candidate in place and rejects anything
// that must never be partially persisted.
func (c *Candidate) Normalize() error {
	c.OwnerID = strings.TrimSpace(c.OwnerID)
	if err := c.Namespace().Validate(); err != nil {
		return err
	}
	if c.Category == "" {
		c.Category = CategoryOther
	}
	if !c.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidRecord, c.Category)
	}
	if !c.Valence.Valid() {
		return fmt.Errorf("%w: unknown valence %q", ErrInvalidRecord, c.Valence)
	}
	if c.Valence == "" {
		c.Valence = ValenceNeutral
	}
	if !unit(c.SourceTrust) || !unit(c.Intensity) {
		return fmt.Errorf("%w: trust and intensity must be in [0,1]", ErrInvalidRecord)
	}

	summary, err := CleanSummary(c.Summary)
	if err != nil {
		return err
	}
	c.Summary = summary
	c.Tags = NormalizeTags(c.Tags)
	return nil
}

// ToRecord builds a fresh record from the candidate. Importance is left for
// the scorer.
func (c *Candidate) ToRecord(id string, now time.Time) Record {
	return Record{
		ID:                 id,
		OwnerID:            c.OwnerID,
		Kind:               c.Kind,
		Category:           c.Category,
		Summary:            c.Summary,
		Tags:               NormalizeTags(c.Tags),
		SourceTrust:        c.SourceTrust,
		Valence:            c.Valence,
		Intensity:          c.Intensity,
		Pinned:             c.Pinned,
		ExplicitImportance: c.ExplicitImportance,
		CreatedAt:          now,
		UpdatedAt:          now,
		LastAccessedAt:     now,
		Version:            1,
	}
}
