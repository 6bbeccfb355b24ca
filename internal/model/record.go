package model

import (
	"fmt"
	"slices"
	"time"
)

// Kind partitions memories by how they are used.
type Kind string

const (
	KindSemantic   Kind = "semantic"   // durable fact or preference
	KindEpisodic   Kind = "episodic"   // dated event or interaction
	KindProcedural Kind = "procedural" // how the user likes things done
)

// Kinds lists every kind in retrieval output order.
var Kinds = []Kind{KindSemantic, KindEpisodic, KindProcedural}

func (k Kind) Valid() bool {
	return k == KindSemantic || k == KindEpisodic || k == KindProcedural
}

// ParseKind converts a string into a Kind, rejecting unknown values.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, s)
	}
	return k, nil
}

// Category is the coarse retrieval filter attached to every memory.
type Category string

const (
	CategoryFinance   Category = "finance"
	CategoryBudget    Category = "budget"
	CategoryGoals     Category = "goals"
	CategoryPersonal  Category = "personal"
	CategoryEducation Category = "education"
	CategoryOther     Category = "other"
)

// Categories lists every category.
var Categories = []Category{
	CategoryFinance, CategoryBudget, CategoryGoals, CategoryPersonal, CategoryEducation, CategoryOther,
}

var validCategories = map[Category]bool{
	CategoryFinance:   true,
	CategoryBudget:    true,
	CategoryGoals:     true,
	CategoryPersonal:  true,
	CategoryEducation: true,
	CategoryOther:     true,
}

func (c Category) Valid() bool { return validCategories[c] }

// ParseCategory converts a string into a Category, rejecting unknown values.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown category %q", ErrInvalidRecord, s)
	}
	return c, nil
}

// Valence is sentiment polarity. The zero value reads as neutral.
type Valence string

const (
	ValenceNegative Valence = "negative"
	ValenceNeutral  Valence = "neutral"
	ValencePositive Valence = "positive"
)

func (v Valence) Valid() bool {
	return v == "" || v == ValenceNegative || v == ValenceNeutral || v == ValencePositive
}

// Namespace is the partition every index operation is scoped to.
type Namespace struct {
	OwnerID string
	Kind    Kind
}

func (n Namespace) String() string {
	return n.OwnerID + "/" + string(n.Kind)
}

// Validate rejects namespaces that could widen a read beyond one owner.
func (n Namespace) Validate() error {
	if n.OwnerID == "" {
		return fmt.Errorf("%w: owner id required", ErrInvalidRecord)
	}
	if !n.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, n.Kind)
	}
	return nil
}

// Record is a persisted memory.
type Record struct {
	ID       string   `json:"id"`
	OwnerID  string   `json:"owner_id"`
	Kind     Kind     `json:"kind"`
	Category Category `json:"category"`
	Summary  string   `json:"summary"`
	Tags     []string `json:"tags,omitempty"`

	SourceTrust float64 `json:"source_trust"`
	Valence     Valence `json:"valence,omitempty"`
	Intensity   float64 `json:"intensity"`
	Importance  float64 `json:"importance"`

	Pinned             bool `json:"pinned"`
	ExplicitImportance bool `json:"explicit_importance"`
	LegalHold          bool `json:"legal_hold"`

	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int       `json:"access_count"`

	Archived   bool       `json:"archived"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	Deleted    bool       `json:"deleted"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`

	// Indexed is false for placeholders stored without a vector.
	Indexed bool `json:"indexed"`

	RelatedIDs []string `json:"related_ids,omitempty"`
	MergedFrom []string `json:"merged_from,omitempty"`

	// Version increments on every mutation and guards concurrent merges.
	Version int `json:"version"`
}

// Namespace returns the partition key for the record.
func (r *Record) Namespace() Namespace {
	return Namespace{OwnerID: r.OwnerID, Kind: r.Kind}
}

// Live reports whether the record may be returned by retrieval.
func (r *Record) Live() bool {
	return !r.Archived && !r.Deleted
}

// HasTag reports whether the record carries tag t.
func (r *Record) HasTag(t string) bool {
	return slices.Contains(r.Tags, t)
}

// Clone returns a copy that shares no slices or pointers with r.
func (r Record) Clone() Record {
	r.Tags = slices.Clone(r.Tags)
	r.RelatedIDs = slices.Clone(r.RelatedIDs)
	r.MergedFrom = slices.Clone(r.MergedFrom)
	if r.ArchivedAt != nil {
		t := *r.ArchivedAt
		r.ArchivedAt = &t
	}
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		r.DeletedAt = &t
	}
	return r
}

// Validate checks the fields every stored record must carry.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id required", ErrInvalidRecord)
	}
	if err := r.Namespace().Validate(); err != nil {
		return err
	}
	if !r.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidRecord, r.Category)
	}
	if r.Summary == "" {
		return fmt.Errorf("%w: summary required", ErrInvalidRecord)
	}
	if !r.Valence.Valid() {
		return fmt.Errorf("%w: unknown valence %q", ErrInvalidRecord, r.Valence)
	}
	if !unit(r.SourceTrust) || !unit(r.Intensity) || !unit(r.Importance) {
		return fmt.Errorf("%w: trust, intensity and importance must be in [0,1]", ErrInvalidRecord)
	}
	return nil
}

func unit(f float64) bool { return f >= 0 && f <= 1 }
