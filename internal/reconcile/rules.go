package reconcile

import (
	"context"
	"fmt"

	"github.com/evetools/tagd/pkg/types"
)

// Source is one linked identity feeding derived facts about a subject,
// together with its current affiliation attributes.
type Source struct {
	ID              int64  `json:"source_id"`
	Name            string `json:"name"`
	CorporationID   int64  `json:"corporation_id"`
	CorporationName string `json:"corporation_name"`
	AllianceID      int64  `json:"alliance_id,omitempty"`
	AllianceName    string `json:"alliance_name,omitempty"`
}

// SourceProvider resolves a subject's current linked sources from ground
// truth. Owned by another subsystem; a failed lookup means "unknown", not
// "no sources".
type SourceProvider interface {
	Sources(ctx context.Context, subjectID string) ([]Source, error)
}

// Claim is a single tag assertion yielded by a rule for one source
type Claim struct {
	TagURN      string
	TagType     types.TagType
	DisplayName string
	EveID       int64
	Metadata    map[string]string
	SourceID    int64
}

// Rule derives zero or more tag claims from one source
type Rule interface {
	Name() string
	Apply(src Source) []Claim
}

// DefaultRules is the rule set the reconciler runs, in order
func DefaultRules() []Rule {
	return []Rule{CorporationRule{}, AllianceRule{}}
}

// CorporationRule asserts a corporation tag for every source
type CorporationRule struct{}

func (CorporationRule) Name() string { return "corporation" }

func (CorporationRule) Apply(src Source) []Claim {
	if src.CorporationID == 0 {
		return nil
	}
	return []Claim{{
		TagURN:      CorporationURN(src.CorporationID),
		TagType:     types.TagTypeCorporation,
		DisplayName: src.CorporationName,
		EveID:       src.CorporationID,
		SourceID:    src.ID,
	}}
}

// AllianceRule asserts an alliance tag for sources whose corporation
// belongs to an alliance
type AllianceRule struct{}

func (AllianceRule) Name() string { return "alliance" }

func (AllianceRule) Apply(src Source) []Claim {
	if src.AllianceID == 0 {
		return nil
	}
	return []Claim{{
		TagURN:      AllianceURN(src.AllianceID),
		TagType:     types.TagTypeAlliance,
		DisplayName: src.AllianceName,
		EveID:       src.AllianceID,
		SourceID:    src.ID,
	}}
}

// CorporationURN builds the canonical URN for a corporation tag
func CorporationURN(corporationID int64) string {
	return fmt.Sprintf("urn:eve:corporation:%d", corporationID)
}

// AllianceURN builds the canonical URN for an alliance tag
func AllianceURN(allianceID int64) string {
	return fmt.Sprintf("urn:eve:alliance:%d", allianceID)
}
