// Package entities implements the entity extractor (C7): an LLM prompt that
// returns up to five named entities per category, plus the confidence- and
// role-weighted overlap formula C8's clusterer uses to compare two
// articles' entity sets.
package entities

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"newsbrief/internal/core"
	"newsbrief/internal/llm"
	"newsbrief/internal/store"
)

// Extractor extracts EntitySets from article text via the LLM. Extract
// looks results up in the store's (article_id, model) cache but does not
// write to that cache; storing the returned set is left to the caller.
type Extractor struct {
	store  *store.Store
	client *llm.Client
	model  string
}

// NewExtractor builds an Extractor against st, using client/model for LLM
// calls.
func NewExtractor(st *store.Store, client *llm.Client, model string) *Extractor {
	return &Extractor{store: st, client: client, model: model}
}

type entityJSON struct {
	Name           string  `json:"name"`
	Confidence     float64 `json:"confidence"`
	Role           string  `json:"role"`
	Disambiguation string  `json:"disambiguation,omitempty"`
}

type entitySetJSON struct {
	Companies    []entityJSON `json:"companies"`
	Products     []entityJSON `json:"products"`
	People       []entityJSON `json:"people"`
	Technologies []entityJSON `json:"technologies"`
	Locations    []entityJSON `json:"locations"`
}

// Extract returns the EntitySet for articleID, checked against the cache
// first. On total extraction failure it returns an empty EntitySet rather
// than an error, since a story can still be formed from topic/keyword
// similarity alone.
func (e *Extractor) Extract(ctx context.Context, articleID int64, title, text string) (core.EntitySet, error) {
	if cached, ok, err := e.store.GetCachedEntities(ctx, articleID, e.model); err != nil {
		return core.EntitySet{}, fmt.Errorf("get cached entities: %w", err)
	} else if ok {
		return *cached, nil
	}

	prompt := buildExtractionPrompt(title, text)
	response, err := e.client.Complete(ctx, prompt, e.model, 0.1)
	if err != nil {
		return core.EntitySet{}, nil
	}

	parsed, err := llm.ParseJSON(response)
	if err != nil {
		return core.EntitySet{}, nil
	}

	var raw entitySetJSON
	if err := json.Unmarshal(parsed.Raw, &raw); err != nil {
		return core.EntitySet{}, nil
	}

	set := core.EntitySet{
		Companies:    toEntities(raw.Companies),
		Products:     toEntities(raw.Products),
		People:       toEntities(raw.People),
		Technologies: toEntities(raw.Technologies),
		Locations:    toEntities(raw.Locations),
	}
	return set, nil
}

func toEntities(raw []entityJSON) []core.Entity {
	if len(raw) > 5 {
		raw = raw[:5]
	}
	out := make([]core.Entity, 0, len(raw))
	for _, r := range raw {
		if r.Name == "" {
			continue
		}
		out = append(out, core.Entity{
			Name:           r.Name,
			Confidence:     r.Confidence,
			Role:           normalizeRole(r.Role),
			Disambiguation: r.Disambiguation,
		})
	}
	return out
}

func normalizeRole(role string) core.EntityRole {
	switch core.EntityRole(strings.ToLower(role)) {
	case core.RolePrimarySubject:
		return core.RolePrimarySubject
	case core.RoleQuoted:
		return core.RoleQuoted
	default:
		return core.RoleMentioned
	}
}

func buildExtractionPrompt(title, text string) string {
	return fmt.Sprintf(`Extract named entities from this article as JSON with exactly these keys:
"companies", "products", "people", "technologies", "locations".

Each key maps to a list of up to 5 objects with:
- "name": the entity's name
- "confidence": your confidence (0.0-1.0) that this entity is correctly identified
- "role": one of "primary_subject", "mentioned", or "quoted"
- "disambiguation": a short clarifying phrase if the name is ambiguous (optional)

Respond with JSON only, no commentary. Omit any category with no entities by
returning an empty list for it.

Title: %s

Content:
%s`, title, text)
}

// PromoteLegacy converts a legacy bare-string entity list into the metadata
// shape, per the backward-compatible entity-shape rule: confidence 0.8,
// role mentioned.
func PromoteLegacy(names []string) []core.Entity {
	out := make([]core.Entity, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		out = append(out, core.Entity{Name: n, Confidence: 0.8, Role: core.RoleMentioned})
	}
	return out
}

// Overlap computes the confidence-weighted Jaccard-style overlap between two
// entity sets: matching names (case-insensitive) contribute the lesser of
// the two sides' role-boosted confidence weights to the numerator and the
// greater to the denominator, so a confidence/role mismatch on an otherwise
// shared entity is not scored as a perfect match; the result is normalised
// by the total weight of the union.
func Overlap(a, b core.EntitySet) float64 {
	aEntities := a.AllEntities()
	bEntities := b.AllEntities()
	if len(aEntities) == 0 && len(bEntities) == 0 {
		return 0
	}

	bByName := make(map[string]core.Entity, len(bEntities))
	for _, e := range bEntities {
		bByName[strings.ToLower(e.Name)] = e
	}

	var matchWeight, totalWeight float64
	seen := make(map[string]bool)
	for _, ea := range aEntities {
		key := strings.ToLower(ea.Name)
		seen[key] = true
		wa := ea.Weight()
		if eb, ok := bByName[key]; ok {
			wb := eb.Weight()
			lesser, greater := wa, wb
			if wb < wa {
				lesser, greater = wb, wa
			}
			matchWeight += lesser
			totalWeight += greater
		} else {
			totalWeight += wa
		}
	}
	for _, eb := range bEntities {
		key := strings.ToLower(eb.Name)
		if seen[key] {
			continue
		}
		totalWeight += eb.Weight()
	}

	if totalWeight == 0 {
		return 0
	}
	return matchWeight / totalWeight
}
