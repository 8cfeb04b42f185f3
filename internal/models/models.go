// Package models answers catalog browse queries: which models the
// configured providers serve, at what price, with paging and filtering.
package models

import (
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/modelgate/modelgate/internal/pricing"
	"github.com/modelgate/modelgate/internal/provider"
)

// DefaultLimit is the page size applied when the query names none.
const DefaultLimit = 50

// MaxLimit caps a requested page size.
const MaxLimit = 500

// Entry is one browsable model.
type Entry struct {
	ID        string        `json:"id"`
	Provider  string        `json:"provider"`
	Endpoints []string      `json:"endpoints"`
	Pricing   pricing.Price `json:"pricing"`
}

// ListParams filter and page a browse query.
type ListParams struct {
	Provider string
	Endpoint string
	Search   string
	Limit    int
	Offset   int
}

// ListResult is one page plus the unfiltered-after-filtering total.
type ListResult struct {
	Models []Entry `json:"models"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// Service enumerates models from the pricing catalog for the configured
// providers.
type Service struct {
	catalog   *pricing.Catalog
	providers []provider.Type
}

// New creates a browse service.
func New(catalog *pricing.Catalog, providers []provider.Type) *Service {
	return &Service{catalog: catalog, providers: providers}
}

// List returns one page of models matching the filters, ordered by
// provider then model id so paging is stable across calls.
func (s *Service) List(p ListParams) *ListResult {
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	offset := max(p.Offset, 0)

	entries := s.entries()

	if p.Provider != "" {
		entries = lo.Filter(entries, func(e Entry, _ int) bool {
			return e.Provider == strings.ToLower(p.Provider)
		})
	}
	if p.Endpoint != "" {
		entries = lo.Filter(entries, func(e Entry, _ int) bool {
			return lo.Contains(e.Endpoints, p.Endpoint)
		})
	}
	if p.Search != "" {
		needle := strings.ToLower(p.Search)
		entries = lo.Filter(entries, func(e Entry, _ int) bool {
			return strings.Contains(e.ID, needle)
		})
	}

	result := &ListResult{
		Total:  len(entries),
		Limit:  limit,
		Offset: offset,
		Models: []Entry{},
	}
	if offset < len(entries) {
		result.Models = entries[offset:min(offset+limit, len(entries))]
	}
	return result
}

func (s *Service) entries() []Entry {
	var entries []Entry
	for _, t := range s.providers {
		name := string(t)
		endpoints := endpointsFor(t)
		for model, price := range s.catalog.Snapshot(name) {
			entries = append(entries, Entry{
				ID:        model,
				Provider:  name,
				Endpoints: endpoints,
				Pricing:   price,
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Provider != entries[j].Provider {
			return entries[i].Provider < entries[j].Provider
		}
		return entries[i].ID < entries[j].ID
	})
	return entries
}

// endpointsFor lists the gateway endpoints that can reach the provider's
// models, native wire first.
func endpointsFor(t provider.Type) []string {
	switch t {
	case provider.TypeAnthropic, provider.TypeXAI:
		return []string{"/v1/messages", "/v1/chat/completions"}
	case provider.TypeOpenAI:
		return []string{"/v1/chat/completions", "/v1/responses"}
	default:
		return []string{"/v1/chat/completions"}
	}
}
