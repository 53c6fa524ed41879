package services

import (
	"sort"
	"strconv"
	"strings"

	domain "github.com/feiralivre/api/internal/domain"
)

const (
	unspecifiedField     = "unspecified"
	defaultOtherLeadTime = "up to 7 business days"
)

// DefaultPostalReference returns the curated tables shipped with the service.
func DefaultPostalReference() domain.PostalReference {
	return domain.PostalReference{
		Exact: map[string]domain.PostalReferenceEntry{
			"01001000": {Street: "Praça da Sé", Neighborhood: "Sé", City: "São Paulo", StateCode: "SP", RegionCode: "3550308"},
			"01310100": {Street: "Avenida Paulista", Neighborhood: "Bela Vista", City: "São Paulo", StateCode: "SP", RegionCode: "3550308"},
			"20040020": {Neighborhood: "Centro", City: "Rio de Janeiro", StateCode: "RJ", RegionCode: "3304557"},
			"30130000": {Neighborhood: "Centro", City: "Belo Horizonte", StateCode: "MG", RegionCode: "3106200"},
			"39680000": {Neighborhood: "Centro", City: "Capelinha", StateCode: "MG", RegionCode: "3112307"},
			"39650000": {Neighborhood: "Centro", City: "Minas Novas", StateCode: "MG", RegionCode: "3141801"},
			"70040000": {City: "Brasília", StateCode: "DF", RegionCode: "5300108"},
		},
		Prefixes: []domain.PostalPrefixEntry{
			{Prefix: "39688", Entry: domain.PostalReferenceEntry{City: "Angelândia", StateCode: "MG", RegionCode: "3102852"}, Confidence: domain.ConfidenceMedium},
			{Prefix: "39680", Entry: domain.PostalReferenceEntry{City: "Capelinha", StateCode: "MG", RegionCode: "3112307"}, Confidence: domain.ConfidenceMedium},
			{Prefix: "39650", Entry: domain.PostalReferenceEntry{City: "Minas Novas", StateCode: "MG", RegionCode: "3141801"}, Confidence: domain.ConfidenceMedium},
			{Prefix: "39690", Entry: domain.PostalReferenceEntry{City: "Turmalina", StateCode: "MG"}, Confidence: domain.ConfidenceMedium},
			{Prefix: "01", Entry: domain.PostalReferenceEntry{City: "São Paulo", StateCode: "SP", RegionCode: "3550308"}, Confidence: domain.ConfidenceLow},
			{Prefix: "20", Entry: domain.PostalReferenceEntry{City: "Rio de Janeiro", StateCode: "RJ", RegionCode: "3304557"}, Confidence: domain.ConfidenceLow},
			{Prefix: "30", Entry: domain.PostalReferenceEntry{City: "Belo Horizonte", StateCode: "MG", RegionCode: "3106200"}, Confidence: domain.ConfidenceLow},
			{Prefix: "40", Entry: domain.PostalReferenceEntry{City: "Salvador", StateCode: "BA", RegionCode: "2927408"}, Confidence: domain.ConfidenceLow},
			{Prefix: "70", Entry: domain.PostalReferenceEntry{City: "Brasília", StateCode: "DF", RegionCode: "5300108"}, Confidence: domain.ConfidenceLow},
			{Prefix: "80", Entry: domain.PostalReferenceEntry{City: "Curitiba", StateCode: "PR", RegionCode: "4106902"}, Confidence: domain.ConfidenceLow},
			{Prefix: "90", Entry: domain.PostalReferenceEntry{City: "Porto Alegre", StateCode: "RS", RegionCode: "4314902"}, Confidence: domain.ConfidenceLow},
		},
		StateRanges: []domain.PostalStateRange{
			{From: 1000, To: 19999, StateCode: "SP"},
			{From: 20000, To: 28999, StateCode: "RJ"},
			{From: 29000, To: 29999, StateCode: "ES"},
			{From: 30000, To: 39999, StateCode: "MG"},
			{From: 40000, To: 48999, StateCode: "BA"},
			{From: 49000, To: 49999, StateCode: "SE"},
			{From: 50000, To: 56999, StateCode: "PE"},
			{From: 57000, To: 57999, StateCode: "AL"},
			{From: 58000, To: 58999, StateCode: "PB"},
			{From: 59000, To: 59999, StateCode: "RN"},
			{From: 60000, To: 63999, StateCode: "CE"},
			{From: 64000, To: 64999, StateCode: "PI"},
			{From: 65000, To: 65999, StateCode: "MA"},
			{From: 66000, To: 68899, StateCode: "PA"},
			{From: 68900, To: 68999, StateCode: "AP"},
			{From: 69000, To: 69299, StateCode: "AM"},
			{From: 69300, To: 69399, StateCode: "RR"},
			{From: 69400, To: 69899, StateCode: "AM"},
			{From: 69900, To: 69999, StateCode: "AC"},
			{From: 70000, To: 72799, StateCode: "DF"},
			{From: 72800, To: 72999, StateCode: "GO"},
			{From: 73000, To: 73699, StateCode: "DF"},
			{From: 73700, To: 76799, StateCode: "GO"},
			{From: 76800, To: 76999, StateCode: "RO"},
			{From: 77000, To: 77999, StateCode: "TO"},
			{From: 78000, To: 78899, StateCode: "MT"},
			{From: 79000, To: 79999, StateCode: "MS"},
			{From: 80000, To: 87999, StateCode: "PR"},
			{From: 88000, To: 89999, StateCode: "SC"},
			{From: 90000, To: 99999, StateCode: "RS"},
		},
		DenseSuggestions: map[string][]string{
			"39688": {"39688000"},
			"39680": {"39680000"},
			"39650": {"39650000"},
			"01310": {"01310100", "01310200", "01310300"},
		},
		Zones: []domain.DeliveryZone{
			{RegionCode: "3102852", ZoneType: domain.ZoneTypeLocal, LeadTime: "same day"},
			{RegionCode: "3112307", ZoneType: domain.ZoneTypeNearby, LeadTime: "1 to 2 business days"},
			{RegionCode: "3141801", ZoneType: domain.ZoneTypeNearby, LeadTime: "1 to 2 business days"},
		},
	}
}

// MergePostalReference overlays override onto base. Exact entries and dense suggestions are merged
// key by key; non-empty prefix, state range and zone lists replace the base lists wholesale.
func MergePostalReference(base, override domain.PostalReference) domain.PostalReference {
	out := domain.PostalReference{
		Exact:            make(map[string]domain.PostalReferenceEntry, len(base.Exact)+len(override.Exact)),
		Prefixes:         append([]domain.PostalPrefixEntry(nil), base.Prefixes...),
		StateRanges:      append([]domain.PostalStateRange(nil), base.StateRanges...),
		DenseSuggestions: make(map[string][]string, len(base.DenseSuggestions)+len(override.DenseSuggestions)),
		Zones:            append([]domain.DeliveryZone(nil), base.Zones...),
	}
	for code, entry := range base.Exact {
		out.Exact[code] = entry
	}
	for code, entry := range override.Exact {
		out.Exact[code] = entry
	}
	for prefix, codes := range base.DenseSuggestions {
		out.DenseSuggestions[prefix] = append([]string(nil), codes...)
	}
	for prefix, codes := range override.DenseSuggestions {
		out.DenseSuggestions[prefix] = append([]string(nil), codes...)
	}
	if len(override.Prefixes) > 0 {
		out.Prefixes = append([]domain.PostalPrefixEntry(nil), override.Prefixes...)
	}
	if len(override.StateRanges) > 0 {
		out.StateRanges = append([]domain.PostalStateRange(nil), override.StateRanges...)
	}
	if len(override.Zones) > 0 {
		out.Zones = append([]domain.DeliveryZone(nil), override.Zones...)
	}
	return out
}

type postalReferenceIndex struct {
	exact       map[string]domain.PostalReferenceEntry
	prefixes    []domain.PostalPrefixEntry
	stateRanges []domain.PostalStateRange
	dense       map[string][]string
}

func newPostalReferenceIndex(ref domain.PostalReference) postalReferenceIndex {
	idx := postalReferenceIndex{
		exact:       make(map[string]domain.PostalReferenceEntry, len(ref.Exact)),
		prefixes:    make([]domain.PostalPrefixEntry, 0, len(ref.Prefixes)),
		stateRanges: append([]domain.PostalStateRange(nil), ref.StateRanges...),
		dense:       make(map[string][]string, len(ref.DenseSuggestions)),
	}
	for code, entry := range ref.Exact {
		idx.exact[strings.TrimSpace(code)] = entry
	}
	for _, prefix := range ref.Prefixes {
		prefix.Prefix = strings.TrimSpace(prefix.Prefix)
		if prefix.Prefix == "" {
			continue
		}
		if prefix.Confidence == "" {
			prefix.Confidence = domain.ConfidenceMedium
		}
		idx.prefixes = append(idx.prefixes, prefix)
	}
	sort.SliceStable(idx.prefixes, func(i, j int) bool {
		return len(idx.prefixes[i].Prefix) > len(idx.prefixes[j].Prefix)
	})
	for prefix, codes := range ref.DenseSuggestions {
		idx.dense[strings.TrimSpace(prefix)] = append([]string(nil), codes...)
	}
	return idx
}

// exactMatch consults the static table for code, then for its base code with the last three digits zeroed.
func (idx postalReferenceIndex) exactMatch(code string) (domain.PostalReferenceEntry, domain.Confidence, bool) {
	if entry, ok := idx.exact[code]; ok {
		return entry, domain.ConfidenceMedium, true
	}
	base := baseCode(code)
	if base != code {
		if entry, ok := idx.exact[base]; ok {
			return entry, domain.ConfidenceLow, true
		}
	}
	return domain.PostalReferenceEntry{}, "", false
}

// heuristicMatch resolves code through the hand-maintained prefixes and then the state ranges.
func (idx postalReferenceIndex) heuristicMatch(code string) (domain.PostalReferenceEntry, domain.Confidence, bool) {
	for _, prefix := range idx.prefixes {
		if strings.HasPrefix(code, prefix.Prefix) {
			return prefix.Entry, prefix.Confidence, true
		}
	}
	if len(code) < 5 {
		return domain.PostalReferenceEntry{}, "", false
	}
	head, err := strconv.Atoi(code[:5])
	if err != nil {
		return domain.PostalReferenceEntry{}, "", false
	}
	for _, r := range idx.stateRanges {
		if head >= r.From && head <= r.To {
			return domain.PostalReferenceEntry{City: unspecifiedField, StateCode: r.StateCode}, domain.ConfidenceLow, true
		}
	}
	return domain.PostalReferenceEntry{}, "", false
}

func baseCode(code string) string {
	if len(code) != 8 {
		return code
	}
	return code[:5] + "000"
}
