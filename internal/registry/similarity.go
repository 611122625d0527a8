package registry

import (
	"fmt"
	"strings"

	"github.com/Autopsias/DevMem-sub007/internal/pattern"
)

// Similarity weights. Domain identity dominates, attribute overlap refines,
// and the pattern's success distribution breaks near-ties toward patterns
// that have actually worked in the queried domain.
const (
	wDomain     = 0.5
	wAttrs      = 0.3
	wHistorical = 0.2
)

// similarity scores a pattern against a query context in [0,1].
func similarity(p pattern.Pattern, pc pattern.Context) float64 {
	return wDomain*domainAffinity(p.Domain(), pc.Domain) +
		wAttrs*attributeOverlap(p, pc) +
		wHistorical*historicalAffinity(p, pc.Domain)
}

// domainAffinity: 1.0 exact, 0.6 dot-prefix relation, 0 otherwise.
func domainAffinity(tag, query string) float64 {
	if tag == "" || query == "" {
		return 0.3 // untagged patterns stay discoverable, weakly
	}
	if tag == query {
		return 1.0
	}
	if strings.HasPrefix(query, tag+".") || strings.HasPrefix(tag, query+".") {
		return 0.6
	}
	return 0
}

// attributeOverlap is a Jaccard index over key=value pairs between the query
// context and the union of the pattern's recently remembered contexts. A
// pattern that has never executed falls back to its unit identifiers as an
// attribute vocabulary, so brand-new patterns remain discoverable.
func attributeOverlap(p pattern.Pattern, pc pattern.Context) float64 {
	patternSet := make(map[string]bool)
	for _, past := range p.RecentContexts() {
		for _, k := range past.AttributeKeys() {
			v, _ := past.Attribute(k)
			patternSet[fmt.Sprintf("%s=%v", k, v)] = true
			patternSet[k] = true
		}
	}
	if len(patternSet) == 0 {
		for _, u := range patternUnits(p) {
			patternSet[u] = true
		}
	}
	querySet := make(map[string]bool)
	for _, k := range pc.AttributeKeys() {
		v, _ := pc.Attribute(k)
		querySet[fmt.Sprintf("%s=%v", k, v)] = true
		querySet[k] = true
	}
	if len(patternSet) == 0 || len(querySet) == 0 {
		return 0
	}

	inter := 0
	for u := range patternSet {
		if querySet[u] {
			inter++
		}
	}
	union := len(patternSet) + len(querySet) - inter
	return float64(inter) / float64(union)
}

// historicalAffinity is the pattern's success rate restricted to the query
// domain, falling back to the overall rate when the domain is unseen.
func historicalAffinity(p pattern.Pattern, domain string) float64 {
	hist := p.History()
	if len(hist) == 0 {
		return 0.5 // no evidence either way
	}
	var total, totalOK, dom, domOK int
	for _, r := range hist {
		total++
		if r.Success {
			totalOK++
		}
		if r.Domain == domain {
			dom++
			if r.Success {
				domOK++
			}
		}
	}
	if dom > 0 {
		return float64(domOK) / float64(dom)
	}
	return float64(totalOK) / float64(total)
}

func patternUnits(p pattern.Pattern) []string {
	switch v := p.(type) {
	case *pattern.Sequential:
		return v.Steps()
	case *pattern.Parallel:
		return v.Tasks()
	case *pattern.Staged:
		var units []string
		for _, ph := range v.Phases() {
			units = append(units, ph.Name)
			units = append(units, ph.Patterns...)
		}
		return units
	}
	return nil
}
