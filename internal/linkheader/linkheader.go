// Package linkheader reads RFC 8288 style pagination Link headers as emitted
// by cursor-paginated collection endpoints:
//
//	<https://host/api/0/...?&cursor=0:0:1>; rel="previous"; results="false"; cursor="0:0:1",
//	<https://host/api/0/...?&cursor=0:100:0>; rel="next"; results="true"; cursor="0:100:0"
package linkheader

import (
	"strings"

	lh "github.com/tomnomnom/linkheader"
)

// Link is one entry of a Link header.
type Link struct {
	Href    string
	Rel     string
	Results bool
	Cursor  string
	Params  map[string]string
}

// Links maps a rel value ("next", "previous") to its link.
type Links map[string]Link

// Parse returns the links found in value. Entries without a rel are skipped.
// An empty header yields an empty, non-nil map.
func Parse(value string) Links {
	links := Links{}

	for _, raw := range lh.Parse(value) {
		if raw.Rel == "" {
			continue
		}

		link := Link{
			Href:   raw.URL,
			Rel:    raw.Rel,
			Params: make(map[string]string, len(raw.Params)+1),
		}
		for key, val := range raw.Params {
			link.Params[strings.ToLower(strings.TrimSpace(key))] = val
		}
		link.Params["rel"] = raw.Rel
		link.Cursor = link.Params["cursor"]
		link.Results = strings.EqualFold(link.Params["results"], "true")

		// rel may hold several space separated relation types
		for _, rel := range strings.Fields(raw.Rel) {
			links[rel] = link
		}
	}

	return links
}

// Next returns the "next" link when it announces further results.
func (l Links) Next() (Link, bool) {
	next, ok := l["next"]
	if !ok || !next.Results {
		return Link{}, false
	}
	return next, true
}
