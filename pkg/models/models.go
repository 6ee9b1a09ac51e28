// Package models defines data structures shared across the application.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// FeatureGlobalViews lets an organization look at several projects at once.
// Release links drop the project scoping when it is enabled.
const FeatureGlobalViews = "global-views"

// Release represents a deployed version as returned by a release source.
type Release struct {
	// Version is the opaque release identifier (e.g., "frontend@1.2.3+45")
	Version string

	// Date is the timestamp when the release was created
	Date time.Time

	// Extra holds every other field of the payload, passed through untouched
	Extra map[string]json.RawMessage
}

// UnmarshalJSON decodes "version" and "date" and keeps the remaining fields in Extra.
func (r *Release) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var out Release
	if raw, ok := fields["version"]; ok {
		if err := json.Unmarshal(raw, &out.Version); err != nil {
			return fmt.Errorf("decode release version: %w", err)
		}
		delete(fields, "version")
	}
	if raw, ok := fields["date"]; ok {
		if string(raw) != "null" {
			if err := json.Unmarshal(raw, &out.Date); err != nil {
				return fmt.Errorf("decode release date: %w", err)
			}
		}
		delete(fields, "date")
	}
	if len(fields) > 0 {
		out.Extra = fields
	}

	*r = out
	return nil
}

// MarshalJSON writes the release back with its extra fields.
func (r Release) MarshalJSON() ([]byte, error) {
	fields := make(map[string]any, len(r.Extra)+2)
	for k, v := range r.Extra {
		fields[k] = v
	}
	fields["version"] = r.Version
	fields["date"] = r.Date
	return json.Marshal(fields)
}

// Organization is the tenant a release fetch is scoped to.
type Organization struct {
	// Slug is the URL-safe organization identifier
	Slug string

	// Features lists the capability flags enabled for the organization
	Features []string
}

// HasFeature reports whether the organization has the named capability flag.
func (o Organization) HasFeature(name string) bool {
	for _, f := range o.Features {
		if f == name {
			return true
		}
	}
	return false
}
