package cdc

// Filter selects captures. Empty fields match everything.
type Filter struct {
	Catalog    string `json:"catalog,omitempty"`
	Areas      []Area `json:"areas,omitempty"`
	EntityType string `json:"entityType,omitempty"`
}

// Matches reports whether c passes f. A catalog filter also matches infrastructure captures that rename or replace
// another catalog into it.
func (f Filter) Matches(c *Capture) bool {
	if f.Catalog != "" && c.Catalog != f.Catalog && !(c.Area == AreaInfrastructure && c.Target == f.Catalog) {
		return false
	}
	if len(f.Areas) > 0 {
		found := false
		for _, a := range f.Areas {
			if a == c.Area {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return f.EntityType == "" || c.EntityType == f.EntityType
}
