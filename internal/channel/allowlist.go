package channel

// AllowAll is the allow-list sentinel that matches every identifier
const AllowAll = "*"

// AllowList decides which sender identities may have inbound messages processed.
// Matching is exact and case-sensitive; if AllowAll is present it wins over
// every other entry. An empty AllowList denies everyone.
type AllowList struct {
	any bool
	ids map[string]struct{}
}

// NewAllowList builds an AllowList from configured identifiers
func NewAllowList(ids []string) AllowList {
	a := AllowList{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if id == AllowAll {
			a.any = true
		}
		a.ids[id] = struct{}{}
	}
	return a
}

// IsAllowed reports whether id may be processed
func (a AllowList) IsAllowed(id string) bool {
	if a.any {
		return true
	}
	_, ok := a.ids[id]
	return ok
}

// Len returns the number of distinct entries, the sentinel included
func (a AllowList) Len() int {
	return len(a.ids)
}
