package fetch

import "strings"

// Policy is an ordered origin-prefix allow-list. Locators passed to the
// raster compositor must match one of the prefixes before any network
// access happens; everything else fails closed.
type Policy struct {
	prefixes []string
}

// NewPolicy keeps the prefix order as configured. Empty prefixes are
// dropped so a sloppy config line cannot allow everything.
func NewPolicy(prefixes []string) *Policy {
	p := &Policy{}
	for _, pre := range prefixes {
		pre = strings.TrimSpace(pre)
		if pre != "" {
			p.prefixes = append(p.prefixes, pre)
		}
	}
	return p
}

// Allows reports whether the locator matches any configured prefix.
func (p *Policy) Allows(locator string) bool {
	if p == nil {
		return false
	}
	for _, pre := range p.prefixes {
		if strings.HasPrefix(locator, pre) {
			return true
		}
	}
	return false
}
