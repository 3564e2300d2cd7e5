package fetch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolicyAllows(t *testing.T) {
	p := NewPolicy([]string{"https://tiles.example.com/", "gs://my-bucket/"})

	assert.True(t, p.Allows("https://tiles.example.com/cogs/a.tif"))
	assert.True(t, p.Allows("gs://my-bucket/a.tif"))
	assert.False(t, p.Allows("https://evil.example.com/a.tif"))
	assert.False(t, p.Allows("gs://other-bucket/a.tif"))
	assert.False(t, p.Allows("/etc/passwd"))
}

func TestPolicyEmptyDeniesAll(t *testing.T) {
	p := NewPolicy(nil)
	assert.False(t, p.Allows("https://tiles.example.com/a.tif"))

	// blank entries do not act as a match-everything prefix
	p = NewPolicy([]string{"", "  "})
	assert.False(t, p.Allows("https://tiles.example.com/a.tif"))

	var nilPolicy *Policy
	assert.False(t, nilPolicy.Allows("anything"))
}
