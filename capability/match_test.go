package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern   string
		candidate string
		want      bool
	}{
		// literal
		{"ns.execute.tool.fs.read", "ns.execute.tool.fs.read", true},
		{"ns.execute.tool.fs.read", "ns.execute.tool.fs.reads", false},
		{"ns.execute.tool.fs.read", "ns.execute.tool.fs.rea", false},
		// segment wildcard
		{"ns.execute.tool.fs.*", "ns.execute.tool.fs.read", true},
		{"ns.execute.tool.fs.*", "ns.execute.tool.fs.sub.deep", true},
		{"ns.execute.tool.fs.*", "ns.execute.tool.fs.", true},
		{"ns.execute.tool.fs.*", "ns.execute.tool.fs", false},
		{"ns.execute.tool.fs.*", "ns.execute.tool.net.http", false},
		{"ns.*.tool.*", "ns.load.tool.x", true},
		{"*", "anything.at.all", true},
		{"a*b*c", "aXXbYYc", true},
		{"a*b*c", "aXXbYY", false},
		{"*.read", "ns.execute.tool.fs.read", true},
		// single character wildcard
		{"ns.execute.tool.fs.r?ad", "ns.execute.tool.fs.read", true},
		{"ns.execute.tool.fs.r?ad", "ns.execute.tool.fs.rad", false},
		{"ns.execute.tool.fs.r?ad", "ns.execute.tool.fs.reead", false},
		{"?", "", false},
		// empty pattern and candidate
		{"", "", true},
		{"", "ns", false},
		{"*", "", true},
		{"**", "", true},
		{"a*", "", false},
		// case sensitive
		{"ns.execute.tool.FS.*", "ns.execute.tool.fs.read", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.candidate, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.pattern, tt.candidate))
		})
	}
}

func TestCovers(t *testing.T) {
	tests := []struct {
		parent, child string
		want          bool
	}{
		{"ns.execute.tool.fs.*", "ns.execute.tool.fs.read", true},
		{"ns.execute.tool.fs.*", "ns.execute.tool.fs.*", true},
		{"ns.execute.tool.fs.*", "ns.execute.tool.fs.sub.*", true},
		{"ns.execute.tool.fs.*", "ns.execute.tool.*", false},
		{"ns.execute.tool.fs.read", "ns.execute.tool.fs.*", false},
		{"ns.execute.tool.fs.r?ad", "ns.execute.tool.fs.r?ad", true},
		{"ns.execute.tool.fs.r?ad", "ns.execute.tool.fs.r*ad", false},
		{"ns.execute.tool.fs.r*", "ns.execute.tool.fs.r?ad", true},
		{"ns.execute.tool.fs.read", "ns.execute.tool.fs.r?ad", false},
		{"*", "ns.*", true},
		{"", "", true},
		{"", "*", false},
	}
	for _, tt := range tests {
		t.Run(tt.parent+">"+tt.child, func(t *testing.T) {
			assert.Equal(t, tt.want, Covers(tt.parent, tt.child))
		})
	}
}
