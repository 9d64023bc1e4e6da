// Package filter selects archive paths by directory prefix, rsync-style glob
// rules and file size. Catalog records are always regular files, so rules are
// evaluated against file paths only; a directory rule ("tmp/") matches every
// file below a directory of that name.
package filter

import (
	"strings"

	"github.com/ncar/dsquasar/internal/catalog"
)

type rule struct {
	pat     *pattern
	include bool
}

// Chain is an ordered rule list restricted to a set of path roots.
type Chain struct {
	roots   []string
	rules   []rule
	minSize int64
	maxSize int64
}

// NewChain creates an empty chain that matches every path.
func NewChain() *Chain {
	return &Chain{}
}

// AddRoot restricts the chain to paths at or below root. Multiple roots are
// alternatives.
func (c *Chain) AddRoot(root string) {
	root = strings.Trim(root, "/")
	c.roots = append(c.roots, root)
}

// Roots returns the configured roots.
func (c *Chain) Roots() []string {
	return c.roots
}

// AddExclude appends an exclude rule.
func (c *Chain) AddExclude(glob string) error {
	return c.add(glob, false)
}

// AddInclude appends an include rule.
func (c *Chain) AddInclude(glob string) error {
	return c.add(glob, true)
}

func (c *Chain) add(glob string, include bool) error {
	p, err := compile(glob)
	if err != nil {
		return err
	}
	c.rules = append(c.rules, rule{pat: p, include: include})
	return nil
}

// SetMinSize excludes files smaller than n bytes.
func (c *Chain) SetMinSize(n int64) { c.minSize = n }

// SetMaxSize excludes files larger than n bytes.
func (c *Chain) SetMaxSize(n int64) { c.maxSize = n }

// Empty reports whether the chain accepts everything.
func (c *Chain) Empty() bool {
	return len(c.roots) == 0 && len(c.rules) == 0 && c.minSize == 0 && c.maxSize == 0
}

// Match reports whether the file at relPath with the given size is selected.
// The first matching rule decides; no match means selected.
func (c *Chain) Match(relPath string, size int64) bool {
	if c.minSize > 0 && size < c.minSize {
		return false
	}
	if c.maxSize > 0 && size > c.maxSize {
		return false
	}
	if len(c.roots) > 0 && !c.underRoot(relPath) {
		return false
	}
	for _, r := range c.rules {
		if r.pat.match(relPath) {
			return r.include
		}
	}
	return true
}

// MatchRecord is Match applied to a catalog record.
func (c *Chain) MatchRecord(r catalog.Record) bool {
	return c.Match(r.Path, r.Size)
}

func (c *Chain) underRoot(relPath string) bool {
	for _, root := range c.roots {
		if catalog.HasPathPrefix(relPath, root) {
			return true
		}
	}
	return false
}
