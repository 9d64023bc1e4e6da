package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// pattern is a compiled glob.
type pattern struct {
	re      *regexp.Regexp
	glob    string
	dirOnly bool
}

// compile turns an rsync-style glob into a pattern. A leading "/" or any
// inner "/" anchors the glob at the archive root; otherwise it may match any
// trailing run of path components. "**" crosses directory boundaries.
func compile(glob string) (*pattern, error) {
	if strings.TrimSpace(glob) == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	p := &pattern{glob: glob}

	body := glob
	if strings.HasSuffix(body, "/") {
		p.dirOnly = true
		body = strings.TrimSuffix(body, "/")
	}
	anchored := strings.HasPrefix(body, "/") || strings.Contains(body, "/")
	body = strings.TrimPrefix(body, "/")

	expr := translate(body)
	if anchored {
		expr = "^" + expr
	} else {
		expr = "(^|/)" + expr
	}
	if p.dirOnly {
		// Directory rules select everything beneath the directory.
		expr += "/"
	} else {
		expr += "$"
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("pattern %q: %w", glob, err)
	}
	p.re = re
	return p, nil
}

func (p *pattern) match(relPath string) bool {
	return p.re.MatchString(relPath)
}

func (p *pattern) String() string { return p.glob }

// translate converts glob syntax to a regular expression body.
func translate(glob string) string {
	var b strings.Builder
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch {
		case c == '*' && strings.HasPrefix(glob[i:], "**/"):
			b.WriteString("(.*/)?")
			i += 2
		case c == '*' && strings.HasPrefix(glob[i:], "**"):
			b.WriteString(".*")
			i++
		case c == '*':
			b.WriteString("[^/]*")
		case c == '?':
			b.WriteString("[^/]")
		case c == '[':
			end := classEnd(glob, i)
			if end < 0 {
				b.WriteString(`\[`)
				continue
			}
			cls := glob[i+1 : end]
			if strings.HasPrefix(cls, "!") {
				cls = "^" + cls[1:]
			}
			b.WriteString("[" + cls + "]")
			i = end
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return b.String()
}

// classEnd returns the index of the ']' closing the class opened at start,
// or -1.
func classEnd(glob string, start int) int {
	j := start + 1
	if j < len(glob) && glob[j] == '!' {
		j++
	}
	if j < len(glob) && glob[j] == ']' {
		j++
	}
	for ; j < len(glob); j++ {
		if glob[j] == ']' {
			return j
		}
	}
	return -1
}
