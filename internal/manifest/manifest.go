// Package manifest reads and writes tar member lists in the format printed
// by `tar -tvf`:
//
//	-rw-r--r-- owner/group 1048576 2024-03-01 12:00 ds083.2/fnl_20240301.grb2
//
// Tape bundles carry one of these lists per archive so the catalog can be
// told which files ended up in which bundle.
package manifest

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

const timeLayout = "2006-01-02 15:04"

// Member is one regular file inside a bundle.
type Member struct {
	ModTime time.Time
	Name    string
	Size    int64
}

// Dataset returns the top-level directory of the member name, or the name
// itself when it has no directory component.
func (m Member) Dataset() string {
	if i := strings.IndexByte(m.Name, '/'); i >= 0 {
		return m.Name[:i]
	}
	return m.Name
}

// Summary aggregates a member list.
type Summary struct {
	Dataset  string   // dataset of the first member
	Datasets []string // sorted, de-duplicated datasets
	Members  []Member
	DataSize int64
}

// Count returns the number of members.
func (s Summary) Count() int { return len(s.Members) }

// Parse reads a member list. Lines that are not regular-file entries and
// directory entries are skipped; malformed sizes are an error.
func Parse(r io.Reader) (Summary, error) {
	var (
		sum  Summary
		seen = make(map[string]struct{})
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "-rw") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		name := strings.Join(fields[5:], " ")
		if strings.HasSuffix(name, "/") {
			continue
		}
		size, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return Summary{}, fmt.Errorf("line %d: invalid size %q", lineNum, fields[2])
		}
		// Unparseable timestamps are tolerated as zero times.
		mtime, _ := time.ParseInLocation(timeLayout, fields[3]+" "+fields[4], time.UTC) //nolint:errcheck // see above

		m := Member{Name: name, Size: size, ModTime: mtime}
		if len(sum.Members) == 0 {
			sum.Dataset = m.Dataset()
		}
		sum.Members = append(sum.Members, m)
		sum.DataSize += size
		if _, ok := seen[m.Dataset()]; !ok {
			seen[m.Dataset()] = struct{}{}
			sum.Datasets = append(sum.Datasets, m.Dataset())
		}
	}
	if err := scanner.Err(); err != nil {
		return Summary{}, fmt.Errorf("read member list: %w", err)
	}

	sort.Strings(sum.Datasets)
	return sum, nil
}

// Write emits members in member-list format, attributed to owner.
func Write(w io.Writer, owner string, members []Member) error {
	bw := bufio.NewWriter(w)
	for _, m := range members {
		if _, err := fmt.Fprintf(bw, "-rw-r--r-- %s %d %s %s\n",
			owner, m.Size, m.ModTime.UTC().Format(timeLayout), m.Name); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Contains reports whether the summary lists name.
func (s Summary) Contains(name string) bool {
	for _, m := range s.Members {
		if m.Name == name {
			return true
		}
	}
	return false
}
