package manifest

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleList = `drwxr-xr-x dssdb/decs 0 2024-03-01 11:59 ds083.2/
-rw-r--r-- dssdb/decs 1048576 2024-03-01 12:00 ds083.2/fnl_20240301.grb2
-rw-r--r-- dssdb/decs 2048 2024-03-01 12:05 ds083.2/docs/read me.txt
-rw-r--r-- dssdb/decs 512 2024-03-02 08:00 ds627.0/ei.oper.an.pl
garbage line
-rw-r--r-- short
`

func TestParse(t *testing.T) {
	sum, err := Parse(strings.NewReader(sampleList))
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Count())
	assert.Equal(t, int64(1048576+2048+512), sum.DataSize)
	assert.Equal(t, "ds083.2", sum.Dataset)
	assert.Equal(t, []string{"ds083.2", "ds627.0"}, sum.Datasets)
	assert.Equal(t, "ds083.2/docs/read me.txt", sum.Members[1].Name)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), sum.Members[0].ModTime)
	assert.True(t, sum.Contains("ds627.0/ei.oper.an.pl"))
	assert.False(t, sum.Contains("ds083.2/"))
}

func TestParseBadSize(t *testing.T) {
	_, err := Parse(strings.NewReader("-rw-r--r-- u/g lots 2024-03-01 12:00 ds/a\n"))
	assert.Error(t, err)
}

func TestParseEmpty(t *testing.T) {
	sum, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Zero(t, sum.Count())
	assert.Empty(t, sum.Dataset)
}

func TestWriteThenParse(t *testing.T) {
	mtime := time.Date(2025, 1, 2, 3, 4, 0, 0, time.UTC)
	members := []Member{
		{Name: "ds1/a.nc", Size: 10, ModTime: mtime},
		{Name: "ds2/b.nc", Size: 20, ModTime: mtime},
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, "dsquasar/dsquasar", members))
	assert.Equal(t, "-rw-r--r-- dsquasar/dsquasar 10 2025-01-02 03:04 ds1/a.nc\n", strings.SplitAfter(buf.String(), "\n")[0])

	sum, err := Parse(&buf)
	require.NoError(t, err)
	assert.Equal(t, members, sum.Members)
	assert.Equal(t, []string{"ds1", "ds2"}, sum.Datasets)
}

func TestMemberDataset(t *testing.T) {
	assert.Equal(t, "ds1", Member{Name: "ds1/x/y"}.Dataset())
	assert.Equal(t, "loose", Member{Name: "loose"}.Dataset())
}
