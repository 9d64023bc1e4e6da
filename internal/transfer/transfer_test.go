package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectionRoundTrip(t *testing.T) {
	for _, d := range []Direction{Backup, Restore} {
		got, err := ParseDirection(d.String())
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}
	_, err := ParseDirection("sideways")
	assert.Error(t, err)
	assert.Equal(t, "UNKNOWN", Direction(0).String())
}

func TestParseRemoteState(t *testing.T) {
	assert.Equal(t, Pending, ParseRemoteState("pending"))
	assert.Equal(t, Succeeded, ParseRemoteState("SUCCEEDED\n"))
	assert.Equal(t, Failed, ParseRemoteState("FAILED"))
	assert.Equal(t, Unknown, ParseRemoteState("garbled"))
	assert.Equal(t, "UNKNOWN", Unknown.String())
}
