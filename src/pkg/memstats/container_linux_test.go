//go:build linux

package memstats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMemoryValue(t *testing.T) {
	v, err := parseMemoryValue("max\n")
	assert.NoError(t, err)
	assert.Zero(t, v)

	v, err = parseMemoryValue("536870912\n")
	assert.NoError(t, err)
	assert.Equal(t, uint64(536870912), v)

	v, err = parseMemoryValue("9223372036854771712")
	assert.NoError(t, err)
	assert.Zero(t, v)

	_, err = parseMemoryValue("abc")
	assert.Error(t, err)
}
