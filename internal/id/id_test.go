package id

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorMonotonic(t *testing.T) {
	g := NewGenerator(42)
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	prev := ""
	for i := 0; i < 100; i++ {
		s := g.At(ts)
		assert.Len(t, s, 26)
		assert.Greater(t, s, prev)
		prev = s
	}

	got, err := Time(prev)
	require.NoError(t, err)
	assert.True(t, ts.Equal(got))
}

func TestTimeRejectsGarbage(t *testing.T) {
	_, err := Time("not-a-ulid")
	assert.Error(t, err)
}
