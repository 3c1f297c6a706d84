package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ianfoo/tweetwatch"
)

func TestMemory(t *testing.T) {
	m := NewMemory(nil)
	st, _ := m.Load(context.Background())
	assert.Equal(t, tweetwatch.Uninitialized{}, st)

	_ = m.Save(context.Background(), tweetwatch.Tracking{LastSeenID: "7"})
	st, _ = m.Load(context.Background())
	assert.Equal(t, tweetwatch.Tracking{LastSeenID: "7"}, st)
	assert.Equal(t, 1, m.Saves())
}
