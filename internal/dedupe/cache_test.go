// ABOUTME: Tests for the platform-update dedupe cache
// ABOUTME: Covers duplicate detection, TTL expiry, and size-bounded eviction

package dedupe

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeen_FirstSightingThenDuplicate(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	assert.False(t, c.Seen("telegram:42:1001"))
	assert.True(t, c.Seen("telegram:42:1001"))
	assert.False(t, c.Seen("telegram:42:1002"))
}

func TestSeen_ExpiredKeyIsNew(t *testing.T) {
	c := New(10*time.Millisecond, 100)
	defer c.Close()

	assert.False(t, c.Seen("slack:env-1"))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, c.Seen("slack:env-1"))
}

func TestSeen_EvictsOldestAtCapacity(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	for i := 0; i < 3; i++ {
		c.Seen(fmt.Sprintf("key-%d", i))
	}
	assert.Equal(t, 3, c.Len())

	// key-0 is the oldest and gets evicted
	c.Seen("key-3")
	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Seen("key-0"))
}

func TestSeen_DuplicateRefreshesRecency(t *testing.T) {
	c := New(time.Minute, 2)
	defer c.Close()

	c.Seen("a")
	c.Seen("b")
	c.Seen("a") // refresh: b is now the oldest

	c.Seen("c") // evicts b
	assert.True(t, c.Seen("a"))
	assert.False(t, c.Seen("b"))
}

func TestClose_Idempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}
