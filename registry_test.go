package mark46

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryInsertCap(t *testing.T) {
	r := newRegistry()

	ok, full := r.insert(&Peer{ID: "a"}, 2)
	assert.True(t, ok)
	assert.False(t, full)
	ok, full = r.insert(&Peer{ID: "b"}, 2)
	assert.True(t, ok)
	assert.False(t, full)

	ok, full = r.insert(&Peer{ID: "c"}, 2)
	assert.False(t, ok, "cap of 2 must refuse the third peer")
	assert.True(t, full)

	ok, full = r.insert(&Peer{ID: "c"}, 0)
	assert.True(t, ok, "cap 0 means unlimited")
	assert.False(t, full)

	ok, full = r.insert(&Peer{ID: "a"}, 0)
	assert.False(t, ok, "duplicate id must be refused")
	assert.False(t, full)

	assert.Equal(t, 3, r.count())
}

func TestRegistryRemove(t *testing.T) {
	r := newRegistry()
	r.insert(&Peer{ID: "a"}, 0)

	assert.True(t, r.remove("a"))
	assert.False(t, r.remove("a"), "second remove is a no-op")
	assert.Equal(t, 0, r.count())

	_, ok := r.get("a")
	assert.False(t, ok)
}

func TestRegistryJoinAppendsDuplicates(t *testing.T) {
	r := newRegistry()
	r.insert(&Peer{ID: "a"}, 0)

	r.join("lobby", "a")
	r.join("lobby", "a")

	assert.Equal(t, 2, r.countInRoom("lobby"), "join does not deduplicate")
	assert.Len(t, r.snapshot("lobby", nil), 1, "snapshot deduplicates")
}

func TestRegistryLeaveRemovesAllOccurrences(t *testing.T) {
	r := newRegistry()
	r.insert(&Peer{ID: "a"}, 0)
	r.insert(&Peer{ID: "b"}, 0)
	r.join("lobby", "a")
	r.join("lobby", "a")
	r.join("lobby", "b")

	assert.True(t, r.leave("lobby", "a"))
	assert.Equal(t, 1, r.countInRoom("lobby"))
	assert.False(t, r.leave("lobby", "a"), "already gone")
	assert.False(t, r.leave("nowhere", "a"))
}

func TestRegistryLeaveDeletesEmptyRoom(t *testing.T) {
	r := newRegistry()
	r.insert(&Peer{ID: "a"}, 0)
	r.join("lobby", "a")

	assert.True(t, r.leave("lobby", "a"))
	r.mu.RLock()
	_, exists := r.rooms["lobby"]
	r.mu.RUnlock()
	assert.False(t, exists, "emptied room must be pruned")
}

func TestRegistryLeaveAll(t *testing.T) {
	r := newRegistry()
	r.insert(&Peer{ID: "a"}, 0)
	r.insert(&Peer{ID: "b"}, 0)
	r.join("one", "a")
	r.join("one", "a")
	r.join("two", "a")
	r.join("two", "b")

	var left []string
	assert.True(t, r.leaveAll("a", func(room string) { left = append(left, room) }))
	sort.Strings(left)
	assert.Equal(t, []string{"one", "two"}, left)

	assert.Equal(t, 0, r.countInRoom("one"), "room one emptied")
	assert.Equal(t, 1, r.countInRoom("two"), "b stays in room two")
	assert.False(t, r.leaveAll("a", nil), "nothing left to leave")
}

func TestRegistrySnapshotFilter(t *testing.T) {
	r := newRegistry()
	r.insert(&Peer{ID: "a"}, 0)
	r.insert(&Peer{ID: "b"}, 0)
	r.insert(&Peer{ID: "c"}, 0)

	got := r.snapshot("", func(p *Peer) bool { return p.ID != "b" })
	ids := make([]string, 0, len(got))
	for _, p := range got {
		ids = append(ids, p.ID)
	}
	sort.Strings(ids)
	assert.Equal(t, []string{"a", "c"}, ids)
}
