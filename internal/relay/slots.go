package relay

import (
	"slices"

	"go.uber.org/atomic"
)

// DefaultMinSlot is reported by MinKey when no slot is occupied.
const DefaultMinSlot = 1

// SlotTable maps slot indexes to connections. It is not safe for concurrent
// use; the owning room serialises access. Only the occupancy counter is
// atomic so it can be read without the room lock.
type SlotTable struct {
	entries  map[int]Connection
	capacity int
	counter  atomic.Int32
}

// NewSlotTable returns an empty table. A capacity of zero means unlimited.
func NewSlotTable(capacity int) *SlotTable {
	return &SlotTable{
		entries:  make(map[int]Connection),
		capacity: capacity,
	}
}

// Assign stores the connection at the lowest free slot and returns it.
func (t *SlotTable) Assign(c Connection) (int, error) {
	if t.capacity > 0 && len(t.entries) >= t.capacity {
		return 0, ErrRoomFull
	}

	slot := 0
	for {
		if _, taken := t.entries[slot]; !taken {
			break
		}
		slot++
	}

	t.entries[slot] = c
	t.counter.Inc()
	return slot, nil
}

// Release frees the slot. It reports false when the slot was not occupied.
func (t *SlotTable) Release(slot int) bool {
	if _, ok := t.entries[slot]; !ok {
		return false
	}
	delete(t.entries, slot)
	t.counter.Dec()
	return true
}

func (t *SlotTable) Get(slot int) (Connection, bool) {
	c, ok := t.entries[slot]
	return c, ok
}

// RandomMember picks an occupied slot uniformly.
func (t *SlotTable) RandomMember(rnd RandomSource) (int, Connection, bool) {
	if len(t.entries) == 0 {
		return 0, nil, false
	}
	slots := t.Slots()
	slot := slots[rnd.Intn(len(slots))]
	return slot, t.entries[slot], true
}

// Count returns the number of occupied slots.
func (t *SlotTable) Count() int { return len(t.entries) }

// Counter returns the occupancy counter.
func (t *SlotTable) Counter() int { return int(t.counter.Load()) }

func (t *SlotTable) Capacity() int { return t.capacity }

// MinKey returns the lowest occupied slot or DefaultMinSlot.
func (t *SlotTable) MinKey() int {
	if len(t.entries) == 0 {
		return DefaultMinSlot
	}
	return slices.Min(t.Slots())
}

// Slots returns the occupied slot indexes in ascending order.
func (t *SlotTable) Slots() []int {
	slots := make([]int, 0, len(t.entries))
	for slot := range t.entries {
		slots = append(slots, slot)
	}
	slices.Sort(slots)
	return slots
}

func (t *SlotTable) Reset() {
	clear(t.entries)
	t.counter.Store(0)
}
