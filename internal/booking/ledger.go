package booking

import (
	"fmt"
	"strings"
	"time"
)

// NewLedgerFromTemplate seeds a fresh ledger for date. Remaining equals the
// template capacity of each slot.
func NewLedgerFromTemplate(tmpl DepartmentTemplate, date time.Time) *SlotLedger {
	slots := make([]SlotEntry, 0, len(tmpl.Slots))
	for _, ts := range tmpl.Slots {
		capacity := ts.Capacity
		if tmpl.Unlimited {
			capacity = UnlimitedCapacity
		}
		slots = append(slots, SlotEntry{
			SlotID:    ts.ID,
			TimeRange: ts.Time,
			Remaining: capacity,
		})
	}
	l := &SlotLedger{
		DepartmentID: tmpl.ID,
		Date:         NormalizeDate(date),
		Unlimited:    tmpl.Unlimited,
		Slots:        slots,
	}
	l.Recompute()
	return l
}

// Recompute rebuilds TotalSlots from the per-slot counters. The cached total
// is never used as input to a capacity decision.
func (l *SlotLedger) Recompute() {
	total := 0
	for _, s := range l.Slots {
		total += s.Remaining
	}
	l.TotalSlots = total
}

// CheckInvariant verifies the cached total and the non-negative counters.
func (l *SlotLedger) CheckInvariant() error {
	sum := 0
	for _, s := range l.Slots {
		if s.Remaining < 0 {
			return fmt.Errorf("ledger %s: slot %s has negative remaining %d", LedgerKey(l.DepartmentID, l.Date), s.SlotID, s.Remaining)
		}
		sum += s.Remaining
	}
	if sum != l.TotalSlots {
		return fmt.Errorf("ledger %s: total_slots %d != sum %d", LedgerKey(l.DepartmentID, l.Date), l.TotalSlots, sum)
	}
	return nil
}

func (l *SlotLedger) slotIndex(slotID string) int {
	for i, s := range l.Slots {
		if s.SlotID == slotID {
			return i
		}
	}
	return -1
}

func (l *SlotLedger) slotIndexByLabel(label string) int {
	label = strings.TrimSpace(label)
	for i, s := range l.Slots {
		if strings.EqualFold(s.TimeRange, label) {
			return i
		}
	}
	return -1
}

// Slot returns the entry with the given id.
func (l *SlotLedger) Slot(slotID string) (SlotEntry, bool) {
	i := l.slotIndex(slotID)
	if i < 0 {
		return SlotEntry{}, false
	}
	return l.Slots[i], true
}

// SlotByLabel returns the entry whose time label matches label.
func (l *SlotLedger) SlotByLabel(label string) (SlotEntry, bool) {
	i := l.slotIndexByLabel(label)
	if i < 0 {
		return SlotEntry{}, false
	}
	return l.Slots[i], true
}

// HasCapacity reports whether slotID can take one more booking.
func (l *SlotLedger) HasCapacity(slotID string) error {
	if l.Closed {
		return ErrLedgerClosed
	}
	i := l.slotIndex(slotID)
	if i < 0 {
		return fmt.Errorf("%w: slot %s", ErrSlotNotFound, slotID)
	}
	if l.Unlimited {
		return nil
	}
	if l.Slots[i].Remaining <= 0 {
		return ErrSlotUnavailable
	}
	return nil
}

// Decrement takes one unit of capacity from slotID. Unlimited ledgers are
// left untouched.
func (l *SlotLedger) Decrement(slotID string) error {
	if err := l.HasCapacity(slotID); err != nil {
		return err
	}
	if l.Unlimited {
		return nil
	}
	l.Slots[l.slotIndex(slotID)].Remaining--
	l.Recompute()
	return nil
}

// Restore gives one unit of capacity back to slotID. Closed dates never regain
// capacity; it reports whether the counter changed.
func (l *SlotLedger) Restore(slotID string) bool {
	if l.Closed || l.Unlimited {
		return false
	}
	i := l.slotIndex(slotID)
	if i < 0 {
		return false
	}
	l.Slots[i].Remaining++
	l.Recompute()
	return true
}

// Availability renders the ledger for patients.
func (l *SlotLedger) Availability() DayAvailability {
	day := DayAvailability{
		DepartmentID: l.DepartmentID,
		Date:         l.Date.Format(DateLayout),
		Closed:       l.Closed,
		Unlimited:    l.Unlimited,
		Slots:        []SlotView{},
	}
	if l.Closed {
		return day
	}
	for _, s := range l.Slots {
		remaining := s.Remaining
		if l.Unlimited {
			remaining = UnlimitedCapacity
		}
		day.Slots = append(day.Slots, SlotView{
			SlotID:    s.SlotID,
			TimeRange: s.TimeRange,
			Remaining: remaining,
			Available: remaining > 0,
		})
		day.TotalSlots += remaining
	}
	day.Available = day.TotalSlots > 0
	return day
}

// Clone returns a deep copy.
func (l *SlotLedger) Clone() *SlotLedger {
	if l == nil {
		return nil
	}
	c := *l
	c.Slots = append([]SlotEntry(nil), l.Slots...)
	return &c
}

// SameCounters reports whether two snapshots of a ledger agree on every
// remaining count and on the closed flag.
func (l *SlotLedger) SameCounters(o *SlotLedger) bool {
	if l == nil || o == nil {
		return l == o
	}
	if l.Closed != o.Closed || l.TotalSlots != o.TotalSlots || len(l.Slots) != len(o.Slots) {
		return false
	}
	for i := range l.Slots {
		if l.Slots[i] != o.Slots[i] {
			return false
		}
	}
	return true
}
