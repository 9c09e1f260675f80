package swap

import "fmt"

type Status uint

// do not reorder, values are persisted
const (
	Pending Status = iota
	LockedOnA
	LockedOnB
	SettledOnB
	SettledOnA
	Completed
	Refunded
	Failed
)

var statusNames = map[Status]string{
	Pending:    "pending",
	LockedOnA:  "locked_on_a",
	LockedOnB:  "locked_on_b",
	SettledOnB: "settled_on_b",
	SettledOnA: "settled_on_a",
	Completed:  "completed",
	Refunded:   "refunded",
	Failed:     "failed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for status, name := range statusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

func (s Status) Terminal() bool {
	return s == Completed || s == Refunded || s == Failed
}

// Locked reports whether initiator funds sit on the lock chain.
func (s Status) Locked() bool {
	switch s {
	case LockedOnA, LockedOnB, SettledOnB, SettledOnA:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	Pending:    {LockedOnA, Failed},
	LockedOnA:  {LockedOnB, SettledOnB, Refunded, Failed},
	LockedOnB:  {SettledOnB, Refunded, Failed},
	SettledOnB: {SettledOnA, Refunded, Failed},
	SettledOnA: {Completed, Refunded, Failed},
}

// CanTransition reports whether from -> to is an edge of the swap state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type SlotStatus uint

const (
	SlotAvailable SlotStatus = iota
	SlotAssigned
	SlotClaimed
	SlotFailed
)

var slotStatusNames = map[SlotStatus]string{
	SlotAvailable: "available",
	SlotAssigned:  "assigned",
	SlotClaimed:   "claimed",
	SlotFailed:    "failed",
}

func (s SlotStatus) String() string {
	if name, ok := slotStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("slot(%d)", uint(s))
}

func (s SlotStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SlotStatus) UnmarshalText(text []byte) error {
	for status, name := range slotStatusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown slot status %q", text)
}

// Terminal reports whether a claim on the slot has finished.
func (s SlotStatus) Terminal() bool {
	return s == SlotClaimed || s == SlotFailed
}

// CanTransitionSlot allows Available -> Assigned -> Claimed|Failed only.
func CanTransitionSlot(from, to SlotStatus) bool {
	switch from {
	case SlotAvailable:
		return to == SlotAssigned
	case SlotAssigned:
		return to == SlotClaimed || to == SlotFailed
	}
	return false
}
