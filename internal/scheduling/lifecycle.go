package scheduling

import "fmt"

// CanTransition reports whether an appointment may move from one status to
// another. Self-transitions are no-ops and always allowed. Booked may move
// forward to Completed or Cancelled. Completed and Cancelled are terminal
// with respect to re-entering Booked: resurrecting either would bypass the
// availability and conflict checks a fresh booking enforces.
//
// The checker is authoritative. Callers must reject a disallowed transition,
// not apply it with a warning.
func CanTransition(from, to Status) (bool, string) {
	if from == to {
		return true, ""
	}

	switch from {
	case StatusBooked:
		if to == StatusCompleted || to == StatusCancelled {
			return true, ""
		}
		return false, fmt.Sprintf("invalid transition from %s to %s", from, to)
	case StatusCompleted, StatusCancelled:
		if to == StatusBooked {
			return false, fmt.Sprintf("cannot change %s appointment back to %s", from, StatusBooked)
		}
		return true, ""
	}

	return true, ""
}

// IsPermanentRecord reports whether the appointment is a completed medical
// record, which must never be deleted.
func (a *Appointment) IsPermanentRecord() bool {
	return a.Status == StatusCompleted
}
