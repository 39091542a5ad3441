package subsidy

import "time"

// RefundWindow is how long after enrollment (or course start, whichever
// is later) an unenrollment still earns the customer their money back.
const RefundWindow = 14 * 24 * time.Hour

// CanRefund reports whether an unenrollment at unenrolledAt deserves a
// refund for a spend created at txCreated for content starting at
// courseStart. The deadline is max(courseStart, txCreated) + RefundWindow,
// exclusive: an unenrollment exactly at the deadline is too late.
// A zero courseStart means the course start is unknown and only the
// enrollment time anchors the window.
func CanRefund(courseStart, txCreated, unenrolledAt time.Time) bool {
	anchor := txCreated
	if courseStart.After(anchor) {
		anchor = courseStart
	}
	return anchor.Add(RefundWindow).After(unenrolledAt)
}
