// Package status holds the job lifecycle state machine.
//
// The flow is a single ordered list with Canceled encoded past Delivered,
// which the rest of the system depends on: Advance saturates at the end of
// the list, so advancing a Delivered job lands on Canceled and advancing a
// Canceled job is a no-op. That ordering is kept deliberately for
// compatibility with existing dispatch tooling.
package status

// Flow is the ordered job status progression.
var Flow = []string{"New", "Assigned", "En Route", "Hooked", "Delivered", "Canceled"}

const (
	New       = "New"
	Assigned  = "Assigned"
	EnRoute   = "En Route"
	Hooked    = "Hooked"
	Delivered = "Delivered"
	Canceled  = "Canceled"
)

// next is the explicit forward-transition table derived from Flow. The
// terminal member maps to itself.
var next = func() map[string]string {
	m := make(map[string]string, len(Flow))
	for i, s := range Flow {
		if i+1 < len(Flow) {
			m[s] = Flow[i+1]
		} else {
			m[s] = s
		}
	}
	return m
}()

// Valid reports whether s is a member of Flow.
func Valid(s string) bool {
	_, ok := next[s]
	return ok
}

// Next returns the status one step forward along Flow, saturating at the
// last member. An unknown status sits before the start of the flow, so its
// next step is New.
func Next(s string) string {
	if n, ok := next[s]; ok {
		return n
	}
	return New
}

// Terminal reports whether Advance from s is a no-op.
func Terminal(s string) bool { return Valid(s) && next[s] == s }

// DriverActions are the statuses a driver may set directly on their
// assigned job. Deliberately unvalidated against the current status: the
// driver surface always offers exactly these three.
var DriverActions = []string{EnRoute, Hooked, Delivered}
