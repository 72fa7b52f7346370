package status

import "testing"

func TestFlowMembership(t *testing.T) {
	for _, s := range Flow {
		if !Valid(s) {
			t.Fatalf("flow member %q not valid", s)
		}
	}
	if Valid("Lost") {
		t.Fatal("unknown status accepted")
	}
}

func TestNextWalksTheFlow(t *testing.T) {
	got := []string{New}
	for i := 0; i < len(Flow)-1; i++ {
		got = append(got, Next(got[len(got)-1]))
	}
	for i, s := range Flow {
		if got[i] != s {
			t.Fatalf("step %d: got %q want %q", i, got[i], s)
		}
	}
}

func TestNextSaturatesAtCanceled(t *testing.T) {
	// Canceled sits past Delivered in the flow, so an advance on a
	// Delivered job lands on Canceled and a Canceled job stays put.
	if got := Next(Delivered); got != Canceled {
		t.Fatalf("Next(Delivered) = %q, want Canceled", got)
	}
	if got := Next(Canceled); got != Canceled {
		t.Fatalf("Next(Canceled) = %q, want Canceled", got)
	}
	if !Terminal(Canceled) {
		t.Fatal("Canceled should be terminal")
	}
	if Terminal(Delivered) {
		t.Fatal("Delivered should not be terminal")
	}
}

func TestNextStepsUnknownIntoTheFlow(t *testing.T) {
	// An unrecognized status sits before the start of the flow; one step
	// forward enters it at New, not Assigned.
	if got := Next(""); got != New {
		t.Fatalf("Next(\"\") = %q, want New", got)
	}
	if got := Next("Lost"); got != New {
		t.Fatalf("Next(%q) = %q, want New", "Lost", got)
	}
}
