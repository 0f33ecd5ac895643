package canary

import "testing"

func TestStatusTerminal(t *testing.T) {
	for _, test := range []struct {
		s    Status
		want bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusPass, true},
		{StatusDiff, true},
		{StatusFail, true},
		{StatusSkip, true},
		{StatusTimeout, true},
		{StatusXPass, true},
		{StatusXFail, true},
		{StatusNotRun, true},
	} {
		if got := test.s.Terminal(); got != test.want {
			t.Errorf("%v.Terminal() = %v, want %v", test.s, got, test.want)
		}
	}
}

func TestStatusFailing(t *testing.T) {
	for _, test := range []struct {
		s    Status
		want bool
	}{
		{StatusPass, false},
		{StatusSkip, false},
		{StatusXPass, true},
		{StatusXFail, false},
		{StatusFail, true},
		{StatusDiff, true},
		{StatusTimeout, true},
		{StatusNotRun, true},
		{StatusPending, false},
		{StatusRunning, false},
	} {
		if got := test.s.Failing(); got != test.want {
			t.Errorf("%v.Failing() = %v, want %v", test.s, got, test.want)
		}
	}
}

func TestStatusString(t *testing.T) {
	if got, want := StatusPass.String(), "pass"; got != want {
		t.Errorf("StatusPass.String() = %q, want %q", got, want)
	}
	if got := Status(999).String(); got == "" {
		t.Error("String() of unknown status is empty, want a fallback representation")
	}
}

func TestPlatforms(t *testing.T) {
	p := Platforms()
	if len(p) == 0 {
		t.Fatal("Platforms() returned empty map")
	}
	for k, v := range p {
		if !v {
			t.Errorf("Platforms()[%q] = false, want true for every reported key", k)
		}
	}
}
