package capture

import "testing"

func TestTotalSamples(t *testing.T) {
	s := &Session{PreTriggerSamples: 1000, PostTriggerSamples: 4000, LoopCount: 3}
	if got := s.TotalSamples(); got != 17000 {
		t.Fatalf("TotalSamples = %d, want 17000", got)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := &Session{CaptureChannels: []int{0, 1, 2}}
	clone := s.Clone()
	clone.CaptureChannels[0] = 99
	if s.CaptureChannels[0] == 99 {
		t.Fatal("Clone aliased the original CaptureChannels slice")
	}
	clone.PreTriggerSamples = 42
	if s.PreTriggerSamples == 42 {
		t.Fatal("Clone aliased the original Session value")
	}
}

func TestTriggerTypeString(t *testing.T) {
	cases := map[TriggerType]string{
		TriggerEdge:    "Edge",
		TriggerComplex: "Complex",
		TriggerFast:    "Fast",
		TriggerBlast:   "Blast",
	}
	for tt, want := range cases {
		if got := tt.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", tt, got, want)
		}
	}
}
