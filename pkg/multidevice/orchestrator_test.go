package multidevice

import (
	"reflect"
	"testing"

	"github.com/picola-go/pla/pkg/capture"
	"github.com/picola-go/pla/pkg/laerr"
)

func TestPartitionSplitsByDevice(t *testing.T) {
	byDevice, err := partition([]int{0, 23, 24, 25, 47, 48}, 3)
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	want := map[int][]int{
		0: {0, 23},
		1: {0, 1, 23},
		2: {0},
	}
	if !reflect.DeepEqual(byDevice, want) {
		t.Fatalf("partition = %v, want %v", byDevice, want)
	}
}

func TestPartitionRejectsChannelBeyondDeviceCount(t *testing.T) {
	_, err := partition([]int{48}, 2)
	if laerr.KindOf(err) != laerr.KindValidation {
		t.Fatalf("partition kind = %v, want ValidationError", laerr.KindOf(err))
	}
}

func TestMasterIndexPicksTriggerOwner(t *testing.T) {
	byDevice := map[int][]int{0: {1, 2}, 1: {3}}
	session := &capture.Session{TriggerChannel: 25}
	if got := masterIndex(session, byDevice); got != 1 {
		t.Fatalf("masterIndex = %d, want 1", got)
	}
}

func TestMasterIndexFallsBackToDeviceZero(t *testing.T) {
	byDevice := map[int][]int{0: {1, 2}}
	session := &capture.Session{TriggerChannel: 30} // maps to device 1, which has no channels
	if got := masterIndex(session, byDevice); got != 0 {
		t.Fatalf("masterIndex = %d, want 0 (fallback)", got)
	}
}

func TestStartCaptureRejectsEdgeTrigger(t *testing.T) {
	o := &Orchestrator{SlavePreTriggerOffset: DefaultSlavePreTriggerOffset}
	session := &capture.Session{
		TriggerType:     capture.TriggerEdge,
		CaptureChannels: []int{0, 1},
	}
	err := o.StartCapture(session, nil)
	if laerr.KindOf(err) != laerr.KindValidation {
		t.Fatalf("StartCapture with Edge trigger kind = %v, want ValidationError", laerr.KindOf(err))
	}
}
