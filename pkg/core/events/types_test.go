package events

import "testing"

func TestIsAutoKernelNames(t *testing.T) {
	for _, name := range []string{KernelInit, KernelRestart, KernelStop, KernelTerminate} {
		if !IsAuto(name) {
			t.Errorf("IsAuto(%q) = false, want true", name)
		}
	}
	if IsAuto(KernelInputSystem) {
		t.Error("INPUT_SYSTEM must flow through the kernel handler")
	}
}

func TestNewCopiesData(t *testing.T) {
	src := map[string]any{"a": 1}
	evt := NewApp(AppCtxCreated, src)
	src["a"] = 2
	if evt.Data["a"] != 1 {
		t.Fatalf("event data aliased caller map: %v", evt.Data)
	}
	if evt.Kind != KindApp || evt.Timestamp.IsZero() {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestValidate(t *testing.T) {
	if err := (&Event{Kind: KindRender}).Validate(); err == nil {
		t.Error("expected missing name error")
	}
	if err := (&Event{Kind: Kind(42), Name: "x"}).Validate(); err == nil {
		t.Error("expected unknown kind error")
	}
	if err := NewRender(RenderStateBusy, nil).Validate(); err != nil {
		t.Errorf("valid event rejected: %v", err)
	}
}

func TestSilent(t *testing.T) {
	if NewKernel(KernelInputUser, nil).Silent() {
		t.Error("event without marker reported silent")
	}
	if !NewKernel(KernelInputUser, map[string]any{"silent": true}).Silent() {
		t.Error("silent marker ignored")
	}
}
