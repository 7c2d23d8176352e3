package procspec

import "testing"

func TestLifecycleHooksValidate_DuplicateName(t *testing.T) {
	lh := LifecycleHooks{
		PreStart:  []Hook{{Name: "warmup", Command: "echo warm"}},
		PostStart: []Hook{{Name: "warmup", Command: "echo again"}},
	}
	if err := lh.Validate(); err == nil {
		t.Fatal("expected duplicate hook name across phases to fail validation")
	}
}

func TestHookValidate_RejectsBadEnv(t *testing.T) {
	h := Hook{Name: "seed", Command: "echo hi", Env: []string{"NOTANASSIGNMENT"}}
	if err := h.Validate(); err == nil {
		t.Fatal("expected malformed env entry to fail validation")
	}
}

func TestHookValidate_RejectsReservedEnvPrefix(t *testing.T) {
	h := Hook{Name: "seed", Command: "echo hi", Env: []string{"NOVAPM_SECRET=x"}}
	if err := h.Validate(); err == nil {
		t.Fatal("expected NOVAPM_-prefixed env key to be rejected as reserved")
	}
}

func TestHookGetDefaults(t *testing.T) {
	h := Hook{Name: "x", Command: "echo hi"}
	h.GetDefaults()
	if h.FailureMode != FailureModeFail {
		t.Fatalf("expected default failure mode %q, got %q", FailureModeFail, h.FailureMode)
	}
	if h.RunMode != RunModeBlocking {
		t.Fatalf("expected default run mode %q, got %q", RunModeBlocking, h.RunMode)
	}
	if h.Timeout == 0 {
		t.Fatal("expected a non-zero default timeout")
	}
}

func TestLifecycleHooksForPhase(t *testing.T) {
	pre := Hook{Name: "pre"}
	post := Hook{Name: "post"}
	lh := LifecycleHooks{PreStart: []Hook{pre}, PostStart: []Hook{post}}
	if got := lh.ForPhase(PhasePreStart); len(got) != 1 || got[0].Name != "pre" {
		t.Fatalf("ForPhase(pre_start) = %#v", got)
	}
	if got := lh.ForPhase(PhasePreStop); got != nil {
		t.Fatalf("expected nil for unset phase, got %#v", got)
	}
}
