package transcript

import "testing"

func TestAccumulatorInterimReplacedByFinal(t *testing.T) {
	acc := NewAccumulator()
	acc.OnPartial("gener", false)
	if got := acc.Current(); got != "gener" {
		t.Fatalf("expected interim in current transcript, got %q", got)
	}
	acc.OnPartial("generate report", true)
	if got := acc.Current(); got != "generate report" {
		t.Fatalf("expected final to supersede interim, got %q", got)
	}
}

func TestAccumulatorConcatenatesFinalsAndInterim(t *testing.T) {
	acc := NewAccumulator()
	acc.OnPartial("generate report ", true)
	acc.OnPartial("from jan", false)
	acc.OnPartial("from january to march", false)
	if got := acc.Current(); got != "generate report from january to march" {
		t.Fatalf("unexpected current transcript %q", got)
	}
	if got := acc.Segments(); len(got) != 1 || got[0] != "generate report " {
		t.Fatalf("unexpected final segments %q", got)
	}
}

func TestAccumulatorSegmentsNeverShrink(t *testing.T) {
	acc := NewAccumulator()
	inputs := []struct {
		text  string
		final bool
	}{
		{"a", true}, {"b", false}, {"b", true}, {"c", false}, {"d", false}, {"d", true},
	}
	prev := 0
	for _, in := range inputs {
		acc.OnPartial(in.text, in.final)
		n := len(acc.Segments())
		if n < prev {
			t.Fatalf("final segments shrank from %d to %d", prev, n)
		}
		prev = n
	}
	if prev != 3 {
		t.Fatalf("expected 3 final segments, got %d", prev)
	}
}

func TestAccumulatorSealDropsInterim(t *testing.T) {
	acc := NewAccumulator()
	acc.OnPartial("show sales ", true)
	acc.OnPartial("for nor", false)
	if got := acc.Seal(); got != "show sales " {
		t.Fatalf("unexpected sealed transcript %q", got)
	}
	if got := acc.Current(); got != "show sales " {
		t.Fatalf("expected current to equal finals after seal, got %q", got)
	}
}

func TestAccumulatorReset(t *testing.T) {
	acc := NewAccumulator()
	acc.OnPartial("x", true)
	acc.OnPartial("y", false)
	acc.Reset()
	if acc.Current() != "" || len(acc.Segments()) != 0 {
		t.Fatalf("expected empty accumulator after reset")
	}
}
