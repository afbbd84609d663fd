package reactive

import (
	"testing"
)

func TestSignalBasic(t *testing.T) {
	count := NewSignal(0)

	if count.Get() != 0 {
		t.Errorf("expected initial value 0, got %d", count.Get())
	}

	count.Set(5)
	if count.Get() != 5 {
		t.Errorf("expected value 5, got %d", count.Get())
	}

	count.Update(func(n int) int { return n * 2 })
	if count.Get() != 10 {
		t.Errorf("expected value 10, got %d", count.Get())
	}
}

func TestSignalPeekDoesNotSubscribe(t *testing.T) {
	count := NewSignal(42)
	runs := 0

	var dispose func()
	NewRoot(func(d func()) {
		dispose = d
		NewEffect(func(any) any {
			runs++
			_ = count.Peek()
			return nil
		})
	})
	defer dispose()

	count.Set(100)
	if runs != 1 {
		t.Errorf("Peek must not subscribe; effect ran %d times", runs)
	}
}

func TestSignalEqualWriteIsNoOp(t *testing.T) {
	name := NewSignal("anna")
	runs := 0

	var dispose func()
	NewRoot(func(d func()) {
		dispose = d
		NewEffect(func(any) any {
			runs++
			_ = name.Get()
			return nil
		})
	})
	defer dispose()

	name.Set("anna")
	if runs != 1 {
		t.Errorf("equal write must not notify; effect ran %d times", runs)
	}
	name.Set("bruno")
	if runs != 2 {
		t.Errorf("changed write must notify; effect ran %d times", runs)
	}
}

func TestSignalEqualsNever(t *testing.T) {
	tick := NewSignal(0).EqualsNever()
	runs := 0

	var dispose func()
	NewRoot(func(d func()) {
		dispose = d
		NewEffect(func(any) any {
			runs++
			_ = tick.Get()
			return nil
		})
	})
	defer dispose()

	tick.Set(0)
	tick.Set(0)
	if runs != 3 {
		t.Errorf("EqualsNever writes must always notify; effect ran %d times", runs)
	}
}

func TestSignalWithEquals(t *testing.T) {
	// Equality on absolute value: -3 and 3 count as the same.
	v := NewSignal(3).WithEquals(func(a, b int) bool {
		if a < 0 {
			a = -a
		}
		if b < 0 {
			b = -b
		}
		return a == b
	})
	runs := 0

	var dispose func()
	NewRoot(func(d func()) {
		dispose = d
		NewEffect(func(any) any {
			runs++
			_ = v.Get()
			return nil
		})
	})
	defer dispose()

	v.Set(-3)
	if runs != 1 {
		t.Errorf("custom-equal write must not notify; effect ran %d times", runs)
	}
	v.Set(4)
	if runs != 2 {
		t.Errorf("changed write must notify; effect ran %d times", runs)
	}
}

// assertReciprocal checks the subscription invariant: every observer entry
// points back at its slot in the observer's source list, and vice versa.
func assertReciprocal(t *testing.T, s *sourceNode) {
	t.Helper()
	for i, o := range s.observers {
		slot := s.observerSlots[i]
		if slot >= len(o.sources) || o.sources[slot] != s {
			t.Fatalf("observer %d: source slot %d does not point back", i, slot)
		}
		if o.sourceSlots[slot] != i {
			t.Fatalf("observer %d: reciprocal slot is %d, want %d", i, o.sourceSlots[slot], i)
		}
	}
}

func TestReciprocalSlotsSurviveRetracking(t *testing.T) {
	cond := NewSignal(true)
	a := NewSignal(1)
	b := NewSignal(2)

	var dispose func()
	NewRoot(func(d func()) {
		dispose = d

		// Three effects with overlapping, condition-dependent reads force
		// repeated swap-and-pop unsubscribes.
		NewEffect(func(any) any {
			if cond.Get() {
				_ = a.Get()
			} else {
				_ = b.Get()
			}
			return nil
		})
		NewEffect(func(any) any {
			_ = a.Get()
			_ = b.Get()
			return nil
		})
		NewEffect(func(any) any {
			_ = b.Get()
			return nil
		})
	})
	defer dispose()

	for i := 0; i < 4; i++ {
		cond.Set(i%2 == 0)
		a.Set(a.Peek() + 1)
		b.Set(b.Peek() + 1)
		assertReciprocal(t, cond.node)
		assertReciprocal(t, a.node)
		assertReciprocal(t, b.node)
	}
}

func TestUntrackedReadDoesNotSubscribe(t *testing.T) {
	a := NewSignal(1)
	b := NewSignal(10)
	runs := 0

	var dispose func()
	NewRoot(func(d func()) {
		dispose = d
		NewEffect(func(any) any {
			runs++
			_ = a.Get()
			Untrack(func() { _ = b.Get() })
			return nil
		})
	})
	defer dispose()

	b.Set(20)
	if runs != 1 {
		t.Errorf("untracked read must not subscribe; effect ran %d times", runs)
	}
	a.Set(2)
	if runs != 2 {
		t.Errorf("tracked read must subscribe; effect ran %d times", runs)
	}
}
