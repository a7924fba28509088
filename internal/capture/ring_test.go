package capture

import (
	"runtime"
	"testing"
)

func TestRingCapacityRoundsUp(t *testing.T) {
	tests := []struct {
		capacity, want int
	}{
		{0, 1},
		{1, 1},
		{3, 4},
		{64, 64},
		{65, 128},
	}
	for _, tt := range tests {
		if got := NewRing[int](tt.capacity).Cap(); got != tt.want {
			t.Errorf("NewRing(%d).Cap() = %d, want %d", tt.capacity, got, tt.want)
		}
	}
}

func TestRingFIFOAndFull(t *testing.T) {
	r := NewRing[int](4)
	for i := range 4 {
		if !r.TryPush(i) {
			t.Fatalf("TryPush(%d) refused below capacity", i)
		}
	}
	if r.TryPush(99) {
		t.Error("TryPush succeeded on a full ring")
	}
	if r.Len() != 4 {
		t.Errorf("Len() = %d, want 4", r.Len())
	}
	for i := range 4 {
		v, ok := r.TryPop()
		if !ok || v != i {
			t.Fatalf("TryPop() = %d, %v; want %d, true", v, ok, i)
		}
	}
	if _, ok := r.TryPop(); ok {
		t.Error("TryPop succeeded on an empty ring")
	}
}

func TestRingConcurrentOrder(t *testing.T) {
	const n = 20000
	r := NewRing[int](8)
	go func() {
		for i := 0; i < n; {
			if r.TryPush(i) {
				i++
				continue
			}
			// Full: let the consumer run, even on a single CPU.
			runtime.Gosched()
		}
	}()

	for want := 0; want < n; {
		v, ok := r.TryPop()
		if !ok {
			<-r.Ready()
			continue
		}
		if v != want {
			t.Fatalf("popped %d, want %d", v, want)
		}
		want++
	}
}
