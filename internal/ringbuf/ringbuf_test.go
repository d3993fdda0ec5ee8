package ringbuf

import "testing"

func TestRing_BasicPushPop(t *testing.T) {
	r := New[int](4)

	r.Push(1)
	r.Push(2)
	if r.Len() != 2 {
		t.Fatalf("expected len=2, got %d", r.Len())
	}

	if v, ok := r.PopFront(); !ok || v != 1 {
		t.Fatalf("expected 1, got %v ok=%v", v, ok)
	}
	if v, ok := r.PopFront(); !ok || v != 2 {
		t.Fatalf("expected 2, got %v ok=%v", v, ok)
	}
	if _, ok := r.PopFront(); ok {
		t.Fatal("pop from empty should return false")
	}
}

func TestRing_OverwritesOldestAtMaxLen(t *testing.T) {
	r := New[int](2)

	r.Push(1)
	r.Push(2)
	if ok := r.Push(3); ok {
		t.Fatal("push to full ring should report overwrite")
	}
	if r.Overflow() != 1 {
		t.Fatalf("expected overflow=1, got %d", r.Overflow())
	}
	if front, _ := r.Front(); front != 2 {
		t.Fatalf("expected oldest=2 after overwrite, got %d", front)
	}
	if back, _ := r.Back(); back != 3 {
		t.Fatalf("expected newest=3, got %d", back)
	}
}

func TestRing_GrowsUntilMaxLen(t *testing.T) {
	r := New[int](100) // rounds to 128
	for i := 0; i < 128; i++ {
		if !r.Push(i) {
			t.Fatalf("push %d should not overwrite", i)
		}
	}
	if r.Cap() != 128 || r.MaxLen() != 128 {
		t.Fatalf("expected cap=maxLen=128, got cap=%d max=%d", r.Cap(), r.MaxLen())
	}
	for i := 0; i < 128; i++ {
		if r.At(i) != i {
			t.Fatalf("At(%d) = %d after growth", i, r.At(i))
		}
	}
}

func TestRing_WraparoundIndexing(t *testing.T) {
	r := New[int](8)
	for round := 0; round < 5; round++ {
		for i := 0; i < 6; i++ {
			r.Push(round*10 + i)
		}
		for i := 0; i < 6; i++ {
			if got := r.At(0); got != round*10+i {
				t.Fatalf("round %d: At(0) = %d, want %d", round, got, round*10+i)
			}
			r.PopFront()
		}
	}
}

func TestRing_Reset(t *testing.T) {
	r := New[string](4)
	r.Push("a")
	r.Push("b")
	r.Reset()
	if r.Len() != 0 {
		t.Fatalf("expected empty ring after reset, got %d", r.Len())
	}
	if _, ok := r.Back(); ok {
		t.Fatal("Back on empty ring should return false")
	}
}

func TestRing_NextPow2(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, 1}, {1, 1}, {2, 2}, {3, 4}, {5, 8}, {7, 8}, {8, 8}, {9, 16}, {1023, 1024},
	}
	for _, tc := range cases {
		got := nextPow2(tc.in)
		if got != tc.want {
			t.Errorf("nextPow2(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
