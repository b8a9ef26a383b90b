package ringbuf

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAppendOrder(t *testing.T) {
	b := New[string](3)

	b.Append("A")
	b.Append("B")
	if diff := cmp.Diff([]string{"A", "B"}, b.Items()); diff != "" {
		t.Fatalf("after 2 appends (-want +got):\n%s", diff)
	}

	b.Append("C")
	b.Append("D")
	if diff := cmp.Diff([]string{"B", "C", "D"}, b.Items()); diff != "" {
		t.Fatalf("after overwrite (-want +got):\n%s", diff)
	}
}

func TestClear(t *testing.T) {
	b := New[int](2)
	b.Append(1)
	b.Append(2)
	b.Clear()
	if b.Len() != 0 || len(b.Items()) != 0 {
		t.Fatalf("expected empty buffer, got %v", b.Items())
	}
	b.Append(3)
	if diff := cmp.Diff([]int{3}, b.Items()); diff != "" {
		t.Fatalf("after clear/append (-want +got):\n%s", diff)
	}
}

func TestDefaultCapacity(t *testing.T) {
	b := New[int](0)
	if b.Capacity() != DefaultCapacity {
		t.Fatalf("Capacity()=%d want %d", b.Capacity(), DefaultCapacity)
	}
	for i := 0; i < DefaultCapacity+5; i++ {
		b.Append(i)
	}
	items := b.Items()
	if len(items) != DefaultCapacity || items[0] != 5 {
		t.Fatalf("len=%d first=%d", len(items), items[0])
	}
}
