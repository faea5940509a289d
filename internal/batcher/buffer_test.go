package batcher

import (
	"sync"
	"testing"
	"time"
)

func TestBuffer_PushPopOrder(t *testing.T) {
	buf := NewBuffer[int](10, 0)

	for i := 0; i < 5; i++ {
		if !buf.Push(i) {
			t.Fatalf("Push(%d) = false", i)
		}
	}
	if buf.Len() != 5 {
		t.Errorf("Len() = %d, want 5", buf.Len())
	}

	for i := 0; i < 5; i++ {
		val, ok := buf.TryPop()
		if !ok {
			t.Fatalf("TryPop() = false for item %d", i)
		}
		if val != i {
			t.Errorf("popped %d, want %d", val, i)
		}
	}
	if buf.Len() != 0 {
		t.Errorf("Len() = %d, want 0", buf.Len())
	}
}

func TestBuffer_GrowsPastThreeQuarters(t *testing.T) {
	buf := NewBuffer[int](8, 0)

	// six of eight stays put, the seventh crosses three-quarters
	for i := 0; i < 6; i++ {
		buf.Push(i)
	}
	if got := buf.Cap(); got != 8 {
		t.Errorf("Cap() after 6 pushes = %d, want 8", got)
	}

	buf.Push(6)
	stats := buf.Stats()
	if stats.Capacity != 16 {
		t.Errorf("Capacity = %d, want 16 after growth", stats.Capacity)
	}
	if stats.Grows != 1 {
		t.Errorf("Grows = %d, want 1", stats.Grows)
	}

	for i := 0; i < 7; i++ {
		val, ok := buf.TryPop()
		if !ok || val != i {
			t.Fatalf("TryPop() = %d, %v; want %d, true", val, ok, i)
		}
	}
}

func TestBuffer_GrowPreservesWrappedOrder(t *testing.T) {
	buf := NewBuffer[int](4, 0)

	buf.Push(1)
	buf.Push(2)
	buf.TryPop() // head moves past 1
	buf.Push(3)
	buf.Push(4) // wraps, then growth copies the wrapped ring
	buf.Push(5)

	expected := []int{2, 3, 4, 5}
	for _, want := range expected {
		got, ok := buf.TryPop()
		if !ok {
			t.Fatalf("TryPop failed, expected %d", want)
		}
		if got != want {
			t.Errorf("got %d, want %d", got, want)
		}
	}
}

func TestBuffer_BoundRejectsWhenFull(t *testing.T) {
	buf := NewBuffer[int](4, 8)

	accepted := 0
	for i := 0; i < 20; i++ {
		if buf.Push(i) {
			accepted++
		}
	}
	if accepted != 8 {
		t.Errorf("accepted %d pushes, want 8 (the bound)", accepted)
	}
	if buf.Cap() != 8 {
		t.Errorf("Cap() = %d, want 8", buf.Cap())
	}
	if buf.Push(99) {
		t.Error("Push succeeded on a full bounded buffer")
	}

	// draining frees room again
	buf.TryPop()
	if !buf.Push(99) {
		t.Error("Push failed after freeing a slot")
	}
}

func TestBuffer_PopBlocksUntilPush(t *testing.T) {
	buf := NewBuffer[int](4, 0)
	received := make(chan int, 1)

	go func() {
		val, ok := buf.Pop()
		if ok {
			received <- val
		}
	}()

	time.Sleep(10 * time.Millisecond)
	buf.Push(42)

	select {
	case val := <-received:
		if val != 42 {
			t.Errorf("received %d, want 42", val)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for blocked Pop")
	}
}

func TestBuffer_CloseKeepsRemainder(t *testing.T) {
	buf := NewBuffer[int](4, 0)
	buf.Push(1)
	buf.Push(2)
	buf.Close()

	if buf.Push(3) {
		t.Error("Push succeeded after Close")
	}

	val, ok := buf.Pop()
	if !ok || val != 1 {
		t.Errorf("Pop() = %d, %v; want 1, true", val, ok)
	}
	val, ok = buf.Pop()
	if !ok || val != 2 {
		t.Errorf("Pop() = %d, %v; want 2, true", val, ok)
	}
	if _, ok := buf.Pop(); ok {
		t.Error("Pop() = true on closed empty buffer")
	}
}

func TestBuffer_CloseUnblocksPop(t *testing.T) {
	buf := NewBuffer[int](4, 0)
	done := make(chan bool, 1)

	go func() {
		_, ok := buf.Pop()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	buf.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Pop() = true when closed and empty")
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Pop")
	}
}

func TestBuffer_Drain(t *testing.T) {
	buf := NewBuffer[int](16, 0)
	for i := 0; i < 10; i++ {
		buf.Push(i)
	}

	items := buf.Drain(4)
	if len(items) != 4 {
		t.Fatalf("Drain(4) returned %d items, want 4", len(items))
	}
	for i, val := range items {
		if val != i {
			t.Errorf("items[%d] = %d, want %d", i, val, i)
		}
	}

	items = buf.Drain(0) // everything
	if len(items) != 6 {
		t.Errorf("Drain(0) returned %d items, want 6", len(items))
	}
	if buf.Len() != 0 {
		t.Errorf("Len() = %d, want 0", buf.Len())
	}
}

func TestBuffer_ConcurrentPushPop(t *testing.T) {
	buf := NewBuffer[int](8, 0)
	const numItems = 1000

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < numItems; i++ {
			buf.Push(i)
		}
	}()

	seen := make(map[int]bool)
	var mu sync.Mutex
	go func() {
		defer wg.Done()
		for i := 0; i < numItems; i++ {
			val, ok := buf.Pop()
			if ok {
				mu.Lock()
				seen[val] = true
				mu.Unlock()
			}
		}
	}()

	wg.Wait()

	for i := 0; i < numItems; i++ {
		if !seen[i] {
			t.Errorf("missing item %d", i)
		}
	}
}

func TestNewBuffer_ClampsInitial(t *testing.T) {
	if got := NewBuffer[int](0, 0).Cap(); got != 1 {
		t.Errorf("Cap() = %d, want 1 for initial 0", got)
	}
	if got := NewBuffer[int](64, 8).Cap(); got != 8 {
		t.Errorf("Cap() = %d, want initial clamped to bound 8", got)
	}
}
