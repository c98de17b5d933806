package router

import (
	"sync"
	"testing"
	"time"
)

func TestBufferSendReceive(t *testing.T) {
	b := NewBuffer[int](4, 32)

	for i := 0; i < 3; i++ {
		if !b.Send(i) {
			t.Fatalf("Send(%d) returned false", i)
		}
	}
	for i := 0; i < 3; i++ {
		got, ok := b.Receive()
		if !ok || got != i {
			t.Fatalf("Receive = (%d, %v), want (%d, true)", got, ok, i)
		}
	}
	if n := b.Len(); n != 0 {
		t.Errorf("Len = %d, want 0", n)
	}
}

func TestBufferGrowsToCeiling(t *testing.T) {
	b := NewBuffer[int](4, 16)

	for i := 0; i < 16; i++ {
		done := make(chan bool, 1)
		go func(v int) { done <- b.Send(v) }(i)
		select {
		case ok := <-done:
			if !ok {
				t.Fatalf("Send(%d) returned false", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("Send(%d) blocked below ceiling", i)
		}
	}

	if got := b.Cap(); got != 16 {
		t.Errorf("Cap = %d, want ceiling 16", got)
	}
	if b.Stats().ResizeCount == 0 {
		t.Error("expected at least one resize")
	}
}

func TestBufferBlocksAtCeiling(t *testing.T) {
	b := NewBuffer[int](2, 2)
	b.Send(1)
	b.Send(2)

	released := make(chan struct{})
	go func() {
		b.Send(3)
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("Send did not block at ceiling")
	case <-time.After(50 * time.Millisecond):
	}

	if v, ok := b.Receive(); !ok || v != 1 {
		t.Fatalf("Receive = (%d, %v), want (1, true)", v, ok)
	}

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("blocked Send never released")
	}

	if got := b.Stats().BlockedSends; got != 1 {
		t.Errorf("BlockedSends = %d, want 1", got)
	}
}

func TestBufferCloseReleasesBlockedSender(t *testing.T) {
	b := NewBuffer[int](1, 1)
	b.Send(1)

	result := make(chan bool, 1)
	go func() { result <- b.Send(2) }()

	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case ok := <-result:
		if ok {
			t.Error("Send on closed buffer returned true")
		}
	case <-time.After(time.Second):
		t.Fatal("blocked sender not released by Close")
	}
}

func TestBufferCloseDrains(t *testing.T) {
	b := NewBuffer[string](4, 8)
	b.Send("a")
	b.Send("b")
	b.Close()

	if b.Send("c") {
		t.Error("Send after Close returned true")
	}
	if v, ok := b.Receive(); !ok || v != "a" {
		t.Fatalf("Receive = (%q, %v), want (a, true)", v, ok)
	}
	if v, ok := b.Receive(); !ok || v != "b" {
		t.Fatalf("Receive = (%q, %v), want (b, true)", v, ok)
	}
	if _, ok := b.Receive(); ok {
		t.Error("Receive on drained closed buffer returned true")
	}
}

func TestBufferDrainTo(t *testing.T) {
	b := NewBuffer[int](8, 8)
	for i := 0; i < 5; i++ {
		b.Send(i)
	}

	batch := b.DrainTo(3)
	if len(batch) != 3 {
		t.Fatalf("DrainTo(3) returned %d items", len(batch))
	}
	for i, v := range batch {
		if v != i {
			t.Errorf("batch[%d] = %d, want %d", i, v, i)
		}
	}

	rest := b.DrainTo(0)
	if len(rest) != 2 {
		t.Fatalf("DrainTo(0) returned %d items, want 2", len(rest))
	}
}

func TestBufferConcurrentProducersConsumers(t *testing.T) {
	b := NewBuffer[int](16, 64)
	const producers, perProducer = 4, 250

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				b.Send(i)
			}
		}()
	}

	received := make(chan int, producers*perProducer)
	var rwg sync.WaitGroup
	for c := 0; c < 2; c++ {
		rwg.Add(1)
		go func() {
			defer rwg.Done()
			for {
				v, ok := b.Receive()
				if !ok {
					return
				}
				received <- v
			}
		}()
	}

	wg.Wait()
	b.Close()
	rwg.Wait()
	close(received)

	total := 0
	for range received {
		total++
	}
	if total != producers*perProducer {
		t.Errorf("received %d items, want %d", total, producers*perProducer)
	}
}
