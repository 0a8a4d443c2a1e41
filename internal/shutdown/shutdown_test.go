package shutdown

import (
	"sync"
	"testing"
)

func TestStop(t *testing.T) {
	c := New()
	if c.Stopped() {
		t.Error("new coordinator should not be stopped")
	}

	c.Stop()
	if !c.Stopped() {
		t.Error("coordinator should be stopped after Stop")
	}

	// idempotent
	c.Stop()
	if !c.Stopped() {
		t.Error("coordinator should stay stopped")
	}
}

func TestStopConcurrent(t *testing.T) {
	c := New()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Stop()
			_ = c.Stopped()
		}()
	}
	wg.Wait()

	if !c.Stopped() {
		t.Error("coordinator should be stopped")
	}
}
