package util

// A Gate limits concurrency. Every gate has a maximum number of goroutines
// to allow through at a time. Goroutines enter the gate by calling Enter(),
// and signal that they are done by calling Leave(). A gate may be shut down
// with Stop(), which causes all pending and future Enter()s to fail.
type Gate struct {
	c    chan struct{}
	stop chan struct{}
}

// NewGate returns a Gate which accepts at most n entries at a time.
func NewGate(n int) Gate {
	return Gate{
		c:    make(chan struct{}, n),
		stop: make(chan struct{}),
	}
}

// Enter is called at the beginning of the section to be protected by the
// gate, and will block the calling goroutine until there are less than n
// goroutines inside. It returns false if the gate was stopped while waiting.
// It is safe to call this from multiple goroutines.
func (g Gate) Enter() bool {
	select {
	case g.c <- struct{}{}:
		return true
	case <-g.stop:
		return false
	}
}

// Leave marks a goroutine outside the critical section. It is important to
// balance each successful Enter with a call to Leave. Enter and Leave do not
// need to be called from the same goroutine, necessarily.
func (g Gate) Leave() {
	<-g.c
}

// Stop shuts the gate. Goroutines blocked in Enter will return false.
// Will panic if called twice.
func (g Gate) Stop() {
	close(g.stop)
}
