package sempool

import "sync"

// Semaphore is a counting semaphore.
type Semaphore struct {
	inner chan struct{}
}

// NewSemaphore returns a semaphore admitting capacity holders.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{inner: make(chan struct{}, capacity)}
}

// Acquire blocks until the semaphore admits the caller.
func (s *Semaphore) Acquire() {
	s.inner <- struct{}{}
}

// Release frees a slot taken by Acquire.
func (s *Semaphore) Release() {
	select {
	case <-s.inner:
	default:
		panic("semaphore released before acquire")
	}
}

// SemaphoreKey identifies the resource a semaphore guards.
type SemaphoreKey interface {
	Key() string
}

// SemaphorePool hands out one semaphore per key.
type SemaphorePool struct {
	ss      map[string]*Semaphore
	semaCap int
	mu      sync.Mutex
}

// NewSemaphorePool returns a pool of semaphores of semaCap capacity.
func NewSemaphorePool(semaCap int) *SemaphorePool {
	return &SemaphorePool{ss: make(map[string]*Semaphore), semaCap: semaCap}
}

// Get returns the semaphore of k, creating it on first use.
func (p *SemaphorePool) Get(k SemaphoreKey) *Semaphore {
	key := k.Key()

	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.ss[key]
	if !ok {
		s = NewSemaphore(p.semaCap)
		p.ss[key] = s
	}
	return s
}
