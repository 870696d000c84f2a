package finalizer

import (
	"io"
	"sync"
)

// Finalizer collects resources and closes them in reverse order.
type Finalizer struct {
	resources []io.Closer
	lk        sync.Mutex
}

// NewFinalizer returns a new Finalizer.
func NewFinalizer() *Finalizer {
	return &Finalizer{}
}

// Add resources to be closed by Cleanup.
func (f *Finalizer) Add(cs ...io.Closer) {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.resources = append(f.resources, cs...)
}

// Cleanup closes every resource, last added first. It returns err, or the
// first close error if err is nil.
func (f *Finalizer) Cleanup(err error) error {
	f.lk.Lock()
	resources := f.resources
	f.resources = nil
	f.lk.Unlock()

	for i := len(resources) - 1; i >= 0; i-- {
		if cerr := resources[i].Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
