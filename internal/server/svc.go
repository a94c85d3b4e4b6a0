package server

// ChanSvc is a connection's executor: a channel of thunks drained by a single
// goroutine, serializing everything that touches one connection's state.
type ChanSvc chan func()

// Svc queues code on the executor without blocking the caller.
func Svc(s ChanSvc, code func()) {
	go func() { // goroutine so the channel won't block
		s <- code
	}()
}

// SvcSync queues code on the executor and waits for its result.
func SvcSync[T any](s ChanSvc, code func() (T, error)) (T, error) {
	done := make(chan struct{})
	var value T
	var err error
	Svc(s, func() {
		value, err = code()
		close(done)
	})
	<-done
	return value, err
}

// RunSvc drains an executor. Close the channel to stop it.
func RunSvc(s ChanSvc) {
	go func() {
		for code := range s {
			code()
		}
	}()
}
