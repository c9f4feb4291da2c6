package session

// Outcome is the result of an operation run with Go.
type Outcome[T any] struct {
	Value T
	Err   error
}

// Go runs fn in its own goroutine. The returned channel yields exactly one
// outcome and is then closed.
func Go[T any](fn func() (T, error)) <-chan Outcome[T] {
	ch := make(chan Outcome[T], 1)
	go func() {
		defer close(ch)
		v, err := fn()
		ch <- Outcome[T]{Value: v, Err: err}
	}()
	return ch
}
