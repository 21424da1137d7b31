package crawler

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// fibonacciBackOff grows its delay along the Fibonacci sequence starting at
// base (base, base, 2*base, 3*base, 5*base, ...), matching the original
// crawler_worker.rs's FibonacciBackoff::from_millis(500).
type fibonacciBackOff struct {
	base time.Duration
	a, b time.Duration
}

func (f *fibonacciBackOff) Reset() {
	f.a, f.b = f.base, f.base
}

func (f *fibonacciBackOff) NextBackOff() time.Duration {
	if f.a == 0 && f.b == 0 {
		f.Reset()
	}
	next := f.a
	f.a, f.b = f.b, f.a+f.b
	return next
}

// fibonacciBackoff builds a bounded Fibonacci backoff policy: base delay,
// capped to exactly attempts total tries (the first attempt plus
// attempts-1 retries).
func fibonacciBackoff(base time.Duration, attempts int) backoff.BackOff {
	b := &fibonacciBackOff{base: base}
	b.Reset()
	retries := attempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}
