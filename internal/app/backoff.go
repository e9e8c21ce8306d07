package app

import "time"

// Backoff is a multiplicative delay with a ceiling.
type Backoff struct {
	Floor  time.Duration
	Cap    time.Duration
	Factor float64

	current time.Duration
}

// Next returns the delay to wait now and advances the sequence:
// delay[n+1] = min(cap, delay[n]*factor).
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Floor
	}
	d := b.current
	next := time.Duration(float64(b.current) * b.Factor)
	if next > b.Cap {
		next = b.Cap
	}
	b.current = next
	return d
}

// Reset returns the sequence to its floor.
func (b *Backoff) Reset() {
	b.current = 0
}
