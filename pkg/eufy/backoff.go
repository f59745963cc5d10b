package eufy

import "time"

// Backoff grows by Step until Plateau, then by LongStep until Max.
type Backoff struct {
	Base     time.Duration
	Step     time.Duration
	Plateau  time.Duration
	LongStep time.Duration
	Max      time.Duration

	next    time.Duration
	attempt int
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:     5 * time.Second,
		Step:     10 * time.Second,
		Plateau:  60 * time.Second,
		LongStep: 60 * time.Second,
		Max:      600 * time.Second,
	}
}

// Next returns the delay of the next reconnect and the attempt number.
func (b *Backoff) Next() (time.Duration, int) {
	if b.next == 0 {
		b.next = b.Base
	}

	delay := b.next

	if b.next < b.Plateau {
		b.next += b.Step
	} else {
		b.next += b.LongStep
	}
	if b.next > b.Max {
		b.next = b.Max
	}

	b.attempt++
	return delay, b.attempt
}

func (b *Backoff) Reset() {
	b.next = 0
	b.attempt = 0
}
