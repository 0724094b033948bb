package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stopwatch counts whole seconds on a one second ticker.
type Stopwatch struct {
	seconds atomic.Int64
	stop    chan struct{}
	once    sync.Once
}

func StartStopwatch() *Stopwatch {
	return startStopwatch(time.Second)
}

func startStopwatch(tick time.Duration) *Stopwatch {
	s := &Stopwatch{stop: make(chan struct{})}
	go func() {
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.seconds.Add(1)
			case <-s.stop:
				return
			}
		}
	}()
	return s
}

// Seconds elapsed; nil stopwatches read zero.
func (s *Stopwatch) Seconds() int64 {
	if s == nil {
		return 0
	}
	return s.seconds.Load()
}

func (s *Stopwatch) Stop() {
	if s == nil {
		return
	}
	s.once.Do(func() { close(s.stop) })
}
