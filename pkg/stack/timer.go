package stack

import (
	"container/heap"
	"sync"
	"time"
)

// timerKind distinguishes the per-connection timers.
type timerKind int

const (
	timerRetransmit timerKind = iota
	timerIdle
	timerTimeWait
)

func (k timerKind) String() string {
	switch k {
	case timerRetransmit:
		return "retransmit"
	case timerIdle:
		return "idle"
	case timerTimeWait:
		return "time-wait"
	}
	return "unknown"
}

// timerFire is the synthetic event a fired timer produces. gen lets a
// connection ignore fires from timers it has since re-armed or cancelled.
type timerFire struct {
	key  ConnKey
	kind timerKind
	gen  uint64
}

type timerEntry struct {
	when  time.Time
	fire  timerFire
	index int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { e := x.(*timerEntry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// timerQueue schedules retransmission, idle and TIME_WAIT timers for every
// connection on one goroutine. A fire never touches connection state or I/O
// directly: it is handed to the sink, which enqueues it on the same event
// path packet arrivals use. If the sink cannot accept the fire (queue full)
// it is re-armed shortly rather than blocking.
type timerQueue struct {
	mu   sync.Mutex
	h    timerHeap
	kick chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup

	// sink delivers a fire to the event path; false means "try again".
	sink func(timerFire) bool
}

const timerRetryDelay = 5 * time.Millisecond

func newTimerQueue(sink func(timerFire) bool) *timerQueue {
	return &timerQueue{
		kick: make(chan struct{}, 1),
		stop: make(chan struct{}),
		sink: sink,
	}
}

func (tq *timerQueue) start() {
	tq.wg.Add(1)
	go tq.run()
}

func (tq *timerQueue) shutdown() {
	close(tq.stop)
	tq.wg.Wait()
}

// schedule arms a timer. Cancellation is by generation: bump the
// connection's generation counter and stale fires fall on the floor.
func (tq *timerQueue) schedule(key ConnKey, kind timerKind, gen uint64, delay time.Duration) {
	e := &timerEntry{
		when: time.Now().Add(delay),
		fire: timerFire{key: key, kind: kind, gen: gen},
	}
	tq.mu.Lock()
	heap.Push(&tq.h, e)
	tq.mu.Unlock()
	select {
	case tq.kick <- struct{}{}:
	default:
	}
}

func (tq *timerQueue) run() {
	defer tq.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		now := time.Now()

		// Fire everything due, re-arming fires the sink could not take.
		for {
			tq.mu.Lock()
			if len(tq.h) == 0 || tq.h[0].when.After(now) {
				tq.mu.Unlock()
				break
			}
			e := heap.Pop(&tq.h).(*timerEntry)
			tq.mu.Unlock()
			if !tq.sink(e.fire) {
				e.when = now.Add(timerRetryDelay)
				tq.mu.Lock()
				heap.Push(&tq.h, e)
				tq.mu.Unlock()
				break
			}
		}

		tq.mu.Lock()
		wait := time.Hour
		if len(tq.h) > 0 {
			wait = time.Until(tq.h[0].when)
			if wait < 0 {
				wait = 0
			}
		}
		tq.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-tq.stop:
			return
		case <-tq.kick:
		case <-timer.C:
		}
	}
}
