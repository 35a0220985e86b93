package worker

import (
	"strings"
	"sync"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/config"
)

type state int

const (
	closed state = iota
	open
	halfOpen
)

// MicroBreaker stops the sweeper from hammering a provider whose handlers keep failing.
type MicroBreaker struct {
	mu               sync.Mutex
	st               state
	consecutiveFails int
	failThreshold    int
	openFor          time.Duration
	nextTryAt        time.Time
	probeInFlight    bool
	now              func() time.Time
}

func NewMicroBreaker(threshold int, openFor time.Duration) *MicroBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &MicroBreaker{failThreshold: threshold, openFor: openFor, now: time.Now}
}

// TryAcquire reports whether a call may go through. In half-open only one probe is let in.
func (b *MicroBreaker) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.st {
	case open:
		if b.now().After(b.nextTryAt) && !b.probeInFlight {
			b.st = halfOpen
			b.probeInFlight = true
			return true
		}
		return false
	case halfOpen:
		if !b.probeInFlight {
			b.probeInFlight = true
			return true
		}
		return false
	default:
		return true
	}
}

func (b *MicroBreaker) OnSuccess() {
	b.mu.Lock()
	b.consecutiveFails = 0
	b.st = closed
	b.probeInFlight = false
	b.mu.Unlock()
}

func (b *MicroBreaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.st == halfOpen {
		b.trip()
		return
	}
	b.consecutiveFails++
	if b.consecutiveFails >= b.failThreshold {
		b.trip()
	}
}

// Release frees a probe slot without counting a result.
func (b *MicroBreaker) Release() {
	b.mu.Lock()
	b.probeInFlight = false
	b.mu.Unlock()
}

func (b *MicroBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st != closed
}

func (b *MicroBreaker) trip() {
	b.st = open
	b.nextTryAt = b.now().Add(b.openFor)
	b.probeInFlight = false
}

// Breakers hands out one MicroBreaker per provider.
type Breakers struct {
	mu  sync.Mutex
	cfg config.BreakerConfig
	m   map[string]*MicroBreaker
	now func() time.Time
}

func NewBreakers(cfg config.BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, m: make(map[string]*MicroBreaker), now: time.Now}
}

func (bs *Breakers) For(provider string) *MicroBreaker {
	key := strings.ToLower(provider)
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.m[key]
	if !ok {
		b = NewMicroBreaker(bs.cfg.FailThreshold, time.Duration(bs.cfg.OpenForMs)*time.Millisecond)
		b.now = bs.now
		bs.m[key] = b
	}
	return b
}
