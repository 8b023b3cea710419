package engine

import (
	"sync"
	"time"
)

const (
	defaultPlaybackInterval = 50 * time.Millisecond

	// Per-tick slice bounds. These tune how fast buffered text is played
	// back; they are not correctness knobs.
	defaultContentSlice  = 24
	defaultThinkingSlice = 48
)

// scheduler decouples frame arrival rate from render rate. Deltas are queued
// into two pending buffers and played back in bounded slices on a fixed-period
// tick, so bursty delivery still renders as steady output. The tick loop only
// runs while a buffer is non-empty; it exits once drained.
type scheduler struct {
	interval      time.Duration
	contentSlice  int
	thinkingSlice int
	emit          func(content, thinking string)

	mu       sync.Mutex
	content  []rune
	thinking []rune
	running  bool
	halted   bool
	stop     chan struct{}
	loopDone chan struct{}
}

func newScheduler(interval time.Duration, contentSlice, thinkingSlice int,
	emit func(content, thinking string),
) *scheduler {
	return &scheduler{
		interval:      interval,
		contentSlice:  contentSlice,
		thinkingSlice: thinkingSlice,
		emit:          emit,
	}
}

func (s *scheduler) pushContent(delta string) {
	s.push(delta, &s.content)
}

func (s *scheduler) pushThinking(delta string) {
	s.push(delta, &s.thinking)
}

func (s *scheduler) push(delta string, buf *[]rune) {
	if delta == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halted {
		return
	}
	*buf = append(*buf, []rune(delta)...)

	if !s.running {
		s.running = true
		s.stop = make(chan struct{})
		s.loopDone = make(chan struct{})
		go s.loop(s.stop, s.loopDone)
	}
}

func (s *scheduler) loop(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		content := takeRunes(&s.content, s.contentSlice)
		thinking := takeRunes(&s.thinking, s.thinkingSlice)
		if content == "" && thinking == "" {
			// running is cleared in the same critical section that saw
			// empty buffers, and the previous tick's emit has returned,
			// so a concurrent push either lands before this exit or
			// starts a fresh loop. Never both.
			s.running = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		s.emit(content, thinking)
	}
}

// flushAll halts the tick loop and synchronously drains both buffers in one
// final emission. Nothing survives in the buffers and no emission follows.
func (s *scheduler) flushAll() {
	s.halt()

	s.mu.Lock()
	content := string(s.content)
	thinking := string(s.thinking)
	s.content = nil
	s.thinking = nil
	s.mu.Unlock()

	if content != "" || thinking != "" {
		s.emit(content, thinking)
	}
}

// halt stops the tick loop and waits for it to exit. Deltas pushed after halt
// are dropped.
func (s *scheduler) halt() {
	s.mu.Lock()
	s.halted = true
	stop := s.stop
	s.stop = nil
	done := s.loopDone
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if done != nil {
		<-done
	}
}

func takeRunes(buf *[]rune, n int) string {
	if len(*buf) == 0 || n <= 0 {
		return ""
	}
	if n > len(*buf) {
		n = len(*buf)
	}
	out := string((*buf)[:n])
	*buf = (*buf)[n:]
	return out
}
