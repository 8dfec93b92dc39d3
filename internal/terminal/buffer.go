package terminal

// MaxPendingBytes caps output held while no renderer is attached.
const MaxPendingBytes = 512 * 1024

// followThreshold is the scroll fraction at or above which the view counts
// as following the tail.
const followThreshold = 0.98

// ResetSequence is RIS (ESC c): full terminal reset.
var ResetSequence = []byte("\x1bc")

// Renderer is the terminal emulator capability. The buffer never owns it.
type Renderer interface {
	Feed(p []byte)
	// ScrollTo moves the viewport; 0 is the top of scrollback, 1 the bottom.
	ScrollTo(position float64)
	Size() (cols, rows int)
}

// Buffer sits between network delivery and the renderer. It is not safe for
// concurrent use: every call must come from the owner goroutine.
type Buffer struct {
	renderer Renderer

	pending       [][]byte
	pendingBytes  int
	pendingReset  bool
	pendingScroll bool
	follow        bool

	// OnEvict, if set, is told how many bytes were dropped from the front.
	OnEvict func(n int)
}

func NewBuffer() *Buffer {
	return &Buffer{follow: true}
}

// Feed delivers p to the renderer, or queues it while detached.
func (b *Buffer) Feed(p []byte) {
	if len(p) == 0 {
		return
	}
	if b.renderer == nil {
		b.enqueue(p)
		return
	}
	b.renderer.Feed(p)
	if b.follow {
		b.renderer.ScrollTo(1)
	}
}

func (b *Buffer) enqueue(p []byte) {
	b.pending = append(b.pending, append([]byte(nil), p...))
	b.pendingBytes += len(p)
	if b.pendingBytes <= MaxPendingBytes {
		return
	}
	evicted := 0
	for b.pendingBytes > MaxPendingBytes && len(b.pending) > 0 {
		excess := b.pendingBytes - MaxPendingBytes
		head := b.pending[0]
		if len(head) <= excess {
			b.pending[0] = nil
			b.pending = b.pending[1:]
			b.pendingBytes -= len(head)
			evicted += len(head)
			continue
		}
		b.pending[0] = head[excess:]
		b.pendingBytes -= excess
		evicted += excess
	}
	if b.OnEvict != nil && evicted > 0 {
		b.OnEvict(evicted)
	}
}

// Clear resets the logical terminal and arms follow mode.
func (b *Buffer) Clear() {
	b.follow = true
	if b.renderer == nil {
		b.pending = nil
		b.pendingBytes = 0
		b.pendingReset = true
		b.pendingScroll = true
		return
	}
	b.renderer.Feed(ResetSequence)
	b.renderer.ScrollTo(1)
}

// UpdateScrollPosition records where the user is looking. A surface that
// cannot scroll yet is still following.
func (b *Buffer) UpdateScrollPosition(position float64, canScroll bool) {
	if !canScroll {
		b.follow = true
		return
	}
	b.follow = position >= followThreshold
}

// PrepareForAttach is called before a view attaches to a different session.
func (b *Buffer) PrepareForAttach() {
	b.follow = true
	if b.renderer == nil {
		b.pendingScroll = true
		return
	}
	b.renderer.ScrollTo(1)
}

// Attach installs r and replays pending state in order: reset, queued
// chunks, then scroll-to-bottom.
func (b *Buffer) Attach(r Renderer) {
	b.renderer = r
	if r == nil {
		return
	}
	replay := b.pending
	shouldReset := b.pendingReset
	shouldScroll := b.pendingScroll || (b.follow && len(replay) > 0)
	b.pending = nil
	b.pendingBytes = 0
	b.pendingReset = false
	b.pendingScroll = false

	if shouldReset {
		r.Feed(ResetSequence)
	}
	for _, chunk := range replay {
		r.Feed(chunk)
	}
	if shouldScroll {
		r.ScrollTo(1)
	}
}

// Detach empties the renderer slot; later output is queued.
func (b *Buffer) Detach() {
	b.renderer = nil
}

func (b *Buffer) Attached() bool { return b.renderer != nil }

func (b *Buffer) Following() bool { return b.follow }

// Buffered reports the bytes waiting for a renderer.
func (b *Buffer) Buffered() int { return b.pendingBytes }

// Pending returns a copy of the queued bytes, oldest first.
func (b *Buffer) Pending() []byte {
	out := make([]byte, 0, b.pendingBytes)
	for _, chunk := range b.pending {
		out = append(out, chunk...)
	}
	return out
}
