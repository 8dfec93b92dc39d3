package terminal

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder logs renderer calls as a flat op list: "feed:<bytes>" or "scroll".
type recorder struct {
	ops        []string
	cols, rows int
}

func (r *recorder) Feed(p []byte)             { r.ops = append(r.ops, "feed:"+string(p)) }
func (r *recorder) ScrollTo(position float64) { r.ops = append(r.ops, "scroll") }
func (r *recorder) Size() (int, int)          { return r.cols, r.rows }

func (r *recorder) fed() string {
	var b bytes.Buffer
	for _, op := range r.ops {
		if len(op) > 5 && op[:5] == "feed:" {
			b.WriteString(op[5:])
		}
	}
	return b.String()
}

func TestFeedAttachedDeliversAndFollows(t *testing.T) {
	buf := NewBuffer()
	r := &recorder{}
	buf.Attach(r)

	buf.Feed([]byte("hello"))
	assert.Equal(t, []string{"feed:hello", "scroll"}, r.ops)

	r.ops = nil
	buf.UpdateScrollPosition(0.5, true)
	buf.Feed([]byte("more"))
	assert.Equal(t, []string{"feed:more"}, r.ops, "scrolled away: no auto-scroll")
}

func TestUpdateScrollPosition(t *testing.T) {
	tests := []struct {
		name      string
		position  float64
		canScroll bool
		want      bool
	}{
		{name: "no scrollback yet", position: 0, canScroll: false, want: true},
		{name: "at bottom", position: 1, canScroll: true, want: true},
		{name: "near bottom", position: 0.98, canScroll: true, want: true},
		{name: "just above threshold", position: 0.979, canScroll: true, want: false},
		{name: "top", position: 0, canScroll: true, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf := NewBuffer()
			buf.UpdateScrollPosition(tc.position, tc.canScroll)
			assert.Equal(t, tc.want, buf.Following())
		})
	}
}

func TestDetachedFeedQueuesAndReplaysInOrder(t *testing.T) {
	buf := NewBuffer()
	buf.Feed([]byte("one "))
	buf.Feed(nil)
	buf.Feed([]byte("two"))
	assert.Equal(t, 7, buf.Buffered())

	r := &recorder{}
	buf.Attach(r)
	assert.Equal(t, []string{"feed:one ", "feed:two", "scroll"}, r.ops)
	assert.Zero(t, buf.Buffered())
}

func TestFeedCopiesCallerBytes(t *testing.T) {
	buf := NewBuffer()
	p := []byte("abc")
	buf.Feed(p)
	p[0] = 'X'
	assert.Equal(t, []byte("abc"), buf.Pending())
}

func TestBoundedBufferEvictsOldestFirst(t *testing.T) {
	buf := NewBuffer()
	var evicted int
	buf.OnEvict = func(n int) { evicted += n }

	b1 := bytes.Repeat([]byte{'a'}, 300*1024)
	b2 := bytes.Repeat([]byte{'b'}, 300*1024)
	buf.Feed(b1)
	buf.Feed(b2)

	require.Equal(t, MaxPendingBytes, buf.Buffered())
	assert.Equal(t, 600*1024-MaxPendingBytes, evicted)

	pending := buf.Pending()
	require.Len(t, pending, MaxPendingBytes)
	// All of b2 survives; only the front of b1 was dropped.
	assert.Equal(t, b2, pending[len(pending)-len(b2):])
	assert.Equal(t, bytes.Repeat([]byte{'a'}, MaxPendingBytes-len(b2)), pending[:MaxPendingBytes-len(b2)])
}

func TestBoundedBufferDropsWholeOldChunks(t *testing.T) {
	buf := NewBuffer()
	for i := 0; i < 10; i++ {
		buf.Feed(bytes.Repeat([]byte{byte('0' + i)}, 100*1024))
	}
	assert.LessOrEqual(t, buf.Buffered(), MaxPendingBytes)
	pending := buf.Pending()
	assert.Equal(t, byte('9'), pending[len(pending)-1])
	assert.Equal(t, byte('4'), pending[0], "chunks 0-3 and part of 4 evicted")
}

func TestSingleOversizedChunkKeepsTail(t *testing.T) {
	buf := NewBuffer()
	big := make([]byte, MaxPendingBytes+10)
	for i := range big {
		big[i] = byte(i % 251)
	}
	buf.Feed(big)
	require.Equal(t, MaxPendingBytes, buf.Buffered())
	assert.Equal(t, big[10:], buf.Pending())
}

func TestClearDetachedMarksPendingReset(t *testing.T) {
	buf := NewBuffer()
	buf.UpdateScrollPosition(0.1, true)
	buf.Feed([]byte("stale"))
	buf.Clear()
	assert.Zero(t, buf.Buffered())
	assert.True(t, buf.Following())

	buf.Feed([]byte("fresh"))
	r := &recorder{}
	buf.Attach(r)
	assert.Equal(t, []string{"feed:\x1bc", "feed:fresh", "scroll"}, r.ops)
}

func TestClearAttachedEmitsReset(t *testing.T) {
	buf := NewBuffer()
	r := &recorder{}
	buf.Attach(r)
	buf.UpdateScrollPosition(0.2, true)

	buf.Clear()
	assert.Equal(t, []string{"feed:\x1bc", "scroll"}, r.ops)
	assert.True(t, buf.Following())
}

func TestPrepareForAttachForcesFollow(t *testing.T) {
	buf := NewBuffer()
	buf.UpdateScrollPosition(0.1, true)
	buf.PrepareForAttach()
	assert.True(t, buf.Following())

	r := &recorder{}
	buf.Attach(r)
	assert.Equal(t, []string{"scroll"}, r.ops, "pending scroll flushed even with nothing queued")
}

func TestAttachWithNothingPendingIsQuiet(t *testing.T) {
	buf := NewBuffer()
	r := &recorder{}
	buf.Attach(r)
	assert.Empty(t, r.ops)
}

func TestDetachRequeues(t *testing.T) {
	buf := NewBuffer()
	r1 := &recorder{}
	buf.Attach(r1)
	buf.Feed([]byte("a"))
	buf.Detach()
	assert.False(t, buf.Attached())
	buf.Feed([]byte("b"))
	assert.Equal(t, "a", r1.fed())

	r2 := &recorder{}
	buf.Attach(r2)
	assert.Equal(t, "b", r2.fed())
}
