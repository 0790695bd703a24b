package playback

import "sync"

// pullBuffer adapts push-style writes to oto's pull-style player. Read
// blocks while the buffer is empty so the device plays exactly what was
// written, in order; after Close it returns silence so the winding-down
// player never sees an underrun.
type pullBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

func newPullBuffer() *pullBuffer {
	b := &pullBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *pullBuffer) Write(p []byte) {
	b.mu.Lock()
	b.buf = append(b.buf, p...)
	b.mu.Unlock()
	b.cond.Signal()
}

func (b *pullBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.buf) == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.closed && len(b.buf) == 0 {
		clear(p)
		return len(p), nil
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

func (b *pullBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.buf = nil
	b.mu.Unlock()
	b.cond.Broadcast()
}
