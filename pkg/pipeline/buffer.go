package pipeline

import (
	"bytes"
)

// headBuffer keeps the first limit bytes written and silently discards the
// rest so the producing pipe keeps draining.
type headBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newHeadBuffer(limit int) *headBuffer {
	return &headBuffer{limit: limit}
}

func (h *headBuffer) Write(p []byte) (int, error) {
	room := h.limit - h.buf.Len()
	if room <= 0 {
		if len(p) > 0 {
			h.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		h.buf.Write(p[:room])
		h.truncated = true
		return len(p), nil
	}
	h.buf.Write(p)
	return len(p), nil
}

func (h *headBuffer) Bytes() []byte {
	return h.buf.Bytes()
}

// tailBuffer keeps the last size bytes written. Error messages usually come
// last, so stderr excerpts are taken from the tail.
type tailBuffer struct {
	b         []byte
	size      int
	truncated bool
}

func newTailBuffer(n int) *tailBuffer {
	if n <= 0 {
		n = DefaultMaxStderrBytes
	}
	return &tailBuffer{b: make([]byte, 0, n), size: n}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	if len(p) >= t.size {
		if len(p) > t.size || len(t.b) > 0 {
			t.truncated = true
		}
		t.b = append(t.b[:0], p[len(p)-t.size:]...)
		return len(p), nil
	}
	if len(t.b)+len(p) > t.size {
		drop := len(t.b) + len(p) - t.size
		t.b = append(t.b[:0], t.b[drop:]...)
		t.truncated = true
	}
	t.b = append(t.b, p...)
	return len(p), nil
}

func (t *tailBuffer) Bytes() []byte {
	return t.b
}
