package stream

import "strings"

const (
	rollingBufferSize = 8
	openThinkTag      = "<think>"
	closeThinkTag     = "</think>"
)

// Transformer performs streaming token transformation: <think>/</think>
// boundary detection across chunk edges,
// leading-whitespace suppression in content, and the guaranteed single-space
// chunk that opens content streaming right after a thinking block so a
// client always observes a content event before any whitespace filtering.
type Transformer struct {
	rolling       strings.Builder
	inThinking    bool
	sawContent    bool
	justLeftThink bool

	emitThinking func(chunk string)
	emitContent  func(chunk string)
	emitStatus   func(action, description string)
}

// NewTransformer wires the three emit callbacks the transformer drives as it
// processes incoming raw model chunks.
func NewTransformer(emitThinking, emitContent func(string), emitStatus func(action, description string)) *Transformer {
	return &Transformer{emitThinking: emitThinking, emitContent: emitContent, emitStatus: emitStatus}
}

// Feed processes one raw chunk from the model, character by character while
// the rolling buffer could still contain a tag boundary, emitting thinking
// or content as appropriate.
func (t *Transformer) Feed(chunk string) {
	for _, r := range chunk {
		t.rolling.WriteRune(r)
		t.processRolling(false)
	}
}

// Flush drains whatever remains in the rolling buffer at end of stream,
// bypassing the boundary-detection size gate since no further chunks will
// arrive to complete a split tag.
func (t *Transformer) Flush() {
	for t.rolling.Len() > 0 {
		if !t.processRolling(true) {
			break
		}
	}
}

// processRolling inspects the rolling buffer for a tag boundary and, once it
// has accumulated enough bytes to rule one out (or force is set, at end of
// stream), emits its leading rune as thinking or content. Returns false only
// when force is set and the buffer is exhausted without forward progress
// (should not happen in practice; guards against a pathological loop).
func (t *Transformer) processRolling(force bool) bool {
	buf := t.rolling.String()
	if buf == "" {
		return false
	}

	if !t.inThinking {
		if idx := strings.Index(buf, openThinkTag); idx >= 0 {
			before := buf[:idx]
			if before != "" {
				t.emitContentFiltered(before)
			}
			t.rolling.Reset()
			t.rolling.WriteString(buf[idx+len(openThinkTag):])
			t.inThinking = true
			if t.emitStatus != nil {
				t.emitStatus("thinking", "")
			}
			return true
		}
	} else {
		if idx := strings.Index(buf, closeThinkTag); idx >= 0 {
			before := buf[:idx]
			for _, r := range before {
				if t.emitThinking != nil {
					t.emitThinking(string(r))
				}
			}
			t.rolling.Reset()
			t.rolling.WriteString(buf[idx+len(closeThinkTag):])
			t.inThinking = false
			t.justLeftThink = true
			return true
		}
	}

	if !force && len(buf) < rollingBufferSize {
		return true
	}

	if t.inThinking {
		r, size := firstRune(buf)
		if t.emitThinking != nil {
			t.emitThinking(r)
		}
		t.rolling.Reset()
		t.rolling.WriteString(buf[size:])
		return true
	}

	r, size := firstRune(buf)
	t.emitContentFiltered(r)
	t.rolling.Reset()
	t.rolling.WriteString(buf[size:])
	return true
}

func (t *Transformer) emitContentFiltered(s string) {
	if s == "" {
		return
	}

	if t.justLeftThink {
		t.justLeftThink = false
		if t.emitContent != nil {
			t.emitContent(" ")
		}
	}

	if !t.sawContent {
		s = strings.TrimLeft(s, " \t\n\r")
		if s == "" {
			return
		}
		t.sawContent = true
	}

	if t.emitContent != nil {
		t.emitContent(s)
	}
}

func firstRune(s string) (string, int) {
	for i, r := range s {
		_ = i
		return string(r), len(string(r))
	}
	return "", 0
}

// Batcher accumulates content chunks destined for the transport and yields
// them when the buffer reaches byteThreshold bytes or msThreshold
// milliseconds have elapsed since the last yield, whichever comes first.
type Batcher struct {
	byteThreshold int
	buf           strings.Builder
}

// NewBatcher builds a Batcher with the default 10-byte threshold; the time
// half of the rule is the caller's responsibility — Flush on a ticker tick.
func NewBatcher() *Batcher {
	return &Batcher{byteThreshold: 10}
}

// Add appends chunk to the buffer and returns the buffer's contents plus
// true if it has reached the byte threshold and should be yielded now.
func (b *Batcher) Add(chunk string) (string, bool) {
	b.buf.WriteString(chunk)
	if b.buf.Len() >= b.byteThreshold {
		return b.Flush(), true
	}
	return "", false
}

// Flush returns and clears whatever is currently buffered, regardless of
// size — used both by the byte-threshold path and the 50ms timer path.
func (b *Batcher) Flush() string {
	s := b.buf.String()
	b.buf.Reset()
	return s
}

// Len reports the current buffered byte count.
func (b *Batcher) Len() int {
	return b.buf.Len()
}
