// Package sentence turns text into a sequence of sentences for streaming
// synthesis.
//
// A [Source] yields one sentence per call to Next and reports the end of the
// sequence with io.EOF. Sources built from incremental input ([NewReader],
// [FromChannel]) split on sentence-ending punctuation as text arrives, so the
// first sentence is available before the input is complete.
package sentence

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Source yields sentences in order. Next returns io.EOF once the sequence is
// exhausted; any other error aborts the sequence.
type Source interface {
	Next(ctx context.Context) (string, error)
}

// splitter accumulates text and cuts complete sentences from the front.
// buf[off:] is unconsumed text and scan is the first index not yet known to
// hold no boundary, so every byte is examined a bounded number of times.
type splitter struct {
	buf  []byte
	off  int
	scan int
}

func (s *splitter) write(p []byte) {
	if s.off > 0 && s.off >= len(s.buf)/2 {
		n := copy(s.buf, s.buf[s.off:])
		s.buf = s.buf[:n]
		s.scan -= s.off
		s.off = 0
	}
	s.buf = append(s.buf, p...)
}

// cut removes and returns the next complete sentence. With final set the end
// of the buffered text counts as a boundary and the remainder is flushed.
func (s *splitter) cut(final bool) (string, bool) {
	for {
		idx := s.boundary(final)
		if idx < 0 {
			if !final {
				return "", false
			}
			rest := strings.TrimSpace(string(s.buf[s.off:]))
			s.buf, s.off, s.scan = s.buf[:0], 0, 0
			return rest, rest != ""
		}
		sentence := strings.TrimSpace(string(s.buf[s.off : idx+1]))
		s.off = idx + 1
		s.scan = s.off
		if sentence != "" {
			return sentence, true
		}
	}
}

// boundary returns the index of the next '.', '!' or '?' that is followed by
// whitespace. The end of the buffer only counts as whitespace when final is
// set, since more input may follow ("3." then "14"). Returns -1 if there is
// none, remembering where to resume.
func (s *splitter) boundary(final bool) int {
	b := s.buf
	for i := max(s.scan, s.off); i < len(b); i++ {
		c := b[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		next := b[i+1:]
		if len(next) == 0 || !utf8.FullRune(next) {
			if final {
				if len(next) == 0 {
					return i
				}
				continue
			}
			s.scan = i
			return -1
		}
		r, _ := utf8.DecodeRune(next)
		if unicode.IsSpace(r) {
			return i
		}
	}
	s.scan = len(b)
	return -1
}

// Reader splits the text read from an [io.Reader] into sentences.
type Reader struct {
	r     *bufio.Reader
	chunk []byte
	split splitter
	eof   bool
}

// NewReader returns a [Source] that reads text from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r), chunk: make([]byte, 4096)}
}

// Next implements [Source].
func (r *Reader) Next(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if s, ok := r.split.cut(r.eof); ok {
			return s, nil
		}
		if r.eof {
			return "", io.EOF
		}
		n, err := r.r.Read(r.chunk)
		r.split.write(r.chunk[:n])
		if errors.Is(err, io.EOF) {
			r.eof = true
			continue
		}
		if err != nil {
			return "", fmt.Errorf("sentence: read text: %w", err)
		}
	}
}

// Channel splits text fragments received on a channel into sentences.
type Channel struct {
	in    <-chan string
	split splitter
	done  bool
}

// FromChannel returns a [Source] that consumes text fragments from ch until
// ch is closed.
func FromChannel(ch <-chan string) *Channel {
	return &Channel{in: ch}
}

// Next implements [Source]. It blocks until a full sentence is buffered, ch is
// closed or ctx is done.
func (c *Channel) Next(ctx context.Context) (string, error) {
	for {
		if s, ok := c.split.cut(c.done); ok {
			return s, nil
		}
		if c.done {
			return "", io.EOF
		}
		select {
		case frag, ok := <-c.in:
			if !ok {
				c.done = true
				continue
			}
			c.split.write([]byte(frag))
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Slice yields pre-split sentences.
type Slice struct {
	items []string
}

// FromSlice returns a [Source] over sentences. Blank entries are skipped.
func FromSlice(sentences []string) *Slice {
	items := make([]string, 0, len(sentences))
	for _, s := range sentences {
		if s = strings.TrimSpace(s); s != "" {
			items = append(items, s)
		}
	}
	return &Slice{items: items}
}

// Next implements [Source].
func (s *Slice) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(s.items) == 0 {
		return "", io.EOF
	}
	next := s.items[0]
	s.items = s.items[1:]
	return next, nil
}

// Collect drains src and returns all sentences. It is mostly useful in tests
// and for one-shot callers.
func Collect(ctx context.Context, src Source) ([]string, error) {
	var out []string
	for {
		s, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, s)
	}
}
