// Package audiostream assembles per-sentence synthesis results into one
// continuous audio byte stream.
//
// [Assembler.Stream] consumes a [sentence.Source]. For every sentence it
// enqueues a synthesis task through a [congestion.Controller] and reserves a
// placeholder in an ordered queue. Sub-streams are forwarded strictly in
// sentence order regardless of which synthesis finishes first. For container
// formats (wav, mp3) only the first sub-stream's header reaches the output.
//
// Three stages run per stream, joined by an errgroup: the submitter reads
// sentences and enqueues tasks, one goroutine per admitted task fulfils its
// placeholder, and the forwarder drains placeholders in order into the
// returned reader. The first failure in any stage ends the stream with a
// single [StreamError].
package audiostream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/playht/internal/observe"
	"github.com/MrWong99/playht/pkg/congestion"
	"github.com/MrWong99/playht/pkg/sentence"
)

const (
	// lookahead is the number of placeholders the submitter may reserve ahead
	// of the forwarder.
	lookahead = 16

	// copyBufSize is the read size used when forwarding sub-stream payload.
	copyBufSize = 32 * 1024

	endLabel = "endAudioChunks"
)

// Synthesizer produces the audio sub-stream for one sentence.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (io.ReadCloser, error)
}

// SynthesizerFunc adapts a function to [Synthesizer].
type SynthesizerFunc func(ctx context.Context, text string) (io.ReadCloser, error)

// Synthesize implements [Synthesizer].
func (f SynthesizerFunc) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	return f(ctx, text)
}

// Option configures an [Assembler].
type Option func(*Assembler)

// WithHeaderKind sets the container header stripped from every sub-stream
// after the first. Defaults to [HeaderNone].
func WithHeaderKind(k HeaderKind) Option {
	return func(a *Assembler) { a.header = k }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *Assembler) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Assembler) {
		if m != nil {
			a.metrics = m
		}
	}
}

// Assembler turns a sentence sequence into an ordered audio stream. An
// Assembler owns its controller and serves a single call to Stream.
type Assembler struct {
	synth   Synthesizer
	ctrl    *congestion.Controller
	header  HeaderKind
	logger  *slog.Logger
	metrics *observe.Metrics
}

// New creates an Assembler that synthesizes through synth and paces requests
// with ctrl. A nil ctrl behaves like [congestion.Off].
func New(synth Synthesizer, ctrl *congestion.Controller, opts ...Option) *Assembler {
	a := &Assembler{
		synth:   synth,
		ctrl:    ctrl,
		logger:  slog.Default(),
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.ctrl == nil {
		a.ctrl = congestion.New(congestion.Config{Policy: congestion.Off})
	}
	return a
}

// chunk is the outcome of one placeholder.
type chunk struct {
	label     string
	body      io.ReadCloser
	err       error
	submitted time.Time
	end       bool
}

// placeholder is fulfilled exactly once.
type placeholder chan chunk

// Stream starts assembling audio for the sentences of src and returns the
// output. The output ends after the last sentence's audio, or fails with a
// [*StreamError] on the first error. Closing the returned reader cancels the
// session. The controller is closed once the session ends.
func (a *Assembler) Stream(ctx context.Context, src sentence.Source) io.ReadCloser {
	ctx, cancel := context.WithCancelCause(ctx)
	pr, pw := io.Pipe()

	s := &session{
		Assembler: a,
		queue:     make(chan placeholder, lookahead),
		pw:        pw,
		logger:    observe.Logger(ctx, a.logger).With("component", "audiostream"),
	}
	go s.run(ctx, src)

	return &streamReader{PipeReader: pr, cancel: cancel}
}

// streamReader cancels the session when the consumer closes it.
type streamReader struct {
	*io.PipeReader
	cancel context.CancelCauseFunc
}

func (r *streamReader) Close() error {
	r.cancel(ErrReaderClosed)
	return r.PipeReader.Close()
}

// session is the state of one Stream call.
type session struct {
	*Assembler
	queue  chan placeholder
	pw     *io.PipeWriter
	logger *slog.Logger
	once   sync.Once

	// held is the placeholder the forwarder is waiting on. Only the forwarder
	// writes it; run reads it after the group is done.
	held placeholder

	workersMu sync.Mutex
	workers   sync.WaitGroup
	stopped   bool
}

func (s *session) run(ctx context.Context, src sentence.Source) {
	s.metrics.ActiveStreams.Add(ctx, 1)
	defer s.metrics.ActiveStreams.Add(context.WithoutCancel(ctx), -1)
	defer s.ctrl.Close()

	g, gctx := errgroup.WithContext(ctx)
	// Unblocks a forwarder stuck writing to a reader nobody drains.
	stop := context.AfterFunc(gctx, func() { s.finish(gctx, context.Cause(gctx)) })
	defer stop()

	g.Go(func() error { return s.submit(gctx, src) })
	g.Go(func() error {
		err := s.forward(gctx)
		s.finish(gctx, err)
		return err
	})
	_ = g.Wait()

	// No synthesis starts after this point, so once the running ones are done
	// every undelivered sub-stream sits in a placeholder.
	s.workersMu.Lock()
	s.stopped = true
	s.workersMu.Unlock()
	s.workers.Wait()
	s.discardPending()
}

// finish closes the output once. The error that cancelled the group takes
// precedence over the forwarder's own error.
func (s *session) finish(ctx context.Context, err error) {
	s.once.Do(func() { s.close(ctx, err) })
}

func (s *session) close(ctx context.Context, err error) {
	if err == nil {
		s.logger.Debug("stream completed")
		_ = s.pw.Close()
		return
	}
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
	}
	if errors.Is(err, ErrReaderClosed) {
		s.logger.Debug("stream closed by reader")
		return
	}
	se := describe(err)
	s.metrics.RecordStreamError(context.WithoutCancel(ctx), se.Code)
	s.logger.Warn("stream failed", "err", se)
	_ = s.pw.CloseWithError(se)
}

// submit reads sentences, reserves ordered placeholders and enqueues one
// synthesis task per sentence followed by the end marker.
func (s *session) submit(ctx context.Context, src sentence.Source) error {
	for n := 0; ; n++ {
		text, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("audiostream: read sentence: %w", err)
		}

		ph := make(placeholder, 1)
		if err := s.reserve(ctx, ph); err != nil {
			return err
		}
		s.metrics.Sentences.Add(ctx, 1)

		label := fmt.Sprintf("createAudioChunk#%d", n)
		submitted := time.Now()
		s.ctrl.Enqueue(func() {
			s.startWorker(func() { s.synthesize(ctx, ph, label, text, submitted) }, ph, label)
		}, label)
	}

	end := make(placeholder, 1)
	if err := s.reserve(ctx, end); err != nil {
		return err
	}
	s.ctrl.Enqueue(func() {
		end <- chunk{label: endLabel, end: true}
	}, endLabel)
	close(s.queue)
	return nil
}

func (s *session) reserve(ctx context.Context, ph placeholder) error {
	select {
	case s.queue <- ph:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// startWorker runs fn on a tracked goroutine. Once the session has stopped,
// ph is failed instead.
func (s *session) startWorker(fn func(), ph placeholder, label string) {
	s.workersMu.Lock()
	defer s.workersMu.Unlock()
	if s.stopped {
		ph <- chunk{label: label, err: context.Canceled}
		return
	}
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		fn()
	}()
}

// synthesize fulfils ph with the sub-stream for text.
func (s *session) synthesize(ctx context.Context, ph placeholder, label, text string, submitted time.Time) {
	if err := ctx.Err(); err != nil {
		ph <- chunk{label: label, err: context.Cause(ctx)}
		return
	}
	body, err := s.synth.Synthesize(ctx, text)
	if err != nil {
		ph <- chunk{label: label, err: fmt.Errorf("audiostream: %s: %w", label, err)}
		return
	}
	if ctx.Err() != nil {
		_ = body.Close()
		ph <- chunk{label: label, err: context.Cause(ctx)}
		return
	}
	ph <- chunk{label: label, body: body, submitted: submitted}
}

// forward drains placeholders in order and copies their audio to the output.
func (s *session) forward(ctx context.Context) error {
	first := true
	for {
		var ph placeholder
		select {
		case next, ok := <-s.queue:
			if !ok {
				return nil
			}
			ph = next
		case <-ctx.Done():
			return context.Cause(ctx)
		}

		s.held = ph
		var c chunk
		select {
		case c = <-ph:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
		s.held = nil
		if c.err != nil {
			return c.err
		}
		if c.end {
			return nil
		}
		if err := s.copyChunk(ctx, c, first); err != nil {
			return err
		}
		first = false
	}
}

// copyChunk forwards one sub-stream. The controller is told about audio once
// per sub-stream, at the first payload byte or at the end of a sub-stream
// that carried none.
func (s *session) copyChunk(ctx context.Context, c chunk, first bool) error {
	defer c.body.Close()
	stop := context.AfterFunc(ctx, func() { _ = c.body.Close() })
	defer stop()

	br := bufio.NewReaderSize(c.body, copyBufSize)
	hdr, err := readHeader(br, s.header)
	if err != nil {
		return s.readErr(ctx, c.label, err)
	}
	if first && len(hdr) > 0 {
		if _, err := s.pw.Write(hdr); err != nil {
			return fmt.Errorf("audiostream: write header: %w", err)
		}
	}

	signalled := false
	signal := func() {
		signalled = true
		s.ctrl.AudioReceived()
		s.metrics.TimeToFirstAudio.Record(ctx, time.Since(c.submitted).Seconds(),
			metric.WithAttributes(attribute.String("header", s.header.String())))
	}

	buf := make([]byte, copyBufSize)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			if !signalled {
				signal()
			}
			if _, werr := s.pw.Write(buf[:n]); werr != nil {
				return fmt.Errorf("audiostream: write audio: %w", werr)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return s.readErr(ctx, c.label, err)
		}
	}
	if !signalled {
		s.logger.Debug("sub-stream carried no audio payload", "label", c.label)
		signal()
	}
	return nil
}

func (s *session) readErr(ctx context.Context, label string, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return fmt.Errorf("audiostream: %s: read audio: %w", label, err)
}

// discardPending closes sub-streams that were fulfilled but never forwarded.
func (s *session) discardPending() {
	discard := func(ph placeholder) {
		select {
		case c := <-ph:
			if c.body != nil {
				_ = c.body.Close()
			}
		default:
		}
	}
	if s.held != nil {
		discard(s.held)
	}
	for {
		select {
		case ph, ok := <-s.queue:
			if !ok {
				return
			}
			discard(ph)
		default:
			return
		}
	}
}
