package runner

import (
	"bufio"
	"context"
	"io"
	"iter"
	"sync"

	"github.com/bpicori/cobra-gate/pkg/gateerr"
)

// Stream delivers a running process's stdout line by line. The sequence is
// finite and cannot be restarted.
//
// C is unbuffered: the process is only read as fast as the consumer receives.
// Only stdout is sent on C; stderr is accumulated separately and returned by
// Stderr. A nonzero exit or a timeout always ends the stream with a terminal
// error from Err, carrying the stderr text when there was any.
type Stream struct {
	C <-chan string

	ch        chan string
	closed    chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	res    Result
	err    error
	stderr string
}

// Stream authorizes and starts req, then returns while the process runs.
// Authorization and spawn failures are returned directly; failures after
// the process started (timeout, nonzero exit, integrity) are reported by Err
// once C is closed.
func (r *Runner) Stream(ctx context.Context, req Request) (*Stream, error) {
	c, err := r.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	stdout, err := c.cmd.StdoutPipe()
	if err != nil {
		c.close()
		return nil, &gateerr.SpawnError{Command: c.args, Err: err}
	}
	stderr := newCapture(r.maxOutput)
	c.cmd.Stderr = stderr

	if err := c.startProcess(); err != nil {
		c.close()
		return nil, err
	}

	ch := make(chan string)
	s := &Stream{
		C:      ch,
		ch:     ch,
		closed: make(chan struct{}),
		cancel: c.cancel,
		done:   make(chan struct{}),
	}
	go s.produce(c, stdout, stderr)
	return s, nil
}

func (s *Stream) produce(c *call, stdout io.Reader, stderr *capture) {
	defer close(s.ch)
	defer close(s.done)
	defer c.close()

	reader := bufio.NewReader(stdout)
	for {
		line, err := reader.ReadString('\n')
		if line != "" && !s.send(line) {
			break
		}
		if err != nil {
			break
		}
	}

	// Stdout was delivered through C, so the result carries none.
	res, err := c.finish(c.cmd.Wait(), &capture{}, stderr)
	if err == nil && res.Kind == KindErrorOutput {
		err = streamError(c, res)
	}
	s.res, s.err = res, err
	s.stderr = stderr.String()
}

// streamError turns a salvaged-stderr result into the terminal error of a
// stream.
func streamError(c *call, res Result) error {
	if res.TimedOut {
		return &gateerr.TimeoutError{Command: c.args, Timeout: c.timeout, Stderr: res.Stderr}
	}
	return &gateerr.FailureError{Command: c.args, ExitCode: res.ExitCode, Stderr: res.Stderr}
}

// send blocks until the consumer receives chunk or the stream is closed.
// A timeout does not interrupt it: output already read still reaches the
// consumer.
func (s *Stream) send(chunk string) bool {
	select {
	case s.ch <- chunk:
		return true
	case <-s.closed:
		return false
	}
}

// Close stops the stream, killing the process if it is still running, and
// waits for cleanup. It is safe to call more than once and after C closed.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
	})
	<-s.done
	return nil
}

// Err returns the terminal error, if any. It is nil until the stream has
// finished; C being closed guarantees it has.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Result returns the final result once the stream has finished successfully.
// Stdout is empty because it was delivered through C.
func (s *Stream) Result() (Result, bool) {
	select {
	case <-s.done:
		return s.res, s.err == nil
	default:
		return Result{}, false
	}
}

// Stderr returns the accumulated stderr once the stream has finished,
// including when it ended with an error.
func (s *Stream) Stderr() string {
	select {
	case <-s.done:
		return s.stderr
	default:
		return ""
	}
}

// All adapts the stream to a range-over-func sequence. A terminal error is
// yielded last with an empty chunk. Breaking out of the loop closes the stream.
func (s *Stream) All() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		defer s.Close()
		for chunk := range s.C {
			if !yield(chunk, nil) {
				return
			}
		}
		if err := s.Err(); err != nil {
			yield("", err)
		}
	}
}

// Collect drains the stream and concatenates every chunk.
func (s *Stream) Collect() (string, error) {
	var out []byte
	for chunk, err := range s.All() {
		if err != nil {
			return string(out), err
		}
		out = append(out, chunk...)
	}
	return string(out), nil
}
