// Package worker runs the feature extractor in an external process, for
// models no Go binding can load (for example a TFLite interpreter).
//
// Requests go to the child's stdin, responses come back on file descriptor 3
// so the child's stdout and stderr stay free for logging. All integers are
// big-endian uint32 and all samples float32.
//
//	request:  [len][rank][dim...][sample...]
//	response: [len][status=0][n][sample...]
//	          [len][status=1][msgLen][msg]
package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/menta2k/cover-identifier/pkg/types"
)

const (
	statusOK    = 0
	statusError = 1

	// maxResponse bounds a single response body.
	maxResponse = 64 << 20
)

// ErrWorkerDead is returned after the process exited or was killed.
var ErrWorkerDead = errors.New("inference worker is not running")

// Config describes the command to start
type Config struct {
	Command string
	Args    []string
	// Timeout bounds a single inference; 0 disables it.
	Timeout time.Duration
}

// Process is one running worker. It serves one request at a time; put
// several behind an embedding.Pool for parallelism.
type Process struct {
	ID       int
	cmd      *exec.Cmd
	stderr   *syncBuffer
	stdin    io.WriteCloser
	dataPipe io.ReadCloser
	timeout  time.Duration

	mu   sync.Mutex
	dead bool
}

// Start launches the worker process.
func Start(id int, cfg Config) (*Process, error) {
	if cfg.Command == "" {
		return nil, errors.New("worker command is required")
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	stderr := &syncBuffer{}
	cmd.Stderr = stderr

	// Side-channel pipe for responses. The child sees the write end as FD 3.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{w}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Only the child keeps the write end open.
	w.Close()

	return &Process{
		ID:       id,
		cmd:      cmd,
		stderr:   stderr,
		stdin:    stdin,
		dataPipe: r,
		timeout:  cfg.Timeout,
	}, nil
}

// Infer sends t to the worker and returns the raw output vector.
func (p *Process) Infer(ctx context.Context, t types.Tensor) ([]float32, error) {
	if t.Len() != len(t.Data) {
		return nil, fmt.Errorf("tensor data length %d does not match shape %v", len(t.Data), t.Shape)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return nil, ErrWorkerDead
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	type result struct {
		vec []float32
		err error
	}
	done := make(chan result, 1)
	go func() {
		vec, err := p.communicate(encodeRequest(t))
		done <- result{vec, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && isTransportError(r.err) {
			p.dead = true
			return nil, p.withStderr(fmt.Errorf("worker %d: %w", p.ID, r.err))
		}
		return r.vec, r.err
	case <-ctx.Done():
		// The protocol stream is out of sync once a response is abandoned.
		p.kill()
		<-done
		return nil, fmt.Errorf("worker %d: %w", p.ID, ctx.Err())
	}
}

func (p *Process) communicate(payload []byte) ([]float32, error) {
	if err := binary.Write(p.stdin, binary.BigEndian, uint32(len(payload))); err != nil {
		return nil, &transportError{err}
	}
	if _, err := p.stdin.Write(payload); err != nil {
		return nil, &transportError{err}
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(p.dataPipe, header); err != nil {
		return nil, &transportError{err}
	}
	respLen := binary.BigEndian.Uint32(header)
	if respLen == 0 || respLen > maxResponse {
		return nil, &transportError{fmt.Errorf("invalid response length %d", respLen)}
	}
	body := make([]byte, respLen)
	if _, err := io.ReadFull(p.dataPipe, body); err != nil {
		return nil, &transportError{err}
	}
	return decodeResponse(body)
}

// Stderr returns everything the worker wrote to stderr so far
func (p *Process) Stderr() string {
	if p.stderr == nil {
		return ""
	}
	return p.stderr.String()
}

func (p *Process) withStderr(err error) error {
	if logs := p.Stderr(); logs != "" {
		return fmt.Errorf("%w\nworker stderr:\n%s", err, tail(logs, 2048))
	}
	return err
}

func (p *Process) kill() {
	p.dead = true
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	p.dataPipe.Close()
}

// Close stops the worker and waits for it to exit
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dead = true

	p.stdin.Close()
	p.dataPipe.Close()
	if p.cmd == nil {
		return nil
	}
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Killed workers and workers that exit non-zero on EOF are expected here.
		return nil
	}
	return err
}

func encodeRequest(t types.Tensor) []byte {
	buf := make([]byte, 0, 4+4*len(t.Shape)+4*len(t.Data))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(t.Shape)))
	for _, d := range t.Shape {
		buf = binary.BigEndian.AppendUint32(buf, uint32(d))
	}
	for _, v := range t.Data {
		buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return buf
}

func decodeResponse(body []byte) ([]float32, error) {
	r := bytes.NewReader(body)
	status, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("truncated response: %w", err)
	}

	switch status {
	case statusOK:
		if int(n)*4 != r.Len() {
			return nil, fmt.Errorf("response declares %d samples but carries %d bytes", n, r.Len())
		}
		vec := make([]float32, n)
		if err := binary.Read(r, binary.BigEndian, vec); err != nil {
			return nil, err
		}
		return vec, nil
	case statusError:
		msg := make([]byte, n)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("truncated error message: %w", err)
		}
		return nil, fmt.Errorf("worker error: %s", msg)
	default:
		return nil, fmt.Errorf("unknown response status %d", status)
	}
}

type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func isTransportError(err error) bool {
	var te *transportError
	return errors.As(err, &te)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// syncBuffer is a bytes.Buffer safe for the exec copier and readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
