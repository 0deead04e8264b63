package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/menta2k/cover-identifier/pkg/types"
)

// MockCloser wraps a bytes.Buffer so it can stand in for an OS pipe.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func okResponse(vec []float32) []byte {
	body := new(bytes.Buffer)
	body.WriteByte(statusOK)
	binary.Write(body, binary.BigEndian, uint32(len(vec)))
	binary.Write(body, binary.BigEndian, vec)
	return frame(body.Bytes())
}

func errResponse(msg string) []byte {
	body := new(bytes.Buffer)
	body.WriteByte(statusError)
	binary.Write(body, binary.BigEndian, uint32(len(msg)))
	body.WriteString(msg)
	return frame(body.Bytes())
}

func frame(body []byte) []byte {
	out := binary.BigEndian.AppendUint32(nil, uint32(len(body)))
	return append(out, body...)
}

var small = types.Tensor{Shape: []int{1, 1, 2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}}

func TestInferProtocol(t *testing.T) {
	stdin := &MockCloser{Buffer: new(bytes.Buffer)}
	data := &MockCloser{Buffer: bytes.NewBuffer(okResponse([]float32{0.5, -1, 2}))}
	p := &Process{ID: 1, stdin: stdin, dataPipe: data}

	vec, err := p.Infer(context.Background(), small)
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.5 || vec[2] != 2 {
		t.Errorf("Unexpected vector %v", vec)
	}

	sent := stdin.Bytes()
	// length + rank + 4 dims + 6 samples
	wantBody := 4 + 4*4 + 6*4
	if len(sent) != 4+wantBody {
		t.Fatalf("Expected %d bytes sent, got %d", 4+wantBody, len(sent))
	}
	if got := binary.BigEndian.Uint32(sent[:4]); got != uint32(wantBody) {
		t.Errorf("Expected length header %d, got %d", wantBody, got)
	}
	if rank := binary.BigEndian.Uint32(sent[4:8]); rank != 4 {
		t.Errorf("Expected rank 4, got %d", rank)
	}
	last := math.Float32frombits(binary.BigEndian.Uint32(sent[len(sent)-4:]))
	if last != 6 {
		t.Errorf("Expected last sample 6, got %f", last)
	}
}

func TestInferWorkerError(t *testing.T) {
	p := &Process{
		ID:       1,
		stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		dataPipe: &MockCloser{Buffer: bytes.NewBuffer(errResponse("interpreter: bad input shape"))},
	}

	_, err := p.Infer(context.Background(), small)
	if err == nil || !strings.Contains(err.Error(), "bad input shape") {
		t.Fatalf("Expected worker error, got %v", err)
	}
	if p.dead {
		t.Error("An application error must not mark the worker dead")
	}
}

func TestInferDeadWorker(t *testing.T) {
	p := &Process{
		ID:       2,
		stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		dataPipe: &MockCloser{Buffer: new(bytes.Buffer)}, // EOF immediately
		stderr:   &syncBuffer{},
	}
	p.stderr.Write([]byte("ModuleNotFoundError: No module named 'tflite_runtime'\n"))

	_, err := p.Infer(context.Background(), small)
	if err == nil || !errors.Is(err, io.EOF) {
		t.Fatalf("Expected EOF, got %v", err)
	}
	if !strings.Contains(err.Error(), "tflite_runtime") {
		t.Errorf("Expected stderr in error, got %v", err)
	}
	if _, err := p.Infer(context.Background(), small); !errors.Is(err, ErrWorkerDead) {
		t.Errorf("Expected ErrWorkerDead, got %v", err)
	}
}

func TestInferTimeout(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	p := &Process{
		ID:       3,
		stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		dataPipe: r,
		timeout:  20 * time.Millisecond,
	}

	_, err := p.Infer(context.Background(), small)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
	if !p.dead {
		t.Error("Expected timed out worker to be marked dead")
	}
}

func TestInferRejectsBadTensor(t *testing.T) {
	p := &Process{stdin: &MockCloser{Buffer: new(bytes.Buffer)}, dataPipe: &MockCloser{Buffer: new(bytes.Buffer)}}
	if _, err := p.Infer(context.Background(), types.Tensor{Shape: []int{2, 2}, Data: []float32{1}}); err == nil {
		t.Error("Expected shape mismatch error")
	}
}

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"empty", nil},
		{"short count", []byte{statusOK, 0, 0}},
		{"count mismatch", append([]byte{statusOK, 0, 0, 0, 2}, 0, 0, 0, 0)},
		{"unknown status", []byte{7, 0, 0, 0, 0}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := decodeResponse(tc.body); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestStartRequiresCommand(t *testing.T) {
	if _, err := Start(0, Config{}); err == nil {
		t.Error("Expected error without a command")
	}
}

// TestHelperProcess is not a real test; it is the worker started by
// TestRealProcess. It answers every request with the per-channel sums.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("COVERID_WANT_HELPER_PROCESS") != "1" {
		return
	}
	out := os.NewFile(3, "data")
	for {
		var n uint32
		if err := binary.Read(os.Stdin, binary.BigEndian, &n); err != nil {
			os.Exit(0)
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(os.Stdin, payload); err != nil {
			os.Exit(1)
		}
		rank := binary.BigEndian.Uint32(payload[:4])
		samples := payload[4+4*rank:]

		var sums [3]float32
		for i := 0; i*4 < len(samples); i++ {
			sums[i%3] += math.Float32frombits(binary.BigEndian.Uint32(samples[i*4:]))
		}
		out.Write(okResponse(sums[:]))
	}
}

func TestRealProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping subprocess test in short mode")
	}
	t.Setenv("COVERID_WANT_HELPER_PROCESS", "1")

	p, err := Start(7, Config{
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$"},
		Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Close()

	for i := 0; i < 3; i++ {
		vec, err := p.Infer(context.Background(), small)
		if err != nil {
			t.Fatalf("Infer %d failed: %v\n%s", i, err, p.Stderr())
		}
		if len(vec) != 3 || vec[0] != 5 || vec[1] != 7 || vec[2] != 9 {
			t.Fatalf("Unexpected sums %v", vec)
		}
	}
}
