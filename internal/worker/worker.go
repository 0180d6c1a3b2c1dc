package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/facecanvas/internal/types"
	"github.com/andresmejia3/facecanvas/internal/utils" // Using the SafeCommand wrapper
)

// Flags select the optional outputs the worker computes for a frame.
type Flags uint8

const (
	FlagLandmarks Flags = 1 << iota
	FlagDescriptors
	FlagExpressions
)

const (
	statusOK    = 0
	statusError = 1

	// Guards against a corrupted length header allocating gigabytes
	maxResponseBytes = 64 * 1024 * 1024
)

// Config controls how the inference process is launched.
type Config struct {
	// Command is the argv of the worker; ModelsDir is appended as --models.
	Command     []string
	ModelsDir   string
	ReadTimeout time.Duration
}

// deadliner is implemented by *os.File pipes.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// ErrBroken is returned once an exchange has failed mid-frame. The pipe may
// still hold the late reply, so the process can no longer be trusted.
var ErrBroken = errors.New("worker stream out of sync")

// RemoteError is a status 1 reply. The stream stays in sync after one.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return "python worker error: " + e.Msg }

// PythonWorker is a face inference subprocess speaking the framed binary protocol:
//
//	request:  [u32 len][u8 flags][jpeg bytes]
//	response: [u32 len][u8 status][body]
//
// A status 0 body is [u32 faces] followed by, per face:
// [4]f32 box (x,y,w,h), f32 score, [u32 n][n][2]f32 landmarks,
// [u32 d][d]f32 descriptor, [u32 m] m * ([u8 len][name][f32 prob]) expressions.
// A status 1 body is [u32 len][message].
type PythonWorker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration

	broken bool
}

// NewPythonWorker starts the worker process. Results come back on FD 3 so any
// library chatter on stdout/stderr cannot corrupt the protocol.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("worker %d: no command configured", id)
	}
	args := append([]string{}, cfg.Command[1:]...)
	if cfg.ModelsDir != "" {
		args = append(args, "--models", cfg.ModelsDir)
	}
	py := utils.NewSafeCommand(ctx, cfg.Command[0], args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
	}, nil
}

// Communicate sends one framed request and reads one framed response. The read
// gives up at the earlier of ReadTimeout and the ctx deadline, or when ctx is
// cancelled. Any failure here leaves the worker broken.
func (w *PythonWorker) Communicate(ctx context.Context, data []byte) (resp []byte, err error) {
	if w.broken {
		return nil, ErrBroken
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			w.broken = true
		}
	}()

	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	d, canDeadline := w.DataPipe.(deadliner)
	if canDeadline {
		var deadline time.Time
		if w.ReadTimeout > 0 {
			deadline = time.Now().Add(w.ReadTimeout)
		}
		if cd, ok := ctx.Deadline(); ok && (deadline.IsZero() || cd.Before(deadline)) {
			deadline = cd
		}
		d.SetReadDeadline(deadline)
		defer d.SetReadDeadline(time.Time{})
	}
	// Unblock the read on cancellation. Pipes without deadlines are closed instead.
	stop := context.AfterFunc(ctx, func() {
		if canDeadline {
			d.SetReadDeadline(time.Now())
		} else {
			w.DataPipe.Close()
		}
	})
	defer stop()

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, readErr(ctx, err) // This is where we catch an import-time crash of the worker
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponseBytes {
		return nil, fmt.Errorf("worker response too large: %d bytes", respLen)
	}
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, readErr(ctx, err)
	}
	return respBody, nil
}

// readErr reports the context error when it caused the failed read.
func readErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w (%v)", ctxErr, err)
	}
	// The pipe deadline can fire just before the context timer does
	if cd, ok := ctx.Deadline(); ok && !time.Now().Before(cd) {
		return fmt.Errorf("%w (%v)", context.DeadlineExceeded, err)
	}
	return err
}

// Broken reports whether a failed exchange has desynchronized the stream.
func (w *PythonWorker) Broken() bool { return w.broken }

// ProcessFrame runs inference on one JPEG frame.
func (w *PythonWorker) ProcessFrame(ctx context.Context, frame []byte, flags Flags) ([]types.FaceResult, error) {
	req := make([]byte, 0, len(frame)+1)
	req = append(req, byte(flags))
	req = append(req, frame...)

	resp, err := w.Communicate(ctx, req)
	if err != nil {
		return nil, err
	}
	return decodeResponse(resp)
}

func decodeResponse(resp []byte) ([]types.FaceResult, error) {
	r := bufio.NewReader(bytes.NewReader(resp))

	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty worker response: %w", err)
	}
	if status == statusError {
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		return nil, &RemoteError{Msg: string(msg)}
	}
	if status != statusOK {
		return nil, fmt.Errorf("unknown worker status %d", status)
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("malformed face count: %w", err)
	}

	faces := make([]types.FaceResult, 0, count)
	for i := uint32(0); i < count; i++ {
		face, err := decodeFace(r)
		if err != nil {
			return nil, fmt.Errorf("face %d: %w", i, err)
		}
		faces = append(faces, face)
	}
	return faces, nil
}

func decodeFace(r *bufio.Reader) (types.FaceResult, error) {
	var face types.FaceResult

	var box [4]float32
	if err := binary.Read(r, binary.BigEndian, &box); err != nil {
		return face, fmt.Errorf("box: %w", err)
	}
	face.Box = types.Box{X: float64(box[0]), Y: float64(box[1]), Width: float64(box[2]), Height: float64(box[3])}

	var score float32
	if err := binary.Read(r, binary.BigEndian, &score); err != nil {
		return face, fmt.Errorf("score: %w", err)
	}
	face.Score = float64(score)

	n, err := readCount(r)
	if err != nil {
		return face, fmt.Errorf("landmarks: %w", err)
	}
	if n > 0 {
		pts := make([][2]float32, n)
		if err := binary.Read(r, binary.BigEndian, pts); err != nil {
			return face, fmt.Errorf("landmarks: %w", err)
		}
		face.Landmarks = make([]types.Point, n)
		for i, p := range pts {
			face.Landmarks[i] = types.Point{X: float64(p[0]), Y: float64(p[1])}
		}
	}

	d, err := readCount(r)
	if err != nil {
		return face, fmt.Errorf("descriptor: %w", err)
	}
	if d > 0 {
		vec := make([]float32, d)
		if err := binary.Read(r, binary.BigEndian, vec); err != nil {
			return face, fmt.Errorf("descriptor: %w", err)
		}
		face.Descriptor = make([]float64, d)
		for i, v := range vec {
			face.Descriptor[i] = float64(v)
		}
	}

	m, err := readCount(r)
	if err != nil {
		return face, fmt.Errorf("expressions: %w", err)
	}
	if m > 0 {
		face.Expressions = make(map[string]float64, m)
		for i := uint32(0); i < m; i++ {
			l, err := r.ReadByte()
			if err != nil {
				return face, fmt.Errorf("expression name: %w", err)
			}
			name := make([]byte, l)
			if _, err := io.ReadFull(r, name); err != nil {
				return face, fmt.Errorf("expression name: %w", err)
			}
			var prob float32
			if err := binary.Read(r, binary.BigEndian, &prob); err != nil {
				return face, fmt.Errorf("expression %s: %w", name, err)
			}
			if math.IsNaN(float64(prob)) {
				prob = 0
			}
			face.Expressions[strings.ToLower(string(name))] = float64(prob)
		}
	}
	return face, nil
}

func readCount(r io.Reader) (uint32, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return 0, err
	}
	// A count can never exceed the bytes that could follow it
	if n > maxResponseBytes/4 {
		return 0, fmt.Errorf("implausible count %d", n)
	}
	return n, nil
}

// Close shuts the worker down and waits for it to exit. A broken worker may
// still be busy on an abandoned frame, so it is killed.
func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		if w.broken && w.Cmd.Process != nil {
			w.Cmd.Process.Kill()
		}
		w.Cmd.Wait()
	}
}
