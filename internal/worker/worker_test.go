package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
	"testing"
	"time"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func newMockWorker(payload []byte) (*PythonWorker, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	binary.Write(dataPipeMock, binary.BigEndian, uint32(len(payload)))
	dataPipeMock.Write(payload)

	return &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
		// Cmd is nil because we aren't testing process management, just the protocol
	}, stdinMock
}

func TestProcessFrame(t *testing.T) {
	// Protocol: [Status:0] [NumFaces:1] [Box] [Score] [Landmarks] [Descriptor] [Expressions]
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(1))

	binary.Write(payload, binary.BigEndian, [4]float32{960, 540, 100, 100})
	binary.Write(payload, binary.BigEndian, float32(0.97))

	binary.Write(payload, binary.BigEndian, uint32(2))
	binary.Write(payload, binary.BigEndian, [2][2]float32{{980, 570}, {1030, 570}})

	vec := [128]float32{}
	vec[0] = 0.5
	binary.Write(payload, binary.BigEndian, uint32(len(vec)))
	binary.Write(payload, binary.BigEndian, vec)

	binary.Write(payload, binary.BigEndian, uint32(1))
	payload.WriteByte(byte(len("Happy")))
	payload.WriteString("Happy")
	binary.Write(payload, binary.BigEndian, float32(0.75))

	w, stdinMock := newMockWorker(payload.Bytes())

	inputFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF} // Fake image bytes
	faces, err := w.ProcessFrame(context.Background(), inputFrame, FlagLandmarks|FlagDescriptors|FlagExpressions)
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}

	// Verify Go sent the correct data TO the worker: header + flags + frame
	sent := stdinMock.Bytes()
	if len(sent) != 4+1+len(inputFrame) {
		t.Fatalf("Expected %d bytes sent, got %d", 4+1+len(inputFrame), len(sent))
	}
	if got := binary.BigEndian.Uint32(sent[:4]); got != uint32(1+len(inputFrame)) {
		t.Errorf("Length header = %d, want %d", got, 1+len(inputFrame))
	}
	if Flags(sent[4]) != FlagLandmarks|FlagDescriptors|FlagExpressions {
		t.Errorf("Flags byte = %08b", sent[4])
	}

	if len(faces) != 1 {
		t.Fatalf("Expected 1 face, got %d", len(faces))
	}
	f := faces[0]
	if f.Box.X != 960 || f.Box.Y != 540 || f.Box.Width != 100 || f.Box.Height != 100 {
		t.Errorf("Unexpected box %+v", f.Box)
	}
	if len(f.Landmarks) != 2 || f.Landmarks[1].X != 1030 {
		t.Errorf("Unexpected landmarks %+v", f.Landmarks)
	}
	if len(f.Descriptor) != 128 || math.Abs(f.Descriptor[0]-0.5) > 1e-9 {
		t.Errorf("Unexpected descriptor (len %d)", len(f.Descriptor))
	}
	if math.Abs(f.Expressions["happy"]-0.75) > 1e-6 {
		t.Errorf("Expected happy ~0.75, got %v", f.Expressions)
	}
}

func TestProcessFrame_NoFaces(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(0))

	w, _ := newMockWorker(payload.Bytes())
	faces, err := w.ProcessFrame(context.Background(), []byte("frame"), 0)
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}
	if len(faces) != 0 {
		t.Errorf("Expected no faces, got %d", len(faces))
	}
}

func TestProcessFrame_Error(t *testing.T) {
	// Protocol: [Status:1] [MsgLen] [Msg]
	payload := new(bytes.Buffer)
	payload.WriteByte(1)

	errMsg := "Python Exception: Import Error"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)

	w, _ := newMockWorker(payload.Bytes())

	_, err := w.ProcessFrame(context.Background(), []byte("frame"), 0)
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Errorf("Expected a RemoteError, got %T", err)
	}
	if w.Broken() {
		t.Error("A worker-side error must not break the stream")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
}

func TestProcessFrame_Truncated(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(1))
	binary.Write(payload, binary.BigEndian, [2]float32{1, 2}) // half a box

	w, _ := newMockWorker(payload.Bytes())
	if _, err := w.ProcessFrame(context.Background(), []byte("frame"), 0); err == nil {
		t.Fatal("Expected error for truncated face record")
	}
}

func TestCommunicate_WorkerCrashed(t *testing.T) {
	w := &PythonWorker{
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: &MockCloser{Buffer: new(bytes.Buffer)}, // nothing to read: the process died
	}
	if _, err := w.Communicate(context.Background(), []byte("x")); err == nil {
		t.Fatal("Expected EOF error from empty data pipe")
	}
}

// facePayload is a status 0 reply carrying one box at x.
func facePayload(x float32) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(1))
	binary.Write(payload, binary.BigEndian, [4]float32{x, 0, 10, 10})
	binary.Write(payload, binary.BigEndian, float32(0.9))
	binary.Write(payload, binary.BigEndian, [3]uint32{0, 0, 0})
	return payload.Bytes()
}

// newPipeWorker wires a PythonWorker to a fake process over real OS pipes, so read
// deadlines apply. The nth request (from 0) is answered after delays[n] with a box at x = 100*(n+1).
func newPipeWorker(t *testing.T, readTimeout time.Duration, delays ...time.Duration) *PythonWorker {
	t.Helper()
	reqR, reqW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	respR, respW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		defer respW.Close()
		for n := 0; ; n++ {
			var size uint32
			if err := binary.Read(reqR, binary.BigEndian, &size); err != nil {
				return
			}
			if _, err := io.CopyN(io.Discard, reqR, int64(size)); err != nil {
				return
			}
			if n < len(delays) {
				time.Sleep(delays[n])
			}
			reply := facePayload(float32(100 * (n + 1)))
			binary.Write(respW, binary.BigEndian, uint32(len(reply)))
			respW.Write(reply)
		}
	}()

	w := &PythonWorker{ID: 1, Stdin: reqW, DataPipe: respR, ReadTimeout: readTimeout}
	t.Cleanup(func() {
		reqW.Close()
		respR.Close()
		reqR.Close()
	})
	return w
}

func TestProcessFrame_LateReplyIsNeverReused(t *testing.T) {
	w := newPipeWorker(t, 50*time.Millisecond, 120*time.Millisecond, 0)

	_, err := w.ProcessFrame(context.Background(), []byte("frame1"), 0)
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("frame1 error = %v, want a read deadline error", err)
	}
	if !w.Broken() {
		t.Fatal("worker should be broken after an abandoned exchange")
	}

	// Give the late reply time to land in the pipe
	time.Sleep(100 * time.Millisecond)

	faces, err := w.ProcessFrame(context.Background(), []byte("frame2"), 0)
	if !errors.Is(err, ErrBroken) {
		t.Fatalf("frame2 error = %v, faces = %+v; want ErrBroken", err, faces)
	}
}

func TestProcessFrame_ContextDeadline(t *testing.T) {
	w := newPipeWorker(t, 5*time.Second, 300*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := w.ProcessFrame(ctx, []byte("frame"), 0)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want context.DeadlineExceeded", err)
	}
	if took := time.Since(start); took > 250*time.Millisecond {
		t.Errorf("ProcessFrame took %v with a 50ms deadline", took)
	}
}

func TestProcessFrame_ContextCancel(t *testing.T) {
	w := newPipeWorker(t, 0, 300*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	start := time.Now()
	_, err := w.ProcessFrame(ctx, []byte("frame"), 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if took := time.Since(start); took > 250*time.Millisecond {
		t.Errorf("cancellation took %v", took)
	}
}

func TestProcessFrame_InSync(t *testing.T) {
	w := newPipeWorker(t, time.Second)

	for n := 1; n <= 3; n++ {
		faces, err := w.ProcessFrame(context.Background(), []byte("frame"), 0)
		if err != nil {
			t.Fatalf("frame %d: %v", n, err)
		}
		if len(faces) != 1 || faces[0].Box.X != float64(100*n) {
			t.Errorf("frame %d got %+v", n, faces)
		}
	}
}
