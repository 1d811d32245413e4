package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
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

// newMockWorker returns a worker whose data pipe is pre-filled with one framed response.
func newMockWorker(payload []byte) (*InferenceWorker, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	if payload != nil {
		binary.Write(dataPipeMock, binary.BigEndian, uint32(len(payload)))
		dataPipeMock.Write(payload)
	}
	// Cmd is nil because we aren't testing process management, just the protocol
	return &InferenceWorker{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}, stdinMock
}

func testFrame(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.SetRGBA(1, 0, color.RGBA{R: 9, G: 8, B: 7, A: 255})
	return img
}

func TestDetect(t *testing.T) {
	// Protocol: [Status:0] [Count] ([Box] [Conf])...
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(2))
	binary.Write(payload, binary.BigEndian, [4]int32{10, 20, 30, 40})
	binary.Write(payload, binary.BigEndian, float32(0.9))
	binary.Write(payload, binary.BigEndian, [4]int32{50, 60, 70, 80})
	binary.Write(payload, binary.BigEndian, float32(0.75))

	w, stdinMock := newMockWorker(payload.Bytes())

	dets, err := w.Detect(context.Background(), testFrame(4, 3))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// Verify Go sent the correct data TO the worker
	sent := stdinMock.Bytes()
	wantBody := 1 + 8 + 4*3*4
	if len(sent) != 4+wantBody {
		t.Fatalf("Expected %d bytes sent, got %d", 4+wantBody, len(sent))
	}
	if n := binary.BigEndian.Uint32(sent[:4]); int(n) != wantBody {
		t.Errorf("length header = %d, want %d", n, wantBody)
	}
	if sent[4] != OpDetect {
		t.Errorf("op = %d, want %d", sent[4], OpDetect)
	}
	if wd, ht := binary.BigEndian.Uint32(sent[5:9]), binary.BigEndian.Uint32(sent[9:13]); wd != 4 || ht != 3 {
		t.Errorf("dimensions = %dx%d, want 4x3", wd, ht)
	}
	// Pixel (1,0) starts at byte 4 of the pixel data
	if px := sent[13+4 : 13+8]; !bytes.Equal(px, []byte{9, 8, 7, 255}) {
		t.Errorf("pixel (1,0) = %v", px)
	}

	if len(dets) != 2 {
		t.Fatalf("Expected 2 detections, got %d", len(dets))
	}
	if dets[1].Box.X != 50 || dets[1].Box.H != 80 {
		t.Errorf("second box = %+v", dets[1].Box)
	}
	if math.Abs(dets[0].Confidence-0.9) > 1e-6 {
		t.Errorf("confidence = %v, want 0.9", dets[0].Confidence)
	}
}

func TestDetectNoFaces(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(0))

	w, _ := newMockWorker(payload.Bytes())
	dets, err := w.Detect(context.Background(), testFrame(2, 2))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(dets) != 0 {
		t.Errorf("Expected no detections, got %d", len(dets))
	}
}

func vectorPayload(vals []float32) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(len(vals)))
	binary.Write(payload, binary.BigEndian, vals)
	return payload.Bytes()
}

func TestLandmarksAndExtract(t *testing.T) {
	raw := []float32{0.5, -1, 2, 0, 0, 0, 0, 0, 0, 3}
	w, stdinMock := newMockWorker(vectorPayload(raw))

	lm, err := w.Landmarks(context.Background(), testFrame(8, 8))
	if err != nil {
		t.Fatalf("Landmarks failed: %v", err)
	}
	if stdinMock.Bytes()[4] != OpLandmarks {
		t.Errorf("op = %d, want %d", stdinMock.Bytes()[4], OpLandmarks)
	}
	if len(lm) != 10 || lm[0] != 0.5 || lm[9] != 3 {
		t.Errorf("Landmarks() = %v", lm)
	}

	vec := make([]float32, 32)
	vec[0] = 0.25
	w, _ = newMockWorker(vectorPayload(vec))
	desc, err := w.Extract(context.Background(), testFrame(8, 8))
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(desc) != 32 || desc[0] != 0.25 {
		t.Errorf("Extract() returned %d values, first %v", len(desc), desc[0])
	}
}

func TestRemoteError(t *testing.T) {
	// Protocol: [Status:1] [MsgLen] [Msg]
	payload := new(bytes.Buffer)
	payload.WriteByte(1)
	errMsg := "model not loaded"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)

	w, _ := newMockWorker(payload.Bytes())
	_, err := w.Extract(context.Background(), testFrame(2, 2))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Msg != errMsg {
		t.Errorf("Expected RemoteError %q, got %v", errMsg, err)
	}
	if err.Error() != "inference worker error: "+errMsg {
		t.Errorf("unexpected message: %v", err)
	}
	if errors.Is(err, ErrWorkerExited) {
		t.Error("a remote error must not look like an exited worker")
	}
}

func TestWorkerExited(t *testing.T) {
	// Nothing in the data pipe: the process is gone
	w, _ := newMockWorker(nil)
	_, err := w.Detect(context.Background(), testFrame(2, 2))
	if !errors.Is(err, ErrWorkerExited) {
		t.Fatalf("Expected ErrWorkerExited, got %v", err)
	}

	// Truncated body
	w, _ = newMockWorker(nil)
	dp := w.DataPipe.(*MockCloser)
	binary.Write(dp, binary.BigEndian, uint32(100))
	dp.Write([]byte{0, 1, 2})
	if _, err := w.Detect(context.Background(), testFrame(2, 2)); !errors.Is(err, ErrWorkerExited) {
		t.Fatalf("Expected ErrWorkerExited for truncated body, got %v", err)
	}
}

func TestLateReplyIsNeverReadAsTheNextAnswer(t *testing.T) {
	dataR, dataW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer dataR.Close()
	defer dataW.Close()

	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	w := &InferenceWorker{ID: 1, Stdin: stdinMock, DataPipe: dataR, ReadTimeout: 50 * time.Millisecond}

	// The landmark reply shows up after the deadline has passed
	late := vectorPayload(make([]float32, 10))
	written := make(chan struct{})
	go func() {
		defer close(written)
		time.Sleep(150 * time.Millisecond)
		binary.Write(dataW, binary.BigEndian, uint32(len(late)))
		dataW.Write(late)
	}()

	ctx := context.Background()
	_, err = w.Landmarks(ctx, testFrame(2, 2))
	if !errors.Is(err, ErrWorkerExited) || !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("Expected ErrWorkerExited wrapping the deadline, got %v", err)
	}
	<-written
	sent := stdinMock.Len()

	desc, err := w.Extract(ctx, testFrame(2, 2))
	if !errors.Is(err, ErrWorkerExited) {
		t.Fatalf("Expected ErrWorkerExited after a lost reply, got desc len %d, err %v", len(desc), err)
	}
	if desc != nil {
		t.Errorf("stale reply returned as a descriptor (len %d)", len(desc))
	}
	if stdinMock.Len() != sent {
		t.Errorf("request written to a worker whose previous reply is still outstanding")
	}
}

func TestMalformedResponses(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty body", []byte{}},
		{"unknown status", []byte{7}},
		{"count exceeds payload", append([]byte{0}, 0, 0, 0, 5)},
		{"missing count", []byte{0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := newMockWorker(tt.payload)
			if _, err := w.Detect(context.Background(), testFrame(2, 2)); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestCancelledContextSendsNothing(t *testing.T) {
	w, stdinMock := newMockWorker(vectorPayload([]float32{1}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := w.Extract(ctx, testFrame(2, 2)); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if stdinMock.Len() != 0 {
		t.Errorf("request written despite cancelled context")
	}
}

func TestToRGBAHandlesOffsetImages(t *testing.T) {
	src := image.NewRGBA(image.Rect(10, 10, 14, 12))
	src.SetRGBA(10, 10, color.RGBA{R: 1, A: 255})
	m := toRGBA(src)
	if m.Rect.Min != (image.Point{}) || m.Rect.Dx() != 4 || m.Rect.Dy() != 2 {
		t.Fatalf("toRGBA bounds = %v", m.Rect)
	}
	if m.RGBAAt(0, 0).R != 1 {
		t.Errorf("origin pixel not carried over")
	}
}
