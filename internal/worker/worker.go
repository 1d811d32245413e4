package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils" // Using the SafeCommand wrapper
	"golang.org/x/image/draw"
)

// Request opcodes understood by the inference process.
const (
	OpDetect    byte = 1
	OpLandmarks byte = 2
	OpExtract   byte = 3
)

const (
	statusOK    byte = 0
	statusError byte = 1
)

// maxResponse caps a single response body so a corrupt header cannot make us allocate gigabytes.
const maxResponse = 64 * 1024 * 1024

// ErrWorkerExited means the inference process is gone or no longer usable:
// it closed its data pipe, or a reply was lost (timeout, partial frame) and the
// stream can no longer be trusted.
var ErrWorkerExited = errors.New("inference worker exited")

// RemoteError is a failure reported by the inference process itself.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return "inference worker error: " + e.Msg }

// Config controls how the inference process is launched.
type Config struct {
	// Command is the program and arguments, e.g. ["python3", "-u", "python/kpu_worker.py"].
	Command            []string
	DetectionThreshold float64
	ReadTimeout        time.Duration
	// DescriptorDim is the expected extractor output length, passed to the process.
	DescriptorDim int
}

// InferenceWorker talks to one external process hosting the detector,
// landmark and descriptor models.
//
// Protocol, both directions: [uint32 big-endian length][body].
// Request body:  [op][uint32 width][uint32 height][width*height*4 RGBA bytes]
// Response body: [status]... where status 1 is followed by [uint32 len][message].
type InferenceWorker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration

	// broken is set once a request/response pair is lost; the pipe may still
	// hold a late reply, so no further request is issued.
	broken error
}

// NewInferenceWorker starts the inference process.
func NewInferenceWorker(ctx context.Context, id int, cfg Config) (*InferenceWorker, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("no inference worker command configured")
	}
	args := append([]string{}, cfg.Command[1:]...)
	args = append(args,
		"--detection-threshold", strconv.FormatFloat(cfg.DetectionThreshold, 'f', -1, 64),
		"--descriptor-dim", strconv.Itoa(cfg.DescriptorDim),
	)
	proc := utils.NewSafeCommand(ctx, cfg.Command[0], args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	proc.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := proc.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &InferenceWorker{
		ID:          id,
		Cmd:         proc,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
	}, nil
}

// Detect runs the face detector on a full frame.
func (w *InferenceWorker) Detect(ctx context.Context, frame image.Image) ([]types.Detection, error) {
	body, err := w.roundTrip(ctx, OpDetect, frame)
	if err != nil {
		return nil, err
	}
	return decodeDetections(body)
}

// Landmarks runs the 5-point landmark model on a face crop.
func (w *InferenceWorker) Landmarks(ctx context.Context, crop image.Image) ([]float64, error) {
	body, err := w.roundTrip(ctx, OpLandmarks, crop)
	if err != nil {
		return nil, err
	}
	vals, err := decodeFloats(body)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = float64(v)
	}
	return out, nil
}

// Extract runs the descriptor model on a canonical face.
func (w *InferenceWorker) Extract(ctx context.Context, face image.Image) (types.Descriptor, error) {
	body, err := w.roundTrip(ctx, OpExtract, face)
	if err != nil {
		return nil, err
	}
	vals, err := decodeFloats(body)
	if err != nil {
		return nil, err
	}
	return types.Descriptor(vals), nil
}

func (w *InferenceWorker) roundTrip(ctx context.Context, op byte, img image.Image) (*bytes.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if w.broken != nil {
		return nil, w.broken
	}
	if err := w.send(encodeRequest(op, img)); err != nil {
		return nil, w.fail(fmt.Errorf("write: %w", err))
	}
	resp, err := w.receive()
	if err != nil {
		return nil, w.fail(err)
	}
	return parseStatus(resp)
}

// fail marks the worker unusable after the stream lost sync with the process.
func (w *InferenceWorker) fail(err error) error {
	if !errors.Is(err, ErrWorkerExited) {
		err = fmt.Errorf("%w: %w", ErrWorkerExited, err)
	}
	w.broken = err
	if w.Cmd != nil && w.Cmd.Process != nil {
		_ = w.Cmd.Process.Kill()
	}
	return err
}

func (w *InferenceWorker) send(data []byte) error {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Stdin.Write(data)
	return err
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

func (w *InferenceWorker) receive() ([]byte, error) {
	if d, ok := w.DataPipe.(deadliner); ok && w.ReadTimeout > 0 {
		_ = d.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		defer d.SetReadDeadline(time.Time{})
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, w.readErr(err)
	}
	n := binary.BigEndian.Uint32(header)
	if n > maxResponse {
		return nil, fmt.Errorf("response of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(w.DataPipe, body); err != nil {
		return nil, w.readErr(err)
	}
	return body, nil
}

func (w *InferenceWorker) readErr(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: no reply within %s: %w", ErrWorkerExited, w.ReadTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrWorkerExited, err)
}

// Close shuts the process down and waits for it.
func (w *InferenceWorker) Close() {
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}

func toRGBA(img image.Image) *image.RGBA {
	if m, ok := img.(*image.RGBA); ok && m.Rect.Min == (image.Point{}) && m.Stride == 4*m.Rect.Dx() {
		return m
	}
	b := img.Bounds()
	m := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(m, m.Bounds(), img, b.Min, draw.Src)
	return m
}

func encodeRequest(op byte, img image.Image) []byte {
	m := toRGBA(img)
	buf := make([]byte, 9, 9+len(m.Pix))
	buf[0] = op
	binary.BigEndian.PutUint32(buf[1:5], uint32(m.Rect.Dx()))
	binary.BigEndian.PutUint32(buf[5:9], uint32(m.Rect.Dy()))
	return append(buf, m.Pix...)
}

func parseStatus(resp []byte) (*bytes.Reader, error) {
	if len(resp) == 0 {
		return nil, errors.New("empty response from inference worker")
	}
	r := bytes.NewReader(resp[1:])
	switch resp[0] {
	case statusOK:
		return r, nil
	case statusError:
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		return nil, &RemoteError{Msg: string(msg)}
	default:
		return nil, fmt.Errorf("unknown response status %d", resp[0])
	}
}

// detection layout: [4]int32 x, y, w, h then float32 confidence
func decodeDetections(r *bytes.Reader) ([]types.Detection, error) {
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("malformed detection count: %w", err)
	}
	// 20 bytes per detection
	if int64(count)*20 > int64(r.Len()) {
		return nil, fmt.Errorf("detection count %d exceeds payload", count)
	}
	dets := make([]types.Detection, 0, count)
	for i := uint32(0); i < count; i++ {
		var box [4]int32
		var conf float32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("malformed detection %d: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &conf); err != nil {
			return nil, fmt.Errorf("malformed detection %d: %w", i, err)
		}
		dets = append(dets, types.Detection{
			Box:        types.BoundingBox{X: int(box[0]), Y: int(box[1]), W: int(box[2]), H: int(box[3])},
			Confidence: float64(conf),
		})
	}
	return dets, nil
}

func decodeFloats(r *bytes.Reader) ([]float32, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("malformed vector length: %w", err)
	}
	if int64(n)*4 > int64(r.Len()) {
		return nil, fmt.Errorf("vector length %d exceeds payload", n)
	}
	out := make([]float32, n)
	for i := range out {
		var bits uint32
		if err := binary.Read(r, binary.BigEndian, &bits); err != nil {
			return nil, err
		}
		out[i] = math.Float32frombits(bits)
	}
	return out, nil
}
