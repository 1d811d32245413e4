package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/blackjack/webcam"
)

// MJPEGFormat is the V4L2 FourCC for Motion-JPEG ('MJPG').
const MJPEGFormat webcam.PixelFormat = 0x47504A4D

// ErrNoMJPEG is returned when the device cannot deliver Motion-JPEG frames.
var ErrNoMJPEG = errors.New("camera does not support MJPEG")

// frameGrabber is the part of *webcam.Webcam the stream loop needs.
type frameGrabber interface {
	WaitForFrame(timeout uint32) error
	ReadFrame() ([]byte, error)
}

// Camera captures MJPEG frames straight from a V4L2 device without FFmpeg.
type Camera struct {
	cam     *webcam.Webcam
	grab    frameGrabber
	Width   int
	Height  int
	Timeout uint32 // seconds to wait for one frame
}

// OpenCamera opens device, negotiates MJPEG at (or near) width x height and starts streaming.
func OpenCamera(device string, width, height int) (*Camera, error) {
	cam, err := webcam.Open(device)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", device, err)
	}

	formats := cam.GetSupportedFormats()
	if _, ok := formats[MJPEGFormat]; !ok {
		cam.Close()
		return nil, fmt.Errorf("%s: %w", device, ErrNoMJPEG)
	}

	_, w, h, err := cam.SetImageFormat(MJPEGFormat, uint32(width), uint32(height))
	if err != nil {
		cam.Close()
		return nil, fmt.Errorf("failed to set image format: %w", err)
	}
	if int(w) != width || int(h) != height {
		fmt.Fprintf(os.Stderr, "⚠️  Camera negotiated %dx%d instead of %dx%d\n", w, h, width, height)
	}

	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return nil, fmt.Errorf("failed to start streaming: %w", err)
	}
	return &Camera{cam: cam, grab: cam, Width: int(w), Height: int(h), Timeout: 5}, nil
}

// Stream copies frames to w until ctx is cancelled or the device fails.
// Frame timeouts are reported and retried.
func (c *Camera) Stream(ctx context.Context, w io.Writer) error {
	for ctx.Err() == nil {
		err := c.grab.WaitForFrame(c.Timeout)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			fmt.Fprintf(os.Stderr, "⏳ %v\n", err)
			continue
		default:
			return err
		}

		frame, err := c.grab.ReadFrame()
		if err != nil {
			return err
		}
		if len(frame) == 0 {
			continue
		}
		if _, err := w.Write(frame); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// Close stops streaming and releases the device.
func (c *Camera) Close() error {
	if c.cam == nil {
		return nil
	}
	c.cam.StopStreaming()
	return c.cam.Close()
}
