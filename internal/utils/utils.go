package utils

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (worker logs)
// This ensures we don't lose critical crash information if a worker dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
// The process is killed when ctx is cancelled.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// Die is the unified exit strategy for FaceGate.
// It prints a formatted error box and dumps worker logs if a SafeCommand is provided.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// ShowError prints the same error box as Die without exiting.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 FACEGATE ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nWORKER CRASH LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// --- 2. Frame Source ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// IsDevice reports whether source names a V4L2 capture device rather than a file.
func IsDevice(source string) bool {
	return strings.HasPrefix(source, "/dev/video")
}

// GetTotalFrames uses ffprobe to count packets for the progress bar
// It returns 0 for live devices or if the count fails, allowing the caller to fallback to a spinner.
func GetTotalFrames(path string) int {
	if IsDevice(path) {
		return 0
	}
	// 0. Check dependency
	if _, err := exec.LookPath("ffprobe"); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  ffprobe not found. Cannot provide a progress bar estimation because of this.\n")
		return 0
	}

	// Helper struct for structured JSON parsing
	type ffprobeOutput struct {
		Streams []struct {
			NbFrames      string `json:"nb_frames"`
			NbReadPackets string `json:"nb_read_packets"`
		} `json:"streams"`
	}

	// 1. Fast Path: Check Container Metadata
	cmdFast := exec.Command("ffprobe", "-v", "error", "-select_streams", "v:0", "-show_entries", "stream=nb_frames", "-of", "json", path)
	if out, err := cmdFast.Output(); err == nil {
		var res ffprobeOutput
		if json.Unmarshal(out, &res) == nil && len(res.Streams) > 0 {
			if count, err := strconv.Atoi(res.Streams[0].NbFrames); err == nil && count > 0 {
				return count
			}
		}
	}

	// 2. Slow Path: Count Packets (Fallback)
	fmt.Fprintf(os.Stderr, "⏳ Metadata missing. Counting frames (this may take a moment)...\n")
	cmd := exec.Command("ffprobe", "-v", "error", "-select_streams", "v:0", "-count_packets",
		"-show_entries", "stream=nb_read_packets", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ffprobe failed: %v\n", err)
		return 0
	}

	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil || len(res.Streams) == 0 {
		return 0
	}
	count, err := strconv.Atoi(res.Streams[0].NbReadPackets)
	if err != nil {
		return 0
	}
	return count
}

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// FFmpegArgs builds the decoder arguments for a camera device or a video file.
// Frames are scaled to width x height and written to Stdout as MJPEG.
func FFmpegArgs(source string, width, height, fps int) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if IsDevice(source) {
		args = append(args, "-f", "v4l2", "-video_size", fmt.Sprintf("%dx%d", width, height))
		if fps > 0 {
			args = append(args, "-framerate", strconv.Itoa(fps))
		}
	} else if fps > 0 {
		// Pace files at their native rate so they behave like a camera
		args = append(args, "-re")
	}
	args = append(args, "-i", source, "-vf", fmt.Sprintf("scale=%d:%d", width, height))
	return append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-")
}

// NewFFmpegCmd creates a standard decoder pipe
// It configures FFmpeg to output raw MJPEG frames to Stdout for ingestion.
func NewFFmpegCmd(ctx context.Context, source string, width, height, fps int) *SafeCommand {
	return NewSafeCommand(ctx, "ffmpeg", FFmpegArgs(source, width, height, fps)...)
}

// GenerateSourceID creates a deterministic hash for a frame source.
// Files hash their path, size, and modification time; devices hash their path.
func GenerateSourceID(path string) (string, error) {
	input := path
	if !IsDevice(path) {
		info, err := os.Stat(path)
		if err != nil {
			return "", err
		}
		input = fmt.Sprintf("%s-%d-%d", path, info.Size(), info.ModTime().UnixNano())
	}
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:]), nil
}
