package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/andresmejia3/facegate/internal/align"
	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/digest"
	"github.com/andresmejia3/facegate/internal/enrollment"
	"github.com/andresmejia3/facegate/internal/match"
	"github.com/andresmejia3/facegate/internal/pipeline"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/andresmejia3/facegate/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

const megabyte = 1024 * 1024

// Options holds the run command's flags. Zero values mean "use the configured value".
type Options struct {
	Source        string
	Capture       string
	Threshold     float64
	BoxScale      float64
	BounceMS      int
	WorkerTimeout string
	DebugFrames   string
	NoLedger      bool
	Verbose       bool
}

var runOpts Options

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Recognize faces from a camera or video and enroll on key press",
	Long: `Runs the recognition loop. Press Enter (or send SIGUSR1) to enroll the face
in the current frame. Each enrollment prints its identity and the SHA-256
digest of its descriptor to stdout; the descriptor itself is never written.`,
	Annotations: map[string]string{annotDB: dbOptional},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := applyRunFlags(cmd, Cfg, runOpts); err != nil {
			utils.ShowError("Invalid options", err, nil)
			return err
		}
		return runRecognition(cmd.Context(), Cfg, runOpts)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runOpts.Source, "input", "i", "", "Camera device (/dev/videoN) or video file (default from config)")
	runCmd.Flags().StringVar(&runOpts.Capture, "capture", "", "Frame capture: 'ffmpeg' (files and devices) or 'v4l2' (MJPEG straight from a device)")
	runCmd.Flags().Float64VarP(&runOpts.Threshold, "threshold", "t", 0, "Match score a face must exceed to be recognized, 0-100 (default 80.5)")
	runCmd.Flags().Float64Var(&runOpts.BoxScale, "box-scale", 0, "Margin added around the detector box on each side, as a fraction of its size")
	runCmd.Flags().IntVar(&runOpts.BounceMS, "bounce-ms", 0, "Ignore enrollment presses closer than this to the last one (default 60)")
	runCmd.Flags().StringVar(&runOpts.WorkerTimeout, "worker-timeout", "", "Max time to wait for one inference response (e.g. '10s')")
	runCmd.Flags().StringVarP(&runOpts.DebugFrames, "debug-frames", "d", "", "Save annotated frames with a detected face to this directory")
	runCmd.Flags().BoolVar(&runOpts.NoLedger, "no-ledger", false, "Do not record enrollment digests in the database")
	runCmd.Flags().BoolVarP(&runOpts.Verbose, "verbose", "v", false, "Log per-frame pipeline decisions")
	rootCmd.AddCommand(runCmd)
}

// applyRunFlags overlays explicitly set flags onto cfg and validates the result.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config, opts Options) error {
	flags := cmd.Flags()
	if flags.Changed("input") {
		cfg.Camera.Source = opts.Source
	}
	if flags.Changed("capture") {
		cfg.Camera.Capture = opts.Capture
	}
	if flags.Changed("threshold") {
		cfg.Recognition.Threshold = opts.Threshold
	}
	if flags.Changed("box-scale") {
		cfg.Recognition.BoxScale = opts.BoxScale
	}
	if flags.Changed("bounce-ms") {
		cfg.Enrollment.BounceMS = opts.BounceMS
	}
	if flags.Changed("worker-timeout") {
		d, err := time.ParseDuration(opts.WorkerTimeout)
		if err != nil {
			return fmt.Errorf("invalid worker-timeout format (use '10s', '500ms'): %w", err)
		}
		cfg.Worker.Timeout = d
	}
	return validateRunConfig(cfg)
}

// validateRunConfig ensures the source and tunables are usable before starting heavy processes.
func validateRunConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !utils.IsDevice(cfg.Camera.Source) {
		info, err := os.Stat(cfg.Camera.Source)
		if err != nil {
			return fmt.Errorf("unable to access input: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("input path %s is a directory, expected a video file or device", cfg.Camera.Source)
		}
	}
	if cfg.Camera.Capture == config.CaptureV4L2 && !utils.IsDevice(cfg.Camera.Source) {
		return fmt.Errorf("v4l2 capture needs a /dev/video device, got %s", cfg.Camera.Source)
	}
	if cfg.Recognition.BoxScale < 0 || cfg.Recognition.BoxScale > 1 {
		return fmt.Errorf("box-scale must be between 0.0 and 1.0, got %v", cfg.Recognition.BoxScale)
	}
	if cfg.Enrollment.BounceMS < 1 {
		return fmt.Errorf("bounce-ms must be >= 1, got %d", cfg.Enrollment.BounceMS)
	}
	return nil
}

// stdoutReporter prints enrollment evidence lines for downstream tooling.
type stdoutReporter struct {
	w io.Writer
}

func (r stdoutReporter) Enrolled(_ context.Context, identity int, hexDigest string) error {
	_, err := fmt.Fprintf(r.w, "Registered User: %d\nPRIVACY_HASH_SHA256: %s\n", identity, hexDigest)
	return err
}

// runRecognition wires the worker, enrollment controls, ledger and FFmpeg
// frame source around one Orchestrator and drives it until the source ends.
func runRecognition(ctx context.Context, cfg *config.Config, opts Options) error {
	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	// 1. Start the inference worker
	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	w, err := worker.NewInferenceWorker(ctx, 0, worker.Config{
		Command:            cfg.Worker.Command,
		DetectionThreshold: cfg.Recognition.DetectionThreshold,
		ReadTimeout:        cfg.Worker.Timeout,
		DescriptorDim:      cfg.Recognition.DescriptorDim,
	})
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	// 2. Enrollment controls
	sig := &enrollment.Signal{}
	debounce := enrollment.NewDebouncer(sig, cfg.Enrollment.BounceWindow())
	go watchKeys(os.Stdin, debounce)
	stopSignals := watchSignals(debounce)
	defer stopSignals()

	// 3. Report channel: stdout, plus the ledger when one is connected
	reporters := pipeline.MultiReporter{stdoutReporter{w: os.Stdout}}
	if DB != nil && !opts.NoLedger {
		sourceID, err := utils.GenerateSourceID(cfg.Camera.Source)
		if err != nil {
			utils.ShowError("Failed to generate source ID", err, nil)
			return err
		}
		session, err := DB.StartSession(ctx, sourceID, cfg.Camera.Source)
		if err != nil {
			utils.ShowError("Failed to start ledger session", err, nil)
			return err
		}
		reporters = append(reporters, session)
		fmt.Fprintf(os.Stderr, "🗄️  Ledger session: %s\n", session.ID)
	}

	// Matcher and Controller share one in-memory store; it dies with the process
	enrolled := enrollment.NewStore()
	orch := pipeline.New(pipeline.Deps{
		Detector:   w,
		Landmarks:  w,
		Extractor:  w,
		Reporter:   reporters,
		Aligner:    align.NewAligner(cfg.Recognition.FaceSize, cfg.Recognition.LandmarkInput),
		Digester:   digest.New(cfg.Recognition.DescriptorDim),
		Matcher:    match.New(match.KPUScorer{}, cfg.Recognition.Threshold),
		Store:      enrolled,
		Controller: enrollment.NewController(sig, debounce, enrolled),
		BoxScale:   cfg.Recognition.BoxScale,
		Logger:     logger,
	})

	// 4. Start the frame source
	frames, source, err := openFrameSource(ctx, cfg)
	if err != nil {
		utils.ShowError("Failed to open frame source", err, source)
		return err
	}
	defer frames.Close() // Ensure pipe is closed to prevent leaks/zombies

	// 5. Display channel
	total := utils.GetTotalFrames(cfg.Camera.Source)
	if total <= 0 {
		// Live camera or unknown length: spinner
		total = -1
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🔍 FaceGate"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)
	display := &barDisplay{bar: bar, stats: orch.Stats()}
	var debug *debugWriter
	if opts.DebugFrames != "" {
		if err := os.MkdirAll(opts.DebugFrames, 0755); err != nil {
			utils.ShowError("Failed to create debug frame directory", err, nil)
			return err
		}
		debug = &debugWriter{dir: opts.DebugFrames}
	}

	fmt.Fprintf(os.Stderr, "📷 Reading %s at %dx%d. Press Enter to register the current face.\n",
		cfg.Camera.Source, cfg.Camera.Width, cfg.Camera.Height)

	// 6. Frame loop
	processed, loopErr := processStream(ctx, frames, orch, display, debug)
	bar.Finish()

	if errors.Is(loopErr, worker.ErrWorkerExited) && ctx.Err() == nil {
		// DRAIN: Wait for process to exit and capture final stderr logs
		w.Close()
		utils.Die("Inference worker crashed", loopErr, w.Cmd)
	}
	if loopErr != nil && ctx.Err() == nil {
		utils.ShowError("Frame stream failed", loopErr, source)
		return loopErr
	}

	// 7. Cleanup & Completion Check
	if source != nil {
		if err := source.Wait(); err != nil && ctx.Err() == nil {
			utils.ShowError("FFmpeg execution failed", err, source)
			return err
		}
	}

	printSummary(os.Stderr, orch.Stats(), processed, orch.Store.Len())
	return nil
}

// openFrameSource starts the configured capture and returns an MJPEG byte stream.
// The SafeCommand is the FFmpeg process, nil for direct V4L2 capture.
func openFrameSource(ctx context.Context, cfg *config.Config) (io.ReadCloser, *utils.SafeCommand, error) {
	if cfg.Camera.Capture == config.CaptureV4L2 {
		cam, err := utils.OpenCamera(cfg.Camera.Source, cfg.Camera.Width, cfg.Camera.Height)
		if err != nil {
			return nil, nil, err
		}
		pr, pw := io.Pipe()
		go func() {
			err := cam.Stream(ctx, pw)
			cam.Close()
			pw.CloseWithError(err)
		}()
		return pr, nil, nil
	}

	ffmpeg := utils.NewFFmpegCmd(ctx, cfg.Camera.Source, cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS)
	out, err := ffmpeg.StdoutPipe()
	if err != nil {
		return nil, ffmpeg, err
	}
	if err := ffmpeg.Start(); err != nil {
		return nil, ffmpeg, err
	}
	return out, ffmpeg, nil
}

// processStream splits an MJPEG stream into frames and runs each through the orchestrator.
// Per-frame collaborator failures are logged and skipped; a dead worker stops the loop.
func processStream(ctx context.Context, r io.Reader, orch *pipeline.Orchestrator, display pipeline.Display, debug *debugWriter) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	frames := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return frames, ctx.Err()
		}
		frames++

		img, err := jpeg.Decode(bytes.NewReader(scanner.Bytes()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "\n⚠️ Frame %d could not be decoded: %v\n", frames, err)
			continue
		}

		f, err := orch.Process(ctx, frames, img)
		if err != nil {
			// A cancelled run also kills the worker, so check ctx first
			if ctx.Err() != nil {
				return frames, ctx.Err()
			}
			if errors.Is(err, worker.ErrWorkerExited) {
				return frames, err
			}
			fmt.Fprintf(os.Stderr, "\n⚠️ Frame %d: %v\n", frames, err)
		}
		if display != nil {
			display.Show(f)
		}
		if debug != nil && f.Face {
			debug.Save(img, f)
		}
	}

	// Check for scanner errors (e.g. token too long, unexpected EOF)
	return frames, scanner.Err()
}

func printSummary(w io.Writer, s *pipeline.Stats, frames, enrolled int) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "📊 RUN SUMMARY\n")
	fmt.Fprintf(w, "---------------------------------------------------------\n")
	fmt.Fprintf(w, "🎞️  Frames:            %d\n", frames)
	fmt.Fprintf(w, "👁️  Frames with face:  %d\n", s.Faces)
	fmt.Fprintf(w, "✅ Recognized:        %d\n", s.Recognized)
	fmt.Fprintf(w, "📝 Enrolled:          %d\n", enrolled)
	if s.Skipped > 0 {
		fmt.Fprintf(w, "↩️  Skipped faces:     %d\n", s.Skipped)
	}
	if s.DroppedPresses > 0 {
		fmt.Fprintf(w, "⌨️  Dropped presses:   %d (no usable face in frame)\n", s.DroppedPresses)
	}
	if s.SentinelDigests > 0 {
		fmt.Fprintf(w, "⚠️  Digest failures:   %d (reported as %s)\n", s.SentinelDigests, digest.Sentinel)
	}
	if s.Errors > 0 {
		fmt.Fprintf(w, "⚠️  Frame errors:      %d\n", s.Errors)
	}
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}
