package cmd

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/andresmejia3/facegate/internal/enrollment"
	"github.com/andresmejia3/facegate/internal/pipeline"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/image/draw"
)

// barDisplay renders each frame's decision into the progress bar description.
type barDisplay struct {
	bar   *progressbar.ProgressBar
	stats *pipeline.Stats
}

func (d *barDisplay) Show(f pipeline.Frame) {
	d.bar.Describe(statusLine(f, d.stats.FPS()))
	d.bar.Add(1)
}

// statusLine is the one-line display: decision, digest prefix, frame rate and a hint.
func statusLine(f pipeline.Frame, fps float64) string {
	line := f.Label()
	if h := f.HashLine(); h != "" {
		line += "  " + h
	}
	line += fmt.Sprintf("  %.1f fps", fps)

	switch {
	case f.Enrolled >= 0:
		line += fmt.Sprintf("  [registered ID:%d]", f.Enrolled)
	case f.Control == enrollment.StateCooldown:
		line += "  [wait]"
	case !f.Face:
		line += "  [no face]"
	case !f.Recognized():
		line += "  [Enter to register]"
	}
	return line
}

// watchKeys turns each line read from r (an Enter key press) into a debounced enrollment request.
func watchKeys(r io.Reader, d *enrollment.Debouncer) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		d.Press()
	}
}

// watchSignals turns SIGUSR1 into a debounced enrollment request for headless use.
// The returned function stops the watcher.
func watchSignals(d *enrollment.Debouncer) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				d.Press()
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

var (
	boxColor      = color.RGBA{R: 255, A: 255}
	knownColor    = color.RGBA{G: 255, A: 255}
	landmarkColor = color.RGBA{R: 255, G: 255, A: 255}
)

// debugWriter saves annotated copies of frames that contained a face.
// Only geometry is drawn; nothing derived from the descriptor is written.
type debugWriter struct {
	dir string
}

func (d *debugWriter) Save(src image.Image, f pipeline.Frame) {
	img := annotate(src, f)
	path := filepath.Join(d.dir, fmt.Sprintf("frame_%06d.jpg", f.Index))
	out, err := os.Create(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "\n⚠️ Failed to write debug frame: %v\n", err)
		return
	}
	defer out.Close()
	if err := jpeg.Encode(out, img, &jpeg.Options{Quality: 85}); err != nil {
		fmt.Fprintf(os.Stderr, "\n⚠️ Failed to encode debug frame: %v\n", err)
	}
}

// annotate copies src and draws the face box and landmarks onto it.
func annotate(src image.Image, f pipeline.Frame) *image.RGBA {
	b := src.Bounds()
	img := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(img, img.Bounds(), src, b.Min, draw.Src)

	c := boxColor
	if f.Recognized() {
		c = knownColor
	}
	if f.Box.W > 0 && f.Box.H > 0 {
		rect := image.Rect(f.Box.X, f.Box.Y, f.Box.X+f.Box.W, f.Box.Y+f.Box.H)
		strokeRect(img, rect, c)
	}
	if f.Skipped == "" {
		for _, p := range f.Landmarks {
			x, y := int(p.X), int(p.Y)
			fillRect(img, image.Rect(x-1, y-1, x+2, y+2), landmarkColor)
		}
	}
	return img
}

func strokeRect(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	fillRect(img, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+1), c)
	fillRect(img, image.Rect(r.Min.X, r.Max.Y-1, r.Max.X, r.Max.Y), c)
	fillRect(img, image.Rect(r.Min.X, r.Min.Y, r.Min.X+1, r.Max.Y), c)
	fillRect(img, image.Rect(r.Max.X-1, r.Min.Y, r.Max.X, r.Max.Y), c)
}

func fillRect(img *image.RGBA, rect image.Rectangle, c color.RGBA) {
	// Clip rect to image bounds to prevent panics
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}
	stride := img.Stride
	pix := img.Pix
	imgMinX, imgMinY := img.Rect.Min.X, img.Rect.Min.Y
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		rowStart := (y-imgMinY)*stride + (rect.Min.X-imgMinX)*4
		for x := 0; x < rect.Dx(); x++ {
			off := rowStart + x*4
			pix[off] = c.R
			pix[off+1] = c.G
			pix[off+2] = c.B
			pix[off+3] = c.A
		}
	}
}
