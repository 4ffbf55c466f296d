package imaging

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Transformer performs the pixel-level work for the resize and watermark
// steps. Implementations must be safe for concurrent use; the daemon shares
// one instance across workers.
type Transformer interface {
	// Resize scales src to fit within width x height while preserving the
	// aspect ratio. The output format matches the input format.
	Resize(ctx context.Context, src []byte, format string, width, height int) ([]byte, error)

	// Watermark renders text onto src and returns the annotated image.
	Watermark(ctx context.Context, src []byte, format string, text string) ([]byte, error)
}

// Magick shells out to ImageMagick for transforms.
type Magick struct {
	binary string
}

// NewMagick locates the ImageMagick entry point, preferring the v7 "magick"
// binary and falling back to the legacy "convert" name.
func NewMagick() (*Magick, error) {
	for _, candidate := range []string{"magick", "convert"} {
		if path, err := exec.LookPath(candidate); err == nil {
			return &Magick{binary: path}, nil
		}
	}
	return nil, fmt.Errorf("imagemagick not found on PATH (tried magick, convert)")
}

// Binary returns the resolved executable path.
func (m *Magick) Binary() string {
	return m.binary
}

// Resize implements Transformer. The ">" geometry suffix keeps smaller
// images untouched instead of upscaling them.
func (m *Magick) Resize(ctx context.Context, src []byte, format string, width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid resize target %dx%d", width, height)
	}
	geometry := fmt.Sprintf("%dx%d>", width, height)
	return m.run(ctx, src, format,
		"-resize", geometry,
	)
}

// Watermark implements Transformer. Text is rendered in the bottom-right
// corner with a shadow offset so it stays legible on light images.
func (m *Magick) Watermark(ctx context.Context, src []byte, format string, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty watermark text")
	}
	return m.run(ctx, src, format,
		"-gravity", "southeast",
		"-fill", "gray20",
		"-pointsize", "24",
		"-annotate", "+11+11", text,
		"-fill", "white",
		"-annotate", "+10+10", text,
	)
}

func (m *Magick) run(ctx context.Context, src []byte, format string, args ...string) ([]byte, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		return nil, fmt.Errorf("missing image format")
	}

	argv := make([]string, 0, len(args)+2)
	argv = append(argv, format+":-")
	argv = append(argv, args...)
	argv = append(argv, format+":-")

	cmd := exec.CommandContext(ctx, m.binary, argv...)
	cmd.Stdin = bytes.NewReader(src)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, fmt.Errorf("magick %s: %s", args[0], detail)
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("magick %s produced no output", args[0])
	}
	return stdout.Bytes(), nil
}
