package steps

import (
	"fmt"
	"path"
	"strings"
)

// ResizeTarget is a bounding box for one resized rendition. Resizes preserve
// aspect ratio, so a target describes the maximum extent, not exact output
// dimensions.
type ResizeTarget struct {
	Width  int
	Height int
}

// Label returns the WxH form used in output keys.
func (t ResizeTarget) Label() string {
	return fmt.Sprintf("%dx%d", t.Width, t.Height)
}

// DefaultResizeTargets are the renditions produced for every job.
var DefaultResizeTargets = []ResizeTarget{
	{Width: 800, Height: 600},
	{Width: 1200, Height: 900},
	{Width: 400, Height: 300},
}

// ResizedKey derives the object store key for one rendition. Keys embed the
// job ID so concurrent jobs over the same source never collide and reruns of
// the same job overwrite their own outputs.
func ResizedKey(jobID string, target ResizeTarget, filename string) string {
	return path.Join("resized", jobID, target.Label(), safeFilename(filename))
}

// WatermarkedKey derives the object store key for the watermarked output.
func WatermarkedKey(jobID, filename string) string {
	return path.Join("watermarked", jobID, safeFilename(filename))
}

// safeFilename strips any path components a caller smuggled into the
// filename so derived keys stay inside their prefix.
func safeFilename(filename string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		return "image"
	}
	return base
}
