package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/Yulian302/lfusys-services-recordings/apperror"
)

// FFProbeProber asks ffprobe for the container duration. It handles any
// format ffprobe understands.
type FFProbeProber struct {
	Bin string
	// TempDir receives copies of blobs that are not local files.
	TempDir string
}

func NewFFProbeProber(bin string) *FFProbeProber {
	if strings.TrimSpace(bin) == "" {
		bin = "ffprobe"
	}
	return &FFProbeProber{Bin: bin}
}

type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (p *FFProbeProber) Probe(ctx context.Context, blob Blob) (float64, error) {
	path, cleanup, err := localPath(ctx, blob, p.TempDir)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	// #nosec G204 -- Bin comes from configuration
	cmd := exec.CommandContext(ctx, p.Bin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return 0, apperror.UnreadableMedia(blob.Name(), fmt.Errorf("ffprobe: %s", strings.TrimSpace(stderr.String())))
		}
		return 0, fmt.Errorf("failed to run ffprobe: %w", err)
	}

	return parseFFProbeDuration(blob.Name(), out)
}

func parseFFProbeDuration(name string, out []byte) (float64, error) {
	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return 0, apperror.UnreadableMedia(name, fmt.Errorf("invalid ffprobe output: %w", err))
	}
	if parsed.Format.Duration == "" || parsed.Format.Duration == "N/A" {
		return 0, apperror.UnreadableMedia(name, errors.New("ffprobe reported no duration"))
	}
	d, err := strconv.ParseFloat(parsed.Format.Duration, 64)
	if err != nil || d < 0 {
		return 0, apperror.UnreadableMedia(name, fmt.Errorf("invalid duration %q", parsed.Format.Duration))
	}
	return d, nil
}
