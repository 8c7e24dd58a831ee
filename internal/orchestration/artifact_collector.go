package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alexandremahdhaoui/cvex/pkg/apitrace"
)

var (
	// ErrArtifactCollectionFailed indicates artifact collection failed
	ErrArtifactCollectionFailed = errors.New("artifact collection failed")
	// ErrInvalidArtifactDir indicates artifact directory is invalid
	ErrInvalidArtifactDir = errors.New("invalid artifact directory")
)

const (
	TracesDirName    = "traces"
	TimelineFileName = "timeline.json"
)

// ArtifactCollector owns the artifact directory of a run.
type ArtifactCollector struct {
	artifactDir string
}

// NewArtifactCollector creates artifactDir if needed.
func NewArtifactCollector(artifactDir string) (*ArtifactCollector, error) {
	if artifactDir == "" {
		return nil, fmt.Errorf("%w: artifact directory cannot be empty", ErrInvalidArtifactDir)
	}

	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create artifact directory: %v", ErrInvalidArtifactDir, err)
	}

	return &ArtifactCollector{artifactDir: artifactDir}, nil
}

func (c *ArtifactCollector) Dir() string { return c.artifactDir }

// TracesDir is where trace logs are downloaded.
func (c *ArtifactCollector) TracesDir() string {
	return filepath.Join(c.artifactDir, TracesDirName)
}

// CollectTraces stops every tracer and downloads its logs. Every tracer is stopped even
// when some fail; the artifacts downloaded so far are returned with the joined errors.
func (c *ArtifactCollector) CollectTraces(ctx context.Context, tracers []Tracer) (map[string]apitrace.Artifacts, error) {
	out := make(map[string]apitrace.Artifacts, len(tracers))
	var errs []error

	for _, t := range tracers {
		name := t.VM().Name
		artifacts, err := t.Stop(ctx, c.TracesDir())
		out[name] = artifacts
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrArtifactCollectionFailed, name, err))
		}
	}

	if len(errs) > 0 {
		return out, errors.Join(errs...)
	}
	return out, nil
}

// WriteTimeline writes events as JSON and returns the file path.
func (c *ArtifactCollector) WriteTimeline(events []Event) (string, error) {
	b, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return "", err
	}

	path := filepath.Join(c.artifactDir, TimelineFileName)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", fmt.Errorf("%w: failed to write timeline: %v", ErrArtifactCollectionFailed, err)
	}
	return path, nil
}
