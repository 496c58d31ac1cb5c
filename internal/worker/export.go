package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/mapsync/internal/jobs"
	"github.com/agentworkforce/mapsync/internal/workspace"
)

var ErrUnsupportedFormat = errors.New("unsupported export format")

type Artifact struct {
	Body        []byte
	ContentType string
	Extension   string
}

// Renderer turns an export request into a file. PNG and PDF rendering live
// outside this module.
type Renderer interface {
	Render(ctx context.Context, input jobs.ExportInput) (Artifact, error)
}

type ExportResult struct {
	ObjectKey   string `json:"objectKey"`
	URL         string `json:"url"`
	Bytes       int    `json:"bytes"`
	ContentType string `json:"contentType"`
}

type ExportProcessor struct {
	Renderer Renderer
	Sink     ArtifactSink
	// Prefix is prepended to object keys; it defaults to "exports/".
	Prefix string
}

func (p ExportProcessor) Process(ctx context.Context, job jobs.Job, input jobs.Input) (json.RawMessage, error) {
	in, ok := input.(jobs.ExportInput)
	if !ok {
		return nil, fmt.Errorf("%w: export processor got %T", jobs.ErrInvalidInput, input)
	}
	if p.Renderer == nil || p.Sink == nil {
		return nil, errors.New("export processor is not configured")
	}
	artifact, err := p.Renderer.Render(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("render %s export: %w", in.Format, err)
	}
	prefix := p.Prefix
	if prefix == "" {
		prefix = "exports/"
	}
	ext := strings.TrimPrefix(artifact.Extension, ".")
	if ext == "" {
		ext = in.Format
	}
	key := prefix + job.ID + "." + ext
	url, err := p.Sink.Put(ctx, key, artifact.Body, artifact.ContentType)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}
	return json.Marshal(ExportResult{
		ObjectKey:   key,
		URL:         url,
		Bytes:       len(artifact.Body),
		ContentType: artifact.ContentType,
	})
}

// WorkspaceLoader is satisfied by *workspace.Store.
type WorkspaceLoader interface {
	Load(ctx context.Context, name string) (workspace.State, bool)
}

// GeoJSONRenderer renders the drawings of a saved workspace. It handles the
// geojson format and hands every other format to Fallback.
type GeoJSONRenderer struct {
	Workspaces WorkspaceLoader
	Fallback   Renderer
}

func (r GeoJSONRenderer) Render(ctx context.Context, input jobs.ExportInput) (Artifact, error) {
	if input.Format != "geojson" {
		if r.Fallback == nil {
			return Artifact{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, input.Format)
		}
		return r.Fallback.Render(ctx, input)
	}
	state, ok := r.Workspaces.Load(ctx, input.Workspace)
	if !ok {
		return Artifact{}, fmt.Errorf("workspace %q not found", input.Workspace)
	}
	body := []byte(`{"type":"FeatureCollection","features":[]}`)
	if len(state.Drawings) > 0 && string(state.Drawings) != "null" {
		body = append([]byte(nil), state.Drawings...)
	}
	return Artifact{Body: body, ContentType: "application/geo+json", Extension: "geojson"}, nil
}
