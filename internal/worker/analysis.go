package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/agentworkforce/mapsync/internal/jobs"
)

// maxDetections caps the simulated features per job.
const maxDetections = 250

// AnalysisProcessor stands in for the detection model. Its output depends
// only on the AOI bounds and the threshold, so reruns agree.
type AnalysisProcessor struct{}

type analysisResult struct {
	Type         string          `json:"type"`
	Model        string          `json:"model"`
	BBox         [4]float64      `json:"bbox"`
	FeatureCount int             `json:"featureCount"`
	Features     []detectedPoint `json:"features"`
}

type detectedPoint struct {
	Type       string         `json:"type"`
	Geometry   pointGeometry  `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

type pointGeometry struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

func (AnalysisProcessor) Process(ctx context.Context, job jobs.Job, input jobs.Input) (json.RawMessage, error) {
	in, ok := input.(jobs.AnalysisInput)
	if !ok {
		return nil, fmt.Errorf("%w: analysis processor got %T", jobs.ErrInvalidInput, input)
	}
	bbox, err := aoiBounds(in.AOI)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// One candidate per 0.0001 square degrees, thinned by the threshold.
	area := (bbox[2] - bbox[0]) * (bbox[3] - bbox[1])
	count := int(math.Round(area * 1e4 * (1 - in.Threshold)))
	if count > maxDetections {
		count = maxDetections
	}
	if count < 0 {
		count = 0
	}

	result := analysisResult{
		Type:         "FeatureCollection",
		Model:        in.Model,
		BBox:         bbox,
		FeatureCount: count,
		Features:     make([]detectedPoint, 0, count),
	}
	side := int(math.Ceil(math.Sqrt(float64(count))))
	for i := 0; i < count; i++ {
		row, col := i/side, i%side
		lng := bbox[0] + (float64(col)+0.5)*(bbox[2]-bbox[0])/float64(side)
		lat := bbox[1] + (float64(row)+0.5)*(bbox[3]-bbox[1])/float64(side)
		result.Features = append(result.Features, detectedPoint{
			Type:     "Feature",
			Geometry: pointGeometry{Type: "Point", Coordinates: [2]float64{lng, lat}},
			Properties: map[string]any{
				"confidence": math.Round((in.Threshold+(1-in.Threshold)*float64(i%10)/10)*1000) / 1000,
			},
		})
	}
	return json.Marshal(result)
}

// aoiBounds returns [minLng, minLat, maxLng, maxLat] of a Polygon or
// MultiPolygon.
func aoiBounds(raw json.RawMessage) ([4]float64, error) {
	var geom struct {
		Type        string          `json:"type"`
		Coordinates json.RawMessage `json:"coordinates"`
	}
	if err := json.Unmarshal(raw, &geom); err != nil {
		return [4]float64{}, fmt.Errorf("%w: aoi: %v", jobs.ErrInvalidInput, err)
	}
	var rings [][][2]float64
	switch geom.Type {
	case "Polygon":
		if err := json.Unmarshal(geom.Coordinates, &rings); err != nil {
			return [4]float64{}, fmt.Errorf("%w: aoi polygon: %v", jobs.ErrInvalidInput, err)
		}
	case "MultiPolygon":
		var polygons [][][][2]float64
		if err := json.Unmarshal(geom.Coordinates, &polygons); err != nil {
			return [4]float64{}, fmt.Errorf("%w: aoi multipolygon: %v", jobs.ErrInvalidInput, err)
		}
		for _, polygon := range polygons {
			rings = append(rings, polygon...)
		}
	default:
		return [4]float64{}, fmt.Errorf("%w: aoi type %q", jobs.ErrInvalidInput, geom.Type)
	}

	bbox := [4]float64{math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)}
	points := 0
	for _, ring := range rings {
		for _, pt := range ring {
			bbox[0] = math.Min(bbox[0], pt[0])
			bbox[1] = math.Min(bbox[1], pt[1])
			bbox[2] = math.Max(bbox[2], pt[0])
			bbox[3] = math.Max(bbox[3], pt[1])
			points++
		}
	}
	if points == 0 {
		return [4]float64{}, fmt.Errorf("%w: aoi has no coordinates", jobs.ErrInvalidInput)
	}
	return bbox, nil
}
