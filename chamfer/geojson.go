package chamfer

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Hypothesis is a candidate silhouette in world coordinates, as received
// from the outer inference loop
type Hypothesis struct {
	ID         string
	Shape      orb.MultiPolygon
	Properties geojson.Properties
}

// ParseHypothesis reads a hypothesis from GeoJSON. A bare Polygon or
// MultiPolygon geometry, a Feature and a FeatureCollection are accepted;
// polygonal members of a collection are merged into one silhouette.
func ParseHypothesis(data []byte) (*Hypothesis, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: parsing JSON: %w", ErrInvalidInput, err)
	}

	h := &Hypothesis{Properties: geojson.Properties{}}
	switch head.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing feature collection: %w", ErrInvalidInput, err)
		}
		for _, f := range fc.Features {
			if err := h.add(f.Geometry); err != nil {
				return nil, err
			}
			if h.ID == "" {
				h.ID = featureID(f)
			}
		}
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing feature: %w", ErrInvalidInput, err)
		}
		if err := h.add(f.Geometry); err != nil {
			return nil, err
		}
		h.ID = featureID(f)
		if f.Properties != nil {
			h.Properties = f.Properties
		}
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing geometry: %w", ErrInvalidInput, err)
		}
		if err := h.add(g.Geometry()); err != nil {
			return nil, err
		}
	}

	if len(h.Shape) == 0 {
		return nil, fmt.Errorf("%w: hypothesis has no polygons", ErrInvalidInput)
	}
	return h, nil
}

func (h *Hypothesis) add(g orb.Geometry) error {
	switch v := g.(type) {
	case orb.Polygon:
		h.Shape = append(h.Shape, v)
	case orb.MultiPolygon:
		h.Shape = append(h.Shape, v...)
	case nil:
		return fmt.Errorf("%w: feature without geometry", ErrInvalidInput)
	default:
		return fmt.Errorf("%w: unsupported hypothesis geometry %s", ErrInvalidInput, g.GeoJSONType())
	}
	return nil
}

// featureID returns the feature id, falling back to properties.id
func featureID(f *geojson.Feature) string {
	if f.ID != nil {
		return fmt.Sprint(f.ID)
	}
	if id, ok := f.Properties["id"]; ok {
		return fmt.Sprint(id)
	}
	return ""
}

// ResultFeature wraps a scored hypothesis as a GeoJSON feature carrying the
// result in its properties
func ResultFeature(h *Hypothesis, res Result, frameID string) *geojson.Feature {
	f := geojson.NewFeature(h.Shape)
	if h.ID != "" {
		f.ID = h.ID
	}
	for k, v := range h.Properties {
		f.Properties[k] = v
	}
	if res.Squared() {
		f.Properties["squaredSum"] = res.Value()
	} else {
		f.Properties["sum"] = res.Value()
	}
	f.Properties["modelPoints"] = res.ModelPoints
	f.Properties["dataPoints"] = res.DataPoints
	f.Properties["correspondences"] = res.Correspondences
	if frameID != "" {
		f.Properties["frameId"] = frameID
	}
	return f
}
