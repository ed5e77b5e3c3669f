package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ctessum/geom"
)

// The types below mirror the subset of GeoJSON the tracer emits:
// a FeatureCollection of Polygon features.

type geoJSONFeatureCollection struct {
	Type     string           `json:"type"`
	Features []geoJSONFeature `json:"features"`
}

type geoJSONFeature struct {
	Type       string                 `json:"type"`
	Geometry   geoJSONPolygon         `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
}

type geoJSONPolygon struct {
	Type        string         `json:"type"`
	Coordinates [][][2]float64 `json:"coordinates"`
}

// polygonCoords converts rings to GeoJSON coordinate arrays. GeoJSON
// requires rings to be explicitly closed.
func polygonCoords(p geom.Polygon) [][][2]float64 {
	rings := make([][][2]float64, 0, len(p))
	for _, ring := range p {
		if len(ring) == 0 {
			continue
		}
		coords := make([][2]float64, 0, len(ring)+1)
		for _, pt := range ring {
			coords = append(coords, [2]float64{pt.X, pt.Y})
		}
		if coords[0] != coords[len(coords)-1] {
			coords = append(coords, coords[0])
		}
		rings = append(rings, coords)
	}
	return rings
}

func buildFeatureCollection(polys []geom.Polygon) *geoJSONFeatureCollection {
	fc := &geoJSONFeatureCollection{
		Type:     "FeatureCollection",
		Features: make([]geoJSONFeature, 0, len(polys)),
	}
	for i, p := range polys {
		fc.Features = append(fc.Features, geoJSONFeature{
			Type: "Feature",
			Geometry: geoJSONPolygon{
				Type:        "Polygon",
				Coordinates: polygonCoords(p),
			},
			Properties: map[string]interface{}{"id": i},
		})
	}
	return fc
}

func writeGeoJSONFile(path string, polys []geom.Polygon, pretty bool) error {
	fc := buildFeatureCollection(polys)

	var data []byte
	var err error
	if pretty {
		data, err = json.MarshalIndent(fc, "", "  ")
	} else {
		data, err = json.Marshal(fc)
	}
	if err != nil {
		return fmt.Errorf("error marshaling geojson: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing geojson file: %w", err)
	}
	return nil
}
