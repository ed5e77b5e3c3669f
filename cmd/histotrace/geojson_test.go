package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ctessum/geom"
)

func TestPolygonCoordsClosesRings(t *testing.T) {
	open := geom.Polygon{{{X: 0, Y: 0}, {X: 4, Y: 0}, {X: 4, Y: 4}, {X: 0, Y: 4}}}
	rings := polygonCoords(open)
	if len(rings) != 1 {
		t.Fatalf("expected 1 ring, got %d", len(rings))
	}
	if len(rings[0]) != 5 {
		t.Fatalf("expected the ring closed to 5 coordinates, got %d", len(rings[0]))
	}
	if rings[0][0] != rings[0][4] {
		t.Errorf("expected first and last coordinates equal, got %v and %v", rings[0][0], rings[0][4])
	}

	closed := geom.Polygon{{{X: 0, Y: 0}, {X: 4, Y: 0}, {X: 4, Y: 4}, {X: 0, Y: 0}}}
	rings = polygonCoords(closed)
	if len(rings[0]) != 4 {
		t.Errorf("expected an already closed ring untouched, got %d coordinates", len(rings[0]))
	}
}

func TestWriteGeoJSONFile(t *testing.T) {
	polys := []geom.Polygon{
		{{{X: 0, Y: 0}, {X: 2, Y: 0}, {X: 2, Y: 2}, {X: 0, Y: 2}}},
		{{{X: 5, Y: 5}, {X: 8, Y: 5}, {X: 8, Y: 8}, {X: 5, Y: 8}}},
	}
	path := filepath.Join(t.TempDir(), "objects.geojson")
	if err := writeGeoJSONFile(path, polys, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var fc geoJSONFeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if fc.Type != "FeatureCollection" {
		t.Errorf("expected a FeatureCollection, got %q", fc.Type)
	}
	if len(fc.Features) != 2 {
		t.Fatalf("expected 2 features, got %d", len(fc.Features))
	}
	for i, f := range fc.Features {
		if f.Type != "Feature" || f.Geometry.Type != "Polygon" {
			t.Errorf("feature %d: unexpected types %q/%q", i, f.Type, f.Geometry.Type)
		}
		if got := f.Properties["id"]; got != float64(i) {
			t.Errorf("feature %d: expected id %d, got %v", i, i, got)
		}
		ring := f.Geometry.Coordinates[0]
		if ring[0] != ring[len(ring)-1] {
			t.Errorf("feature %d: ring is not closed", i)
		}
	}
}
