package common

import (
	"strings"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/wkt"
)

// BoundingBox is a rectangular lon/lat area (EPSG:4326)
type BoundingBox struct {
	MinLon, MinLat, MaxLon, MaxLat float64
}

// Polygon returns the closed ring of the bounding box
func (b BoundingBox) Polygon() geom.Polygon {
	return geom.Polygon{{
		{b.MinLon, b.MaxLat},
		{b.MaxLon, b.MaxLat},
		{b.MaxLon, b.MinLat},
		{b.MinLon, b.MinLat},
		{b.MinLon, b.MaxLat},
	}}
}

// WKT returns the bounding box as a WKT polygon, suitable for an
// OData.CSC.Intersects clause
func (b BoundingBox) WKT() string {
	return wkt.MustEncode(b.Polygon())
}

// Region is a fixed latitude band of Morocco
type Region struct {
	Name string
	BBox BoundingBox
}

// Regions are the three latitude bands covering Morocco, north to south.
// The table is data-driven: adding a band requires no logic change.
var Regions = []Region{
	{Name: "nord", BBox: BoundingBox{MinLon: -9.5, MinLat: 32.0, MaxLon: -0.998429, MaxLat: 35.922618}},
	{Name: "centre", BBox: BoundingBox{MinLon: -13.168555, MinLat: 28.0, MaxLon: -0.998429, MaxLat: 32.0}},
	{Name: "sud", BBox: BoundingBox{MinLon: -17.10, MinLat: 20.70, MaxLon: -8.5, MaxLat: 28.0}},
}

// RegionByName returns the region from the user input
func RegionByName(name string) (Region, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "nord", "north":
		name = "nord"
	case "centre", "central", "center":
		name = "centre"
	case "sud", "south":
		name = "sud"
	}
	for _, r := range Regions {
		if r.Name == name {
			return r, true
		}
	}
	return Region{}, false
}

// RegionNames returns the names of all the configured regions
func RegionNames() []string {
	names := make([]string, len(Regions))
	for i, r := range Regions {
		names[i] = r.Name
	}
	return names
}
