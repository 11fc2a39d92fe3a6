package common

import (
	"path"
	"sort"
	"time"
)

// Checksum of a product file, as published by the catalog
type Checksum struct {
	Algorithm string
	Value     string
}

// Product describes a downloadable product returned by a catalog search.
// It is immutable once built.
type Product struct {
	ID            string // catalog uuid, used by the download endpoint
	Name          string // e.g. S2A_MSIL1C_20230615T103631_N0509_R008_T29SND_20230615T142132
	Region        string
	Date          time.Time // acquisition date
	CloudCover    float64   // percentage, 100 if unknown
	ContentLength int64     // expected size in bytes, 0 if unknown
	Checksums     []Checksum
	GeometryWKT   string
}

// Filename is the name of the downloaded archive
func (p Product) Filename() string {
	return p.Name + ".zip"
}

// DatePath is the date folder of the product
func (p Product) DatePath() string {
	return p.Date.Format("2006-01-02")
}

// RelPath is the destination of the product relative to the output root:
// <region>/<date>/<filename>. It is deterministic: a given product always
// maps to the same path.
func (p Product) RelPath() string {
	return path.Join(p.Region, p.DatePath(), p.Filename())
}

// SortByCloudCover sorts products by ascending cloud cover (clearest first)
func SortByCloudCover(products []Product) {
	sort.SliceStable(products, func(i, j int) bool {
		return products[i].CloudCover < products[j].CloudCover
	})
}

// SearchCriteria are the server-side filters of a catalog search.
// Read-only once built.
type SearchCriteria struct {
	Region        Region
	Start, End    time.Time // inclusive
	MaxCloudCover float64   // upper bound, percentage
}
