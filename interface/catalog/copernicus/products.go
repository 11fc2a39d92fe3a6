package copernicus

import (
	"context"
	"encoding/json"
	"fmt"
	neturl "net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-spatial/geom/encoding/geojson"
	"github.com/go-spatial/geom/encoding/wkt"

	"github.com/maghreb-eo/sentinel-fetcher/common"
	"github.com/maghreb-eo/sentinel-fetcher/service"
	"github.com/maghreb-eo/sentinel-fetcher/service/log"
)

const (
	CopernicusPageLimit     = 1000
	CopernicusODataQueryURL = "https://catalogue.dataspace.copernicus.eu/odata/v1/Products?$filter="
)

// Provider searches Sentinel-2 products in the Copernicus Data Space OData catalog
type Provider struct {
	QueryURL string // defaults to CopernicusODataQueryURL
	Limit    int    // page size, defaults to CopernicusPageLimit
}

// SearchProducts implements catalog.ProductsProvider.
// The bounding box, date range (inclusive) and cloud-cover upper bound are all
// applied server-side.
func (p *Provider) SearchProducts(ctx context.Context, criteria common.SearchCriteria) ([]common.Product, error) {
	// Create query
	parameters := []string{
		"Collection/Name eq 'SENTINEL-2'",
		"Attributes/OData.CSC.StringAttribute/any(att:att/Name eq 'productType' and att/OData.CSC.StringAttribute/Value eq 'S2MSI1C')",
		"OData.CSC.Intersects(area=geography'SRID=4326;" + criteria.Region.BBox.WKT() + "')",
	}

	// Append time (inclusive bounds)
	{
		startDate := criteria.Start.Format("2006-01-02T15:04:05.999Z")
		endDate := criteria.End.Format("2006-01-02T15:04:05.999Z")
		parameters = append(parameters,
			fmt.Sprintf("ContentDate/Start ge %s", startDate),
			fmt.Sprintf("ContentDate/Start le %s", endDate))
	}

	// Append cloud cover upper bound
	parameters = append(parameters, fmt.Sprintf(
		"Attributes/OData.CSC.DoubleAttribute/any(att:att/Name eq 'cloudCover' and att/OData.CSC.DoubleAttribute/Value le %s)",
		strconv.FormatFloat(criteria.MaxCloudCover, 'f', -1, 64)))

	query := strings.Join(parameters, " and ")

	// Execute query
	rawProducts, err := p.queryCopernicus(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("Copernicus.SearchProducts.%w", err)
	}

	// Parse results
	products := make([]common.Product, len(rawProducts))
	for i, raw := range rawProducts {
		name := strings.TrimSuffix(raw.Identifier, ".SAFE")

		date, err := time.Parse(time.RFC3339Nano, raw.ContentDate.BeginPosition)
		if err != nil {
			if date, err = common.GetDateFromProductId(name); err != nil {
				return nil, fmt.Errorf("Copernicus.SearchProducts.TimeParse[%s]: %w", raw.Identifier, err)
			}
		}

		product := common.Product{
			ID:            raw.Uuid,
			Name:          name,
			Region:        criteria.Region.Name,
			Date:          date,
			CloudCover:    raw.cloudCover(),
			ContentLength: raw.ContentLength,
		}
		for _, c := range raw.Checksum {
			if c.Algorithm != "" && c.Value != "" {
				product.Checksums = append(product.Checksums, common.Checksum{Algorithm: c.Algorithm, Value: c.Value})
			}
		}
		if raw.Footprint.Geometry != nil {
			product.GeometryWKT = wkt.MustEncode(raw.Footprint.Geometry)
		}
		products[i] = product
	}

	return products, nil
}

type Hits struct {
	Uuid          string           `json:"Id"`
	Identifier    string           `json:"Name"`
	Footprint     geojson.Geometry `json:"GeoFootprint"`
	ContentLength int64            `json:"ContentLength"`
	ContentDate   struct {
		BeginPosition string `json:"Start"`
	} `json:"ContentDate"`
	Checksum []struct {
		Value     string `json:"Value"`
		Algorithm string `json:"Algorithm"`
	} `json:"Checksum"`
	Attributes []struct {
		Name      string      `json:"Name"`
		Value     interface{} `json:"Value"`
		ValueType string      `json:"ValueType"`
	} `json:"Attributes"`
	CloudCover *float64 `json:"CloudCover"`
}

// cloudCover extracts the cloud cover, tolerant of its placement in the payload.
// 100 if not found (never assume a scene is clear).
func (h Hits) cloudCover() float64 {
	if h.CloudCover != nil {
		return *h.CloudCover
	}
	for _, attr := range h.Attributes {
		if attr.Name != "cloudCover" {
			continue
		}
		switch v := attr.Value.(type) {
		case float64:
			return v
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f
			}
		}
	}
	return 100
}

func (p *Provider) queryCopernicus(ctx context.Context, query string) ([]Hits, error) {
	baseurl := p.QueryURL
	if baseurl == "" {
		baseurl = CopernicusODataQueryURL
	}
	limit := p.Limit
	if limit == 0 {
		limit = CopernicusPageLimit
	}

	// Pagging
	var rawProducts []Hits
	query = neturl.QueryEscape(query)

	for page := 0; ; page++ {
		log.Logger(ctx).Sugar().Debugf("[Copernicus] Search page %d", page+1)
		url := baseurl + query + fmt.Sprintf("&$orderby=ContentDate/Start&$top=%d&$skip=%d&$expand=Attributes", limit, limit*page)
		jsonResults, err := service.GetBodyRetry(ctx, url, 3)
		if err != nil {
			return nil, fmt.Errorf("queryCopernicus: %w", err)
		}

		//JSON
		results := struct {
			Status int    `json:"status"`
			Next   string `json:"@odata.nextLink"`
			Hits   []Hits `json:"value"`
		}{}

		if err := json.Unmarshal(jsonResults, &results); err != nil {
			return nil, fmt.Errorf("queryCopernicus.Unmarshal: %w (response: %s)", err, jsonResults)
		}
		if results.Status != 0 && results.Status != 200 {
			return nil, fmt.Errorf("queryCopernicus: http status: %d (response: %s)", results.Status, jsonResults)
		}

		// Merge the results
		rawProducts = append(rawProducts, results.Hits...)

		// Is there a next page ?
		if results.Next == "" || len(results.Hits) < limit {
			break
		}
	}

	return rawProducts, nil
}
