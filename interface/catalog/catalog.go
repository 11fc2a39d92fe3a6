package catalog

import (
	"context"

	"github.com/maghreb-eo/sentinel-fetcher/common"
)

// ProductsProvider searches a product catalog.
// An empty result is a valid, non-error outcome. Pagination is exhausted
// internally: the caller always receives the full result set for one criteria.
type ProductsProvider interface {
	SearchProducts(ctx context.Context, criteria common.SearchCriteria) ([]common.Product, error)
}
