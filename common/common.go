package common

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Constellation defines the kind of satellites
type Constellation int

const (
	Unknown   Constellation = iota
	Sentinel1               // MMM_BB_TTTR_LFPP_YYYYMMDDTHHMMSS_YYYYMMDDTHHMMSS_OOOOOO_DDDDDD_CCCC.SAFE
	Sentinel2               // MMM_MSIXXX_YYYYMMDDTHHMMSS_Nxxyy_ROOO_Txxxxx_<Product Discriminator>.SAFE
)

func (c Constellation) String() string {
	switch c {
	case Sentinel1:
		return "Sentinel1"
	case Sentinel2:
		return "Sentinel2"
	}
	return "Unknown"
}

// GetConstellationFromProductId returns the constellation from the product name
func GetConstellationFromProductId(productName string) Constellation {
	if strings.HasPrefix(productName, "S1") {
		return Sentinel1
	}
	if strings.HasPrefix(productName, "S2") {
		return Sentinel2
	}
	return Unknown
}

var acquisitionDateRe = regexp.MustCompile(`\d{8}T\d{6}`)

// GetDateFromProductId extracts the acquisition date embedded in the product name.
// Fallback when the catalog response carries no usable content date.
func GetDateFromProductId(productName string) (time.Time, error) {
	if GetConstellationFromProductId(productName) == Unknown {
		return time.Time{}, fmt.Errorf("invalid product name: %s", productName)
	}
	m := acquisitionDateRe.FindString(productName)
	if m == "" {
		return time.Time{}, fmt.Errorf("no date in product name: %s", productName)
	}
	return time.Parse("20060102T150405", m)
}
