package repositories

import "context"

// Geocoder resolves coordinates to a human-readable address.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, lat, lng float64) (address string, err error)
}
