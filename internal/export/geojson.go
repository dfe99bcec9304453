// Package export produces field data exports: a GeoJSON projection of
// capture records bundled into a checksummed tar.gz archive, optionally
// with the photo files.
package export

import (
	"github.com/fibrefield/fieldsync/internal/models"
)

// FeatureCollection is a GeoJSON feature collection.
type FeatureCollection struct {
	Type     string     `json:"type"`
	Features []*Feature `json:"features"`
}

// Feature is a GeoJSON feature with a point geometry.
type Feature struct {
	Type       string                 `json:"type"`
	Geometry   *Geometry              `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
}

// Geometry is a GeoJSON point. Coordinates are [longitude, latitude].
type Geometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// BuildFeatureCollection projects captures onto GeoJSON. Captures
// without a GPS reading get a null geometry; GIS tools still list them
// with their attributes.
func BuildFeatureCollection(captures []*models.Capture) *FeatureCollection {
	features := make([]*Feature, 0, len(captures))
	for _, c := range captures {
		features = append(features, buildFeature(c))
	}
	return &FeatureCollection{Type: "FeatureCollection", Features: features}
}

func buildFeature(c *models.Capture) *Feature {
	props := map[string]interface{}{
		"id":               string(c.ID),
		"project_id":       c.ProjectID,
		"pole_number":      c.PoleNumber,
		"status":           string(c.Status),
		"sync_status":      string(c.SyncStatus),
		"photo_count":      len(c.Photos),
		"completed_photos": c.CompletedPhotos,
		"requires_rework":  c.RequiresRework,
		"created_at":       c.CreatedAt,
		"updated_at":       c.UpdatedAt,
	}
	if c.DropNumber != "" {
		props["drop_number"] = c.DropNumber
	}
	if c.CustomerName != "" {
		props["customer_name"] = c.CustomerName
	}
	if c.CustomerAddress != "" {
		props["customer_address"] = c.CustomerAddress
	}
	if c.RemoteID != "" {
		props["remote_id"] = c.RemoteID
	}
	if c.CapturedAt != 0 {
		props["captured_at"] = c.CapturedAt
	}
	if loc := c.GPSLocation; loc != nil {
		props["gps_accuracy"] = loc.Accuracy
		if loc.DistanceFromPole > 0 {
			props["distance_from_pole"] = loc.DistanceFromPole
		}
	}

	feature := &Feature{Type: "Feature", Properties: props}
	if loc := c.GPSLocation; loc != nil {
		feature.Geometry = &Geometry{
			Type:        "Point",
			Coordinates: []float64{loc.Longitude, loc.Latitude},
		}
	}
	return feature
}
