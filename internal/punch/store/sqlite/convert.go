package sqlite

import (
	"database/sql"
	"time"

	"github.com/fieldpunch/agent/internal/punch/types"
)

func ms(t time.Time) int64 { return t.UTC().UnixMilli() }

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ms(*t)
}

func timeOf(msv int64) time.Time { return time.UnixMilli(msv).UTC() }

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := timeOf(v.Int64)
	return &t
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

// locArgs expands an optional location into its four nullable columns.
func locArgs(loc *types.Location) (lat, lon, acc, zone any) {
	if loc == nil {
		return nil, nil, nil, nil
	}
	z := 0
	if loc.InZone {
		z = 1
	}
	return loc.Latitude, loc.Longitude, loc.AccuracyM, z
}

// locOf rebuilds an optional location from its scanned columns. A reading is
// present when latitude is non-NULL; the columns are written together.
func locOf(lat, lon, acc sql.NullFloat64, zone sql.NullInt64) *types.Location {
	if !lat.Valid {
		return nil
	}
	return &types.Location{
		Latitude:  lat.Float64,
		Longitude: lon.Float64,
		AccuracyM: acc.Float64,
		InZone:    zone.Valid && zone.Int64 == 1,
	}
}
