// Package geo maps coordinates inside a base room to coarse area rooms so
// that frequent location broadcasts only reach nearby users.
package geo

import (
	"fmt"
	"math"
	"strings"
)

const (
	MinCellDegrees     = 1
	MaxCellDegrees     = 30
	DefaultCellDegrees = 8

	areaPrefix = "geo:"
)

type Resolver struct {
	cellDegrees float64
}

// NewResolver returns a resolver with the cell size clamped to
// [MinCellDegrees, MaxCellDegrees]. Non-finite sizes use the default.
func NewResolver(cellDegrees float64) Resolver {
	return Resolver{cellDegrees: ClampCell(cellDegrees)}
}

func ClampCell(cellDegrees float64) float64 {
	if math.IsNaN(cellDegrees) || math.IsInf(cellDegrees, 0) {
		return DefaultCellDegrees
	}
	return math.Min(MaxCellDegrees, math.Max(MinCellDegrees, cellDegrees))
}

func (r Resolver) CellDegrees() float64 {
	if r.cellDegrees == 0 {
		return DefaultCellDegrees
	}
	return r.cellDegrees
}

// ResolveAreaRoom returns the area room id for the coordinate, or false when
// either coordinate is not a finite number. Users near a cell boundary land
// in different rooms even when close to each other.
func (r Resolver) ResolveAreaRoom(baseRoomId string, lat, lng float64) (string, bool) {
	if !finite(lat) || !finite(lng) {
		return "", false
	}

	cell := r.CellDegrees()
	latBucket := int(math.Floor(clampLat(lat) / cell))
	lngBucket := int(math.Floor(wrapLng(lng) / cell))

	return fmt.Sprintf("%s%s:%d:%d", areaPrefix, baseRoomId, latBucket, lngBucket), true
}

// IsAreaRoom reports whether id was produced by ResolveAreaRoom.
func IsAreaRoom(id string) bool {
	return strings.HasPrefix(id, areaPrefix)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clampLat(lat float64) float64 {
	return math.Min(90, math.Max(-90, lat))
}

func wrapLng(lng float64) float64 {
	lng = math.Mod(lng, 360)
	for lng > 180 {
		lng -= 360
	}
	for lng < -180 {
		lng += 360
	}
	return lng
}
