package geo

import (
	"github.com/mmcloughlin/geohash"
)

// CellPrecision is the geohash precision stored with every track point (±2.4 m)
const CellPrecision = 9

// Cell returns the geohash cell of a point at CellPrecision
func Cell(lat, lon float64) string {
	return geohash.EncodeWithPrecision(lat, lon, CellPrecision)
}

// CellCenter decodes a cell back to its center coordinates
func CellCenter(cell string) (lat, lon float64) {
	return geohash.DecodeCenter(cell)
}
