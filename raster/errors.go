package raster

import (
	"errors"
	"fmt"
)

// Container errors
var (
	ErrMalformedRaster = errors.New("raster: array must be 2-D or 3-D with matching data length")
	ErrNotFound        = errors.New("raster: member not found")
	ErrExists          = errors.New("raster: member already exists")
	ErrReadOnly        = errors.New("raster: store is read-only")
	ErrOutOfBounds     = errors.New("raster: region out of bounds")
	ErrCorruptChunk    = errors.New("raster: corrupt chunk")
	ErrCorruptHeader   = errors.New("raster: corrupt metadata")
	ErrUnknownDType    = errors.New("raster: unknown dtype")
	ErrInvalidName     = errors.New("raster: invalid member name")
)

// ShapeError reports an array whose shape does not match what an operation
// expects.
type ShapeError struct {
	Op   string
	Want []int
	Got  []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("raster: %s: shape %v, want %v", e.Op, e.Got, e.Want)
}

// Is lets errors.Is(err, ErrMalformedRaster) match shape mismatches.
func (e *ShapeError) Is(target error) bool {
	return target == ErrMalformedRaster
}
