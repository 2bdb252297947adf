package pd

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrRegionExists indicates the region is already present in PD metadata.
	ErrRegionExists = errors.New("pd: region already registered")
	// ErrRegionNotFound indicates the region metadata is unknown to PD.
	ErrRegionNotFound = errors.New("pd: region not registered")
	// ErrInvalidStore rejects store records without an id.
	ErrInvalidStore = errors.New("pd: invalid store")
	// ErrInvalidSplit rejects split reports whose key does not start the new region.
	ErrInvalidSplit = errors.New("pd: invalid split")
)

// IsRegionExistsError reports whether err represents a region already existing.
func IsRegionExistsError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRegionExists) {
		return true
	}
	if st, ok := status.FromError(err); ok {
		return st.Code() == codes.AlreadyExists
	}
	return false
}

// IsRegionNotFoundError reports whether err indicates missing region metadata.
func IsRegionNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRegionNotFound) {
		return true
	}
	if st, ok := status.FromError(err); ok {
		return st.Code() == codes.NotFound
	}
	return false
}

// ToStatus maps service errors onto gRPC status codes.
func ToStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRegionExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, ErrRegionNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrInvalidStore), errors.Is(err, ErrInvalidSplit):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
