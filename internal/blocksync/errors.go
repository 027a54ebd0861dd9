package blocksync

import (
	"errors"
	"fmt"

	"DagPrimary/internal/types"
)

var (
	// ErrNoResponse matches a SyncError of kind NoResponse.
	ErrNoResponse = errors.New("no peer could serve the block")

	// ErrTimeout matches a SyncError of kind Timeout.
	ErrTimeout = errors.New("timed out retrieving the block")

	// ErrClosed is returned when submitting work to a stopped synchronizer.
	ErrClosed = errors.New("synchronizer closed")
)

// ErrorKind classifies a terminal per-digest failure.
type ErrorKind uint8

const (
	// NoResponse means every peer answered and none had the block.
	NoResponse ErrorKind = iota + 1
	// Timeout means the round or payload wait ended before the block was resolved.
	Timeout
)

func (k ErrorKind) String() string {
	switch k {
	case NoResponse:
		return "no_response"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// SyncError is the terminal failure for one digest.
type SyncError struct {
	Kind   ErrorKind    // Kind is the failure class
	Digest types.Digest // Digest is the block that could not be retrieved
}

func (e *SyncError) Error() string {
	switch e.Kind {
	case NoResponse:
		return fmt.Sprintf("block %s could not be retrieved: no peer had it", e.Digest.Short())
	case Timeout:
		return fmt.Sprintf("block %s could not be retrieved: timed out", e.Digest.Short())
	default:
		return fmt.Sprintf("block %s could not be retrieved", e.Digest.Short())
	}
}

// Is lets errors.Is match ErrNoResponse and ErrTimeout.
func (e *SyncError) Is(target error) bool {
	switch target {
	case ErrNoResponse:
		return e.Kind == NoResponse
	case ErrTimeout:
		return e.Kind == Timeout
	default:
		return false
	}
}

func noResponse(d types.Digest) *SyncError {
	return &SyncError{Kind: NoResponse, Digest: d}
}

func timeout(d types.Digest) *SyncError {
	return &SyncError{Kind: Timeout, Digest: d}
}
