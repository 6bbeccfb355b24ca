package model

import "errors"

// Error taxonomy. Everything except ErrInvalidRecord is recoverable and is
// handled inside the engine; callers only ever see ErrInvalidRecord.
var (
	ErrEmbeddingUnavailable    = errors.New("embedding unavailable")
	ErrClassifierTimeout       = errors.New("classifier timeout")
	ErrIndexUnavailable        = errors.New("index unavailable")
	ErrInvalidRecord           = errors.New("invalid record")
	ErrConcurrentMergeConflict = errors.New("concurrent merge conflict")
	ErrNotFound                = errors.New("not found")
)

// ErrorCode maps an error onto the short code carried by error signals and logs.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmbeddingUnavailable):
		return "embedding_unavailable"
	case errors.Is(err, ErrClassifierTimeout):
		return "classifier_timeout"
	case errors.Is(err, ErrIndexUnavailable):
		return "index_unavailable"
	case errors.Is(err, ErrInvalidRecord):
		return "invalid_record"
	case errors.Is(err, ErrConcurrentMergeConflict):
		return "merge_conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
