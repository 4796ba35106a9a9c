package permanode

import "errors"

var (
	// ErrStorageWriteFailed is returned when a milestone could not be stored within the retry budget.
	ErrStorageWriteFailed = errors.New("storage write failed")
	// ErrMilestoneGap means milestones missing from storage can no longer be fetched from the node.
	ErrMilestoneGap = errors.New("unrecoverable milestone gap")
	// ErrIndexMismatch means the node is behind the stored history.
	ErrIndexMismatch = errors.New("node confirmed index is behind storage")
	// ErrNetworkChanged means the node serves a different network than the one stored.
	ErrNetworkChanged = errors.New("network changed")
)
