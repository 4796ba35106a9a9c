package upstream

import "fmt"

// Node API paths.
const (
	statusPath        = "/api/core/v1/status"
	ledgerUpdatesPath = "/api/core/v1/milestones/%d/ledger-updates"
	unspentPath       = "/api/core/v1/ledger/unspent"
	streamPath        = "/api/core/v1/milestones/stream"
)

func milestonePath(index uint32) string {
	return fmt.Sprintf(ledgerUpdatesPath, index)
}
