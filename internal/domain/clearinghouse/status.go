package clearinghouse

import (
	"strings"

	"github.com/ehr/rcm/internal/domain/claim"
)

// externalStatus maps clearinghouse status codes (277 claim status category
// codes and their plain-word aliases) onto claim states. Pending and
// acknowledgement codes map to "" and only refresh the sync stamp.
var externalStatus = map[string]claim.Status{
	"A0": "", "A1": "", "P0": "", "P1": "", "P2": "", "P3": "", "P4": "", "P5": "",
	"RECEIVED": "", "PENDING": "",
	"A2": claim.StatusAccepted, "ACCEPTED": claim.StatusAccepted,
	"A3": claim.StatusRejected, "A6": claim.StatusRejected, "A7": claim.StatusRejected, "A8": claim.StatusRejected,
	"REJECTED": claim.StatusRejected,
	"F0": claim.StatusAdjudicated, "F3": claim.StatusAdjudicated, "F4": claim.StatusAdjudicated,
	"ADJUDICATED": claim.StatusAdjudicated,
	"F1": claim.StatusPaid, "PAID": claim.StatusPaid,
	"F2": claim.StatusDenied, "DENIED": claim.StatusDenied,
}

// MapStatus translates an external status code. Unknown codes are treated
// as pending.
func MapStatus(external string) claim.Status {
	return externalStatus[strings.ToUpper(strings.TrimSpace(external))]
}
