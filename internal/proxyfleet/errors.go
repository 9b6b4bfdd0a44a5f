package proxyfleet

import "errors"

// Sentinel errors for the selection and probe failure kinds in spec §7. Each
// carries enough identity for errors.Is to match it at the HTTP boundary,
// where it is translated into a status code.
var (
	ErrNoTipYet           = errors.New("no block number found yet")
	ErrNoEligibleCluster  = errors.New("no eligible upstream cluster")
	ErrClusterMissing     = errors.New("selected node has no registered cluster")
	ErrInvalidRequestPath = errors.New("invalid request path")
	ErrNoMatchingChain    = errors.New("no matching chain for unify path")

	ErrProbeTransport = errors.New("probe transport error")
	ErrProbeParse     = errors.New("probe response parse error")
	ErrProbeTimeout   = errors.New("probe timed out")
)

// StatusFor maps a selection-path error to the HTTP status class spec §7
// requires. Errors not in the table default to 502, matching "no cross
// upstream retry, load-balancer exclusion is the only recovery mechanism".
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequestPath):
		return 400
	case errors.Is(err, ErrNoTipYet),
		errors.Is(err, ErrNoEligibleCluster),
		errors.Is(err, ErrClusterMissing),
		errors.Is(err, ErrNoMatchingChain):
		return 502
	default:
		return 502
	}
}
