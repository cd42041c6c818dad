package syncstage

import (
	"fmt"

	"github.com/khryptorgraphics/orchestrall/internal/ports"
)

// Classify walks err's chain and reports whether it is node-specific
// (confined to the failing node, sync continues) or cycle-fatal (must
// abort the cycle).
// Agent I/O errors are wrapped into *ports.NodeSpecificError by the
// agent client adapter before reaching here; store/events errors are
// never wrapped and so classify as cycle-fatal.
func Classify(err error) (nodeSpecific bool, nse *ports.NodeSpecificError) {
	if err == nil {
		return false, nil
	}
	if n, ok := ports.AsNodeSpecific(err); ok {
		return true, n
	}
	return false, nil
}

// WithNodeSpecific splits a fallible step's error by classification:
// given a fallible step's error, it either returns (nil, nil) on
// success, (nodeErr, nil) when the failure is confined to one node, or
// (nil, cycleErr) when the cycle must abort.
func WithNodeSpecific(err error) (nodeErr *ports.NodeSpecificError, cycleErr error) {
	if err == nil {
		return nil, nil
	}
	if nodeSpecific, n := Classify(err); nodeSpecific {
		return n, nil
	}
	return nil, fmt.Errorf("cycle-fatal sync error: %w", err)
}
