package jobexec

import (
	"fmt"
	"log/slog"
)

// unsupportedMandatory lists requirement names this engine cannot honor at
// all; if declared under "requirements" they abort the job, if declared
// under "hints" they only produce a warning.
var unsupportedMandatory = map[string]string{
	"MPIRequirement":  "no MPI launcher is wired into the tool runtime",
	"CUDARequirement": "use the cudaDeviceCount hint and a GPU-aware backend instead",
}

// ScanUnsupportedRequirements implements the supplemented "fail fast on
// requirements we cannot honor" feature: every requirement this engine does
// not understand and cannot execute correctly is either a hard failure (if
// declared as a mandatory requirement) or a logged warning (if merely
// hinted). storeConfigured indicates whether a JobStore is wired in; when it
// is, InplaceUpdateRequirement is also unsupported, since files staged through
// the job store are copies that cannot be updated in place.
func ScanUnsupportedRequirements(tool map[string]any, storeConfigured bool, logger *slog.Logger) error {
	unsupported := unsupportedMandatory
	if storeConfigured {
		unsupported = make(map[string]string, len(unsupportedMandatory)+1)
		for k, v := range unsupportedMandatory {
			unsupported[k] = v
		}
		unsupported["InplaceUpdateRequirement"] = "files staged through the job store cannot be updated in place"
	}
	if reqs, ok := tool["requirements"].(map[string]any); ok {
		for name := range reqs {
			if reason, bad := unsupported[name]; bad {
				return &ErrUnsupportedRequirement{Name: name, Reason: reason}
			}
		}
	}
	if hints, ok := tool["hints"].(map[string]any); ok {
		for name := range hints {
			if reason, bad := unsupported[name]; bad {
				if logger != nil {
					logger.Warn("unsupported requirement present only as a hint, continuing without it",
						"requirement", name, "reason", reason)
				}
			}
		}
	}
	return nil
}
