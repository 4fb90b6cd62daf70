package engine

// Evaluate derives the verdict for one snapshot. It is a pure function of its
// inputs: it performs no I/O and keeps no memory of earlier snapshots.
//
// Precedence, highest first:
//  1. any resource failed: VerdictFailed, or VerdictPartialFailure when tolerated
//  2. every resource succeeded: VerdictSuccess
//  3. otherwise: VerdictPending
func Evaluate(snapshot *Snapshot, tolerance FailureTolerance) Verdict {
	if snapshot == nil || len(snapshot.Observations) == 0 {
		return VerdictPending
	}

	succeeded := 0
	for _, obs := range snapshot.Observations {
		switch obs.Status {
		case StatusFailed:
			if tolerance == FailuresTolerated {
				return VerdictPartialFailure
			}
			return VerdictFailed
		case StatusSuccess:
			succeeded++
		}
	}

	if succeeded == len(snapshot.Observations) {
		return VerdictSuccess
	}
	return VerdictPending
}
