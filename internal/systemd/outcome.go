package systemd

// InferOutcome classifies a finished job from the requested kind, the final
// unit status and the job result string, if one was observed. The checks run
// in a fixed priority order so the most specific cause wins:
//
//  1. the unit is not loaded
//  2. the job was canceled and the unit is not active
//  3. the unit failed (exec status preferred over the unit result)
//  4. the job result is something other than "done"
//  5. the active state does not match what kind requires
func InferOutcome(kind JobKind, status UnitStatus, jobResult *string) JobOutcome {
	if status.LoadState != LoadStateLoaded {
		return failed(status, FailureHint{Kind: HintNotLoaded, LoadState: status.LoadState})
	}

	if jobResult != nil && *jobResult == "canceled" && status.ActiveState != ActiveStateActive {
		return JobOutcome{Kind: OutcomeCanceled, Status: status}
	}

	if status.ActiveState == ActiveStateFailed {
		if status.ExecMainCode != nil && status.ExecMainStatus != nil {
			return failed(status, FailureHint{
				Kind:           HintExecMainFailed,
				ExecMainCode:   *status.ExecMainCode,
				ExecMainStatus: *status.ExecMainStatus,
			})
		}
		return failed(status, FailureHint{Kind: HintUnitFailed, Result: status.Result})
	}

	if jobResult != nil && *jobResult != "done" {
		r := *jobResult
		return failed(status, FailureHint{Kind: HintJobFailed, Result: &r})
	}

	if reachedTarget(kind, status.ActiveState) {
		return JobOutcome{Kind: OutcomeSuccess, Status: status}
	}
	return failed(status, FailureHint{
		Kind:        HintUnexpectedState,
		ActiveState: status.ActiveState,
		SubState:    status.SubState,
	})
}

func reachedTarget(kind JobKind, state ActiveState) bool {
	switch kind {
	case JobStart, JobRestart:
		return state == ActiveStateActive
	case JobStop:
		return state == ActiveStateInactive
	case JobReload:
		return state == ActiveStateActive || state == ActiveStateReloading
	}
	return false
}

func failed(status UnitStatus, hint FailureHint) JobOutcome {
	return JobOutcome{Kind: OutcomeFailed, Status: status, Reason: &hint}
}
