package quality

// Classify routes one merged issue:
//
//   - need-human resolvability always escalates, regardless of confidence
//   - high confidence + auto-fix + unanimous panel answers auto-resolves
//   - medium confidence goes to the validator agent
//   - everything else escalates
//
// An auto-resolvable issue whose majority answer is tied is bumped to
// needs-validation rather than guessing.
func Classify(issue Issue) Classification {
	if issue.Resolvability == ResolvabilityNeedHuman {
		return ClassEscalate
	}
	if issue.Confidence == ConfidenceHigh &&
		issue.Resolvability == ResolvabilityAutoFix &&
		Unanimous(issue) {
		if AnswerTied(issue) {
			return ClassNeedsValidation
		}
		return ClassAutoResolve
	}
	if issue.Confidence == ConfidenceMedium {
		return ClassNeedsValidation
	}
	return ClassEscalate
}
