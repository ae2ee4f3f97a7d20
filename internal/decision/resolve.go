package decision

// Resolve combines the policy verdict and the model's approval flag.
// A policy deny always wins; requiresApproval is trusted as given, so a model
// that fails to flag a risky action is only caught if the policy engine denies it.
func Resolve(eval PolicyEvaluation, action ModelAction) Decision {
	if !eval.Result() {
		return Deny
	}
	if action.RequiresApproval {
		return RequiresApproval
	}
	return Allow
}
