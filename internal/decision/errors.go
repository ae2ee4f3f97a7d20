package decision

import "errors"

// Failure kinds surfaced by the decision pipeline. Stages wrap these with
// fmt.Errorf("%w: ...") so callers can classify with errors.Is.
var (
	ErrRequestValidation       = errors.New("invalid decide request")
	ErrModelUnavailable        = errors.New("model backend unavailable")
	ErrMalformedModelOutput    = errors.New("malformed model output")
	ErrSchemaViolation         = errors.New("model output schema violation")
	ErrPolicyEngineUnavailable = errors.New("policy engine unavailable")
)
