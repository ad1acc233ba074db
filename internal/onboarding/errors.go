package onboarding

import (
	"context"
	"errors"
	"fmt"

	"github.com/InsulaLabs/agentgate/internal/events"
)

type Step string

const (
	StepValidate         Step = "validate"
	StepTenantController Step = "tenant-controller"
	StepReadPublicDID    Step = "read-public-did"
	StepEndorserInvite   Step = "endorser-invitation"
	StepAwaitConnection  Step = "await-connection"
	StepEndorserRoles    Step = "endorser-roles"
	StepRegisterDID      Step = "register-did"
	StepAwaitEndorsement Step = "await-endorsement"
	StepEndorse          Step = "endorse-transaction"
	StepCreateInvitation Step = "create-invitation"
	StepInvitationKey    Step = "invitation-recipient-key"
)

// StepError names the onboarding step that failed. Steps that ran before
// it are not undone.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("onboarding step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the step ran out of time, either waiting on an
// event or on the agent.
func (e *StepError) Timeout() bool {
	return events.IsTimeout(e.Err) || errors.Is(e.Err, context.DeadlineExceeded)
}

func AsStepError(err error) (*StepError, bool) {
	var se *StepError
	ok := errors.As(err, &se)
	return se, ok
}
