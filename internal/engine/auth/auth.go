package auth

import (
	"fmt"

	"servline/internal/domain"
)

type Role string

const (
	RoleRequester Role = "requester"
	RoleFulfiller Role = "fulfiller"
)

// ForbiddenError reports a caller who is not allowed to apply an event,
// either because they are not a participant or their role is not permitted.
type ForbiddenError struct {
	Event string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("caller is not allowed to %s this request", e.Event)
}

// ParticipantRole resolves the caller's role on a request. The empty role
// means the caller is not a participant.
func ParticipantRole(req domain.Request, userID string) Role {
	switch userID {
	case req.RequesterID:
		return RoleRequester
	case req.FulfillerID:
		return RoleFulfiller
	}
	return ""
}

// allowedRoles gates lifecycle events by participant role. Acceptance and
// delivery events belong to the fulfiller; either participant may cancel.
var allowedRoles = map[string][]Role{
	"accept":   {RoleFulfiller},
	"reject":   {RoleFulfiller},
	"start":    {RoleFulfiller},
	"complete": {RoleFulfiller},
	"cancel":   {RoleRequester, RoleFulfiller},
}

// Authorize checks the caller's role against the event's allowed roles. It
// runs before any state inspection so an outsider probing a request learns
// nothing about its current status.
func Authorize(req domain.Request, userID, event string) error {
	role := ParticipantRole(req, userID)
	if role == "" {
		return ForbiddenError{Event: event}
	}
	for _, allowed := range allowedRoles[event] {
		if role == allowed {
			return nil
		}
	}
	return ForbiddenError{Event: event}
}
