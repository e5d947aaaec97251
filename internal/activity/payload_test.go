package activity

import (
	"testing"

	"github.com/MarcoPoloResearchLab/relations/internal/crm"
	"github.com/stretchr/testify/require"
)

func TestPayloadDecodesEachVariant(t *testing.T) {
	payloads := []Payload{
		CommentCreated{CommentID: 3, ActorUserID: 1, ContactID: 4},
		LeadCreated{LeadID: 2, ActorUserID: 1, CompanyID: 5},
		LeadStatusChanged{LeadID: 2, ActorUserID: 1, CompanyID: 5, ContactID: 4, OldStatus: crm.LeadStatusNew, NewStatus: crm.LeadStatusLost},
		EmailReceived{EmailID: 9, CompanyID: 5},
	}
	for _, payload := range payloads {
		event := Event{ID: 1, EventType: payload.Type()}
		payload.apply(&event)

		decoded, err := event.Payload()
		require.NoError(t, err, payload.Type())
		require.Equal(t, payload, decoded)
	}
}

func TestEmailReceivedAllowsMissingActor(t *testing.T) {
	event := Event{EventType: EventTypeEmailReceived}
	EmailReceived{EmailID: 9}.apply(&event)
	require.Nil(t, event.ActorUserID)
	require.Nil(t, event.CompanyID)
}

func TestPayloadRejectsForeignFields(t *testing.T) {
	status := crm.LeadStatusWon
	cases := []Event{
		{EventType: EventTypeCommentCreated, CommentID: int64Ptr(1), ActorUserID: int64Ptr(1), EmailID: int64Ptr(2)},
		{EventType: EventTypeLeadCreated, LeadID: int64Ptr(1), ActorUserID: int64Ptr(1), CompanyID: int64Ptr(1), NewStatus: &status},
		{EventType: EventTypeLeadStatusChanged, LeadID: int64Ptr(1), ActorUserID: int64Ptr(1), CompanyID: int64Ptr(1), NewStatus: &status},
		{EventType: EventTypeEmailReceived, EmailID: int64Ptr(1), LeadID: int64Ptr(2)},
		{EventType: "note_created"},
	}
	for _, event := range cases {
		_, err := event.Payload()
		require.ErrorIs(t, err, ErrInvalidPayload, event.EventType)
	}
}
