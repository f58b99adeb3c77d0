package message

import (
	"context"
	"errors"
	"testing"
	"time"

	"astralune/pkg/identity"
	"astralune/pkg/transport"
	"astralune/pkg/transport/transporttest"

	"github.com/stretchr/testify/require"
)

const (
	botAddress   = "628000:3@s.whatsapp.net"
	userAddress  = "628111@s.whatsapp.net"
	groupAddress = "120363025@g.us"
)

func TestExtractTextIsTotal(t *testing.T) {
	t.Parallel()

	list := &transport.ListResponse{}
	list.SingleSelectReply.SelectedRowID = "row-2"

	cases := []struct {
		name    string
		payload transport.Payload
		want    string
	}{
		{"conversation", transport.Payload{Conversation: "!ping"}, "!ping"},
		{"image", transport.Payload{Image: &transport.Media{Caption: "look"}}, "look"},
		{"video", transport.Payload{Video: &transport.Media{Caption: "clip"}}, "clip"},
		{"extended", transport.Payload{ExtendedText: &transport.ExtendedText{Text: ".menu"}}, ".menu"},
		{"button", transport.Payload{ButtonsResponse: &transport.ButtonsResponse{SelectedButtonID: "btn-1"}}, "btn-1"},
		{"list", transport.Payload{ListResponse: list}, "row-2"},
		{"template", transport.Payload{TemplateButtonReply: &transport.TemplateButtonReply{SelectedID: "tpl"}}, "tpl"},
		{"sticker", transport.Payload{Other: "stickerMessage"}, ""},
		{"empty", transport.Payload{}, ""},
	}

	builder := NewBuilder(nil)
	client := transporttest.New(botAddress)
	for _, tc := range cases {
		mc := builder.Build(context.Background(), transport.Event{ID: tc.name, Chat: userAddress, Payload: tc.payload}, client)
		require.NotNil(t, mc, tc.name)
		require.Equal(t, tc.want, mc.Text, tc.name)
	}
}

func TestBuildDirectMessage(t *testing.T) {
	t.Parallel()

	event := transport.Event{
		ID:        "m1",
		Chat:      "628111:4@s.whatsapp.net",
		PushName:  "Rani",
		Timestamp: time.Unix(1700000000, 0),
		Payload:   transport.Payload{Conversation: "hi"},
	}

	mc := NewBuilder(nil).Build(context.Background(), event, transporttest.New(botAddress))
	require.Equal(t, userAddress, mc.Sender.String())
	require.Equal(t, userAddress, mc.Chat.String())
	require.False(t, mc.IsGroup)
	require.False(t, mc.Group.Available)
	require.False(t, mc.IsAdmin)
	require.Equal(t, "Rani", mc.PushName)
	require.Equal(t, "conversation", mc.Kind)
}

func TestBuildSelfSentUsesOwnAccount(t *testing.T) {
	t.Parallel()

	event := transport.Event{ID: "m2", Chat: userAddress, FromMe: true, Payload: transport.Payload{Conversation: "!restart"}}

	mc := NewBuilder(nil).Build(context.Background(), event, transporttest.New(botAddress))
	require.True(t, mc.FromMe)
	require.True(t, identity.SameUserRaw(botAddress, mc.Sender.String()))
	require.Equal(t, "628000", mc.PushName)
}

func TestBuildGroupResolvesRoleAndRosterName(t *testing.T) {
	t.Parallel()

	client := transporttest.New(botAddress)
	client.SetGroup(transport.GroupMetadata{
		ID:      groupAddress,
		Subject: "Night Shift",
		Participants: []transport.Participant{
			{ID: "628111:9@s.whatsapp.net", Role: transport.RoleAdmin, Name: "Rani (admin)"},
			{ID: "628222@s.whatsapp.net"},
		},
	})

	event := transport.Event{
		ID:          "m3",
		Chat:        groupAddress,
		Participant: userAddress,
		PushName:    "Rani",
		Payload:     transport.Payload{Conversation: "!memberinfo"},
	}

	mc := NewBuilder(nil).Build(context.Background(), event, client)
	require.True(t, mc.IsGroup)
	require.True(t, mc.Group.Available)
	require.Equal(t, "Night Shift", mc.Group.Subject)
	require.Len(t, mc.Group.Participants, 2)
	require.Equal(t, transport.RoleMember, mc.Group.Participants[1].Role)
	require.Equal(t, transport.RoleAdmin, mc.Group.SenderRole)
	require.True(t, mc.IsAdmin)
	require.Equal(t, "Rani (admin)", mc.PushName)
	require.Len(t, mc.Group.Admins(), 1)
}

func TestBuildGroupDegradesOnMetadataFailure(t *testing.T) {
	t.Parallel()

	client := transporttest.New(botAddress)
	client.FailGroups(errors.New("rate limited"))

	event := transport.Event{
		ID:          "m4",
		Chat:        groupAddress,
		Participant: "628333@s.whatsapp.net",
		PushName:    "",
		Payload:     transport.Payload{Conversation: "!ping"},
	}

	mc := NewBuilder(nil).Build(context.Background(), event, client)
	require.True(t, mc.IsGroup)
	require.False(t, mc.Group.Available)
	require.Empty(t, mc.Group.Participants)
	require.False(t, mc.IsAdmin)
	require.Equal(t, "!ping", mc.Text)
	require.Equal(t, "628333", mc.PushName)
	require.Equal(t, 1, client.MetadataCalls())
}

func TestBuildWithUnparseableAddresses(t *testing.T) {
	t.Parallel()

	event := transport.Event{ID: "m5", Chat: "???", Payload: transport.Payload{Other: "reactionMessage"}}

	mc := NewBuilder(nil).Build(context.Background(), event, nil)
	require.NotNil(t, mc)
	require.Equal(t, "", mc.Text)
	require.False(t, mc.IsGroup)
	require.Equal(t, "???", mc.PushName)
	require.Equal(t, "reactionMessage", mc.Kind)
}
