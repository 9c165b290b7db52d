package discord

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/bwmarrin/discordgo"
)

func TestIntentsFor(t *testing.T) {
	t.Parallel()

	base := intentsFor(false)
	for _, want := range []discordgo.Intent{
		discordgo.IntentGuilds,
		discordgo.IntentGuildMessages,
		discordgo.IntentMessageContent,
		discordgo.IntentGuildWebhooks,
	} {
		if base&want == 0 {
			t.Errorf("base intents missing %d", want)
		}
	}
	if base&discordgo.IntentGuildMembers != 0 {
		t.Error("base intents request privileged members intent")
	}

	priv := intentsFor(true)
	if priv&discordgo.IntentGuildMembers == 0 || priv&discordgo.IntentGuildModeration == 0 {
		t.Error("privileged intents missing members or moderation")
	}
}

func TestNotFound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"rest 404", &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusNotFound}}, true},
		{"rest 403", &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusForbidden}}, false},
		{"wrapped 404", fmt.Errorf("delete: %w", &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusNotFound}}), true},
		{"rest no response", &discordgo.RESTError{}, false},
	}
	for _, tt := range tests {
		if got := notFound(tt.err); got != tt.want {
			t.Errorf("notFound(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
