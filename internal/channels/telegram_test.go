package channels_test

import (
	"testing"

	"github.com/Narth/Calyx-sub001/internal/channels"
)

// Compile-time interface check: TelegramChannel must implement Channel.
var _ channels.Channel = (*channels.TelegramChannel)(nil)

func TestTelegramChannel_Name(t *testing.T) {
	ch := channels.NewTelegramChannel(channels.TelegramConfig{Token: "fake-token"})
	if got := ch.Name(); got != "telegram" {
		t.Fatalf("Name() = %q, want %q", got, "telegram")
	}
}

func TestTelegramChannel_EnabledNeedsTokenAndAllowlist(t *testing.T) {
	cases := []struct {
		name  string
		token string
		chats []int64
		want  bool
	}{
		{"unconfigured", "", nil, false},
		{"token only", "fake-token", nil, false},
		{"allowlist only", "", []int64{42}, false},
		{"fully configured", "fake-token", []int64{42}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ch := channels.NewTelegramChannel(channels.TelegramConfig{
				Token:          tc.token,
				AllowedChatIDs: tc.chats,
			})
			if got := ch.Enabled(); got != tc.want {
				t.Errorf("Enabled() = %v, want %v", got, tc.want)
			}
		})
	}
}
