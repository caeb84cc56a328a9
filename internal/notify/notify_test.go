package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

type recordSender struct {
	name string
	fail bool
	sent []string
}

func (r *recordSender) Send(_ context.Context, title, message string) error {
	if r.fail {
		return errors.New("boom")
	}
	r.sent = append(r.sent, title+"|"+message)
	return nil
}

func (r *recordSender) Name() string { return r.name }

func TestNotifierFiltersEvents(t *testing.T) {
	rec := &recordSender{name: "rec"}
	n := NewNotifier([]Sender{rec}, []string{"auction_dispute", " market_paused "}, nil)

	if err := n.Notify(context.Background(), "auction_sale", "Sale", "x"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := n.Notify(context.Background(), "market_paused", "Paused", "m1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.sent) != 1 || rec.sent[0] != "Paused|m1" {
		t.Fatalf("sent = %v", rec.sent)
	}
}

func TestNotifierContinuesPastFailures(t *testing.T) {
	bad := &recordSender{name: "bad", fail: true}
	good := &recordSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, nil)

	err := n.Notify(context.Background(), "anything", "T", "M")
	if err == nil || !strings.Contains(err.Error(), "bad: boom") {
		t.Fatalf("expected combined error, got %v", err)
	}
	if len(good.sent) != 1 {
		t.Fatalf("good sender skipped")
	}
}

func TestParseWebhookURL(t *testing.T) {
	id, token, err := parseWebhookURL("https://discord.com/api/webhooks/123456/abc-DEF_tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "123456" || token != "abc-DEF_tok" {
		t.Fatalf("id=%q token=%q", id, token)
	}
	for _, bad := range []string{"https://discord.com/api/channels/1", "https://discord.com/api/webhooks/123"} {
		if _, _, err := parseWebhookURL(bad); err == nil {
			t.Fatalf("%q should fail", bad)
		}
	}
}

func TestDiscordContentTruncates(t *testing.T) {
	got := discordContent("Title", strings.Repeat("x", 3000))
	if len(got) != discordMaxContent || !strings.HasSuffix(got, "...") {
		t.Fatalf("len=%d", len(got))
	}
}

func TestDiscordContentKeepsRunesWhole(t *testing.T) {
	got := discordContent("t", strings.Repeat("é", 1500))
	if len(got) > discordMaxContent {
		t.Fatalf("len=%d exceeds %d", len(got), discordMaxContent)
	}
	if !utf8.ValidString(got) {
		t.Fatalf("content is not valid UTF-8")
	}
	if !strings.HasSuffix(got, "é...") {
		t.Fatalf("unexpected tail %q", got[len(got)-8:])
	}
}
