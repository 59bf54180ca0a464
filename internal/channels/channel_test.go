package channels

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/basket/go-conductor/internal/bus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTelegramChannel_Name(t *testing.T) {
	ch := NewTelegramChannel("token", nil, nil, nil, Controller{}, testLogger())
	if ch.Name() != "telegram" {
		t.Errorf("Name() = %q, want telegram", ch.Name())
	}
}

func TestTelegramChannel_AllowlistEmpty(t *testing.T) {
	ch := NewTelegramChannel("token", nil, nil, nil, Controller{}, testLogger())
	if _, ok := ch.allowedIDs[12345]; ok {
		t.Error("empty allowlist should admit nobody")
	}
}

func TestTelegramChannel_AllowlistPopulated(t *testing.T) {
	ch := NewTelegramChannel("token", []int64{111, 222}, nil, nil, Controller{}, testLogger())
	if _, ok := ch.allowedIDs[111]; !ok {
		t.Error("111 should be allowed")
	}
	if _, ok := ch.allowedIDs[333]; ok {
		t.Error("333 should not be allowed")
	}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		input   string
		command string
		arg     string
		wantErr bool
	}{
		{"/status", "status", "", false},
		{"/ack evt-123", "ack", "evt-123", false},
		{"/pause proj-1", "pause", "proj-1", false},
		{"/resume  proj-1 ", "resume", "proj-1", false},
		{"/ack", "", "", true},
		{"/pause", "", "", true},
		{"not a command", "", "", true},
		{"/", "", "", true},
	}
	for _, tc := range cases {
		command, arg, err := parseCommand(tc.input)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseCommand(%q) expected error", tc.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseCommand(%q): %v", tc.input, err)
			continue
		}
		if command != tc.command || arg != tc.arg {
			t.Errorf("parseCommand(%q) = (%q, %q), want (%q, %q)", tc.input, command, arg, tc.command, tc.arg)
		}
	}
}

func TestEscapeMarkdownV2(t *testing.T) {
	got := escapeMarkdownV2("a_b*c.d!e")
	want := `a\_b\*c\.d\!e`
	if got != want {
		t.Errorf("escapeMarkdownV2 = %q, want %q", got, want)
	}
	if escapeMarkdownV2("plain") != "plain" {
		t.Error("plain text should pass through unchanged")
	}
}

func TestFormatTriggerNotice(t *testing.T) {
	notice := bus.TriggerEventNotice{
		TriggerEventID: "evt-9",
		ProjectID:      "proj-1",
		Severity:       "high",
		Occurrences:    3,
	}

	raised := formatTriggerNotice(bus.TopicTriggerRaised, notice)
	if !strings.Contains(raised, "attention needed") || !strings.Contains(raised, "/ack evt\\-9") {
		t.Errorf("raised notice = %q", raised)
	}

	escalated := formatTriggerNotice(bus.TopicTriggerEscalated, notice)
	if !strings.Contains(escalated, "escalated to high") {
		t.Errorf("escalated notice = %q", escalated)
	}

	if formatTriggerNotice(bus.TopicTriggerResolved, notice) != "" {
		t.Error("resolved notices should not push to operators")
	}
}

func TestSeverityEmoji(t *testing.T) {
	if severityEmoji("high") != severityEmoji("critical") {
		t.Error("high and critical should share the alert emoji")
	}
	if severityEmoji("low") == severityEmoji("high") {
		t.Error("low should not look like an alert")
	}
}
