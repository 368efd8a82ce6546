package ics

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const sampleInvite = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//Example//Mail//DE\r\n" +
	"METHOD:REQUEST\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:kickoff-1@example.com\r\n" +
	"SUMMARY:Kickoff\r\n" +
	"LOCATION:Raum 4\r\n" +
	"DESCRIPTION:Projektstart\r\n" +
	"ORGANIZER;CN=Chef:mailto:chef@example.com\r\n" +
	"ATTENDEE;PARTSTAT=NEEDS-ACTION;CN=Alex:mailto:alex@example.com\r\n" +
	"ATTENDEE;PARTSTAT=ACCEPTED:mailto:kim@example.com\r\n" +
	"DTSTART:20250310T090000Z\r\n" +
	"DTEND:20250310T100000Z\r\n" +
	"LAST-MODIFIED:20250309T120000Z\r\n" +
	"SEQUENCE:2\r\n" +
	"STATUS:CONFIRMED\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestDecode(t *testing.T) {
	t.Run("extracts invitation fields", func(t *testing.T) {
		event, err := Decode(sampleInvite)
		if err != nil {
			t.Fatalf("failed to decode: %v", err)
		}

		if event.UID != "kickoff-1@example.com" {
			t.Errorf("expected UID 'kickoff-1@example.com', got %q", event.UID)
		}
		if event.Summary != "Kickoff" {
			t.Errorf("expected summary 'Kickoff', got %q", event.Summary)
		}
		if event.Organizer != "mailto:chef@example.com" {
			t.Errorf("expected organizer value, got %q", event.Organizer)
		}
		if event.Location != "Raum 4" {
			t.Errorf("expected location 'Raum 4', got %q", event.Location)
		}
		if event.Method != MethodRequest {
			t.Errorf("expected method REQUEST, got %q", event.Method)
		}
		if event.Status != "CONFIRMED" {
			t.Errorf("expected status CONFIRMED, got %q", event.Status)
		}
		if event.Sequence != 2 {
			t.Errorf("expected sequence 2, got %d", event.Sequence)
		}

		wantStart := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
		if event.Start == nil || !event.Start.Equal(wantStart) {
			t.Errorf("expected start %v, got %v", wantStart, event.Start)
		}
		wantEnd := wantStart.Add(time.Hour)
		if event.End == nil || !event.End.Equal(wantEnd) {
			t.Errorf("expected end %v, got %v", wantEnd, event.End)
		}
		wantMod := time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)
		if event.LastModified == nil || !event.LastModified.Equal(wantMod) {
			t.Errorf("expected last modified %v, got %v", wantMod, event.LastModified)
		}

		if len(event.Attendees) != 2 {
			t.Fatalf("expected 2 attendees, got %d", len(event.Attendees))
		}
		if event.Attendees[0].PartStat != "NEEDS-ACTION" {
			t.Errorf("expected first partstat NEEDS-ACTION, got %q", event.Attendees[0].PartStat)
		}
		if event.Attendees[0].Name != "Alex" {
			t.Errorf("expected first attendee name 'Alex', got %q", event.Attendees[0].Name)
		}
		if event.Attendees[1].Value != "mailto:kim@example.com" {
			t.Errorf("expected second attendee value, got %q", event.Attendees[1].Value)
		}

		if event.Payload != sampleInvite {
			t.Error("expected payload to carry the original text unchanged")
		}
	})

	t.Run("converts offset timezone to UTC", func(t *testing.T) {
		payload := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//T//T//EN\r\nBEGIN:VEVENT\r\n" +
			"UID:tz-1@example.com\r\n" +
			"DTSTART;TZID=GMT+0100:20250310T100000\r\n" +
			"END:VEVENT\r\nEND:VCALENDAR\r\n"

		event, err := Decode(payload)
		if err != nil {
			t.Fatalf("failed to decode: %v", err)
		}
		want := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
		if event.Start == nil || !event.Start.Equal(want) {
			t.Errorf("expected start %v, got %v", want, event.Start)
		}
	})

	t.Run("method alone does not cancel", func(t *testing.T) {
		payload := strings.Replace(sampleInvite, "METHOD:REQUEST", "METHOD:CANCEL", 1)
		event, err := Decode(payload)
		if err != nil {
			t.Fatalf("failed to decode: %v", err)
		}
		if event.Method != MethodCancel {
			t.Errorf("expected method CANCEL, got %q", event.Method)
		}
		if event.IsCancelled() {
			t.Error("STATUS:CONFIRMED must win over METHOD:CANCEL")
		}
	})

	t.Run("detects cancellation by status", func(t *testing.T) {
		payload := strings.Replace(sampleInvite, "STATUS:CONFIRMED", "STATUS:CANCELLED", 1)
		event, err := Decode(payload)
		if err != nil {
			t.Fatalf("failed to decode: %v", err)
		}
		if !event.IsCancelled() {
			t.Error("expected cancellation via STATUS:CANCELLED")
		}
	})

	t.Run("reads reply participation status", func(t *testing.T) {
		payload := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//T//T//EN\r\nMETHOD:REPLY\r\nBEGIN:VEVENT\r\n" +
			"UID:kickoff-1@example.com\r\n" +
			"ATTENDEE;PARTSTAT=NEEDS-ACTION:mailto:kim@example.com\r\n" +
			"ATTENDEE;PARTSTAT=DECLINED:mailto:alex@example.com\r\n" +
			"END:VEVENT\r\nEND:VCALENDAR\r\n"

		event, err := Decode(payload)
		if err != nil {
			t.Fatalf("failed to decode: %v", err)
		}
		if event.Method != MethodReply {
			t.Errorf("expected method REPLY, got %q", event.Method)
		}
		if got := event.ReplyStatus(); got != "DECLINED" {
			t.Errorf("expected reply status DECLINED, got %q", got)
		}
	})

	t.Run("reply status empty for requests", func(t *testing.T) {
		event, err := Decode(sampleInvite)
		if err != nil {
			t.Fatalf("failed to decode: %v", err)
		}
		if got := event.ReplyStatus(); got != "" {
			t.Errorf("expected empty reply status, got %q", got)
		}
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := Decode("this is not a calendar")
		if !errors.Is(err, ErrParseFailed) {
			t.Errorf("expected ErrParseFailed, got %v", err)
		}
	})

	t.Run("rejects calendar without events", func(t *testing.T) {
		payload := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//T//T//EN\r\nEND:VCALENDAR\r\n"
		_, err := Decode(payload)
		if !errors.Is(err, ErrNoEvent) {
			t.Errorf("expected ErrNoEvent, got %v", err)
		}
	})

	t.Run("rejects event without UID", func(t *testing.T) {
		payload := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//T//T//EN\r\nBEGIN:VEVENT\r\n" +
			"SUMMARY:Ohne UID\r\n" +
			"END:VEVENT\r\nEND:VCALENDAR\r\n"
		_, err := Decode(payload)
		if !errors.Is(err, ErrNoEvent) {
			t.Errorf("expected ErrNoEvent, got %v", err)
		}
	})
}

func TestDecodeAll(t *testing.T) {
	multiInvite := "BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"PRODID:-//Example//Mail//DE\r\n" +
		"METHOD:REQUEST\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:serie-1@example.com\r\n" +
		"SUMMARY:Jour fixe Montag\r\n" +
		"DTSTART:20250310T090000Z\r\n" +
		"END:VEVENT\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:serie-2@example.com\r\n" +
		"SUMMARY:Jour fixe Mittwoch\r\n" +
		"DTSTART:20250312T090000Z\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n"

	t.Run("splits multi event calendars", func(t *testing.T) {
		events, err := DecodeAll(multiInvite)
		if err != nil {
			t.Fatalf("failed to decode: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("expected 2 events, got %d", len(events))
		}
		if events[0].UID != "serie-1@example.com" || events[1].UID != "serie-2@example.com" {
			t.Errorf("expected document order, got %q then %q", events[0].UID, events[1].UID)
		}
		for _, event := range events {
			if event.Method != MethodRequest {
				t.Errorf("expected calendar method on %s, got %q", event.UID, event.Method)
			}
		}
	})

	t.Run("split payloads hold one event each", func(t *testing.T) {
		events, err := DecodeAll(multiInvite)
		if err != nil {
			t.Fatalf("failed to decode: %v", err)
		}
		for _, event := range events {
			again, err := DecodeAll(event.Payload)
			if err != nil {
				t.Fatalf("failed to re-decode payload of %s: %v", event.UID, err)
			}
			if len(again) != 1 {
				t.Fatalf("expected single event payload for %s, got %d", event.UID, len(again))
			}
			if again[0].UID != event.UID {
				t.Errorf("expected payload UID %s, got %s", event.UID, again[0].UID)
			}
			if again[0].Method != MethodRequest {
				t.Errorf("expected method to survive the split, got %q", again[0].Method)
			}
		}
	})

	t.Run("single event keeps original text", func(t *testing.T) {
		events, err := DecodeAll(sampleInvite)
		if err != nil {
			t.Fatalf("failed to decode: %v", err)
		}
		if len(events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(events))
		}
		if events[0].Payload != sampleInvite {
			t.Error("expected payload to carry the original text unchanged")
		}
	})
}

func TestAnnotateResponse(t *testing.T) {
	t.Run("marks every event", func(t *testing.T) {
		payload := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//T//T//EN\r\nBEGIN:VEVENT\r\n" +
			"UID:a@example.com\r\nEND:VEVENT\r\nBEGIN:VEVENT\r\n" +
			"UID:b@example.com\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"

		annotated, err := AnnotateResponse(payload, "accepted")
		if err != nil {
			t.Fatalf("failed to annotate: %v", err)
		}

		if got := strings.Count(annotated, PropResponse+":ACCEPTED"); got != 2 {
			t.Errorf("expected marker on 2 events, found %d in:\n%s", got, annotated)
		}
	})

	t.Run("replaces existing marker", func(t *testing.T) {
		annotated, _ := AnnotateResponse(sampleInvite, "tentative")
		again, err := AnnotateResponse(annotated, "declined")
		if err != nil {
			t.Fatalf("failed to re-annotate: %v", err)
		}

		if strings.Contains(again, PropResponse+":TENTATIVE") {
			t.Error("old marker should be replaced")
		}
		if !strings.Contains(again, PropResponse+":DECLINED") {
			t.Error("new marker missing")
		}
	})
}

func TestMarkCancelled(t *testing.T) {
	cancelled, err := MarkCancelled(sampleInvite)
	if err != nil {
		t.Fatalf("failed to mark cancelled: %v", err)
	}

	event, err := Decode(cancelled)
	if err != nil {
		t.Fatalf("failed to decode cancelled payload: %v", err)
	}
	if event.Status != "CANCELLED" {
		t.Errorf("expected status CANCELLED, got %q", event.Status)
	}
	if !event.IsCancelled() {
		t.Error("expected payload to read as cancelled")
	}
	// Everything else survives
	if event.Summary != "Kickoff" {
		t.Errorf("summary should survive, got %q", event.Summary)
	}
}

func TestExtractSnapshot(t *testing.T) {
	snapshot, err := ExtractSnapshot(sampleInvite)
	if err != nil {
		t.Fatalf("failed to extract snapshot: %v", err)
	}

	if snapshot["summary"] != "Kickoff" {
		t.Errorf("expected summary 'Kickoff', got %v", snapshot["summary"])
	}
	if snapshot["status"] != "CONFIRMED" {
		t.Errorf("expected status CONFIRMED, got %v", snapshot["status"])
	}
	if snapshot["start"] != "2025-03-10T09:00:00Z" {
		t.Errorf("expected RFC 3339 start, got %v", snapshot["start"])
	}
	if snapshot["end"] != "2025-03-10T10:00:00Z" {
		t.Errorf("expected RFC 3339 end, got %v", snapshot["end"])
	}
}

func TestMergePayloads(t *testing.T) {
	calendarSide := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//Server//DAV//EN\r\nBEGIN:VEVENT\r\n" +
		"UID:kickoff-1@example.com\r\n" +
		"SUMMARY:Kickoff (Raumänderung)\r\n" +
		"LOCATION:Raum 7\r\n" +
		"DTSTART:20250310T090000Z\r\n" +
		"DTEND:20250310T110000Z\r\n" +
		"END:VEVENT\r\nEND:VCALENDAR\r\n"

	t.Run("takes selected fields from each side", func(t *testing.T) {
		merged, err := MergePayloads(sampleInvite, calendarSide, map[string]string{
			"summary":  "email",
			"location": "calendar",
			"end":      "calendar",
		})
		if err != nil {
			t.Fatalf("failed to merge: %v", err)
		}

		event, err := Decode(merged)
		if err != nil {
			t.Fatalf("failed to decode merged payload: %v", err)
		}
		if event.Summary != "Kickoff" {
			t.Errorf("expected mail summary, got %q", event.Summary)
		}
		if event.Location != "Raum 7" {
			t.Errorf("expected calendar location, got %q", event.Location)
		}
		wantEnd := time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC)
		if event.End == nil || !event.End.Equal(wantEnd) {
			t.Errorf("expected calendar end %v, got %v", wantEnd, event.End)
		}
		// Unselected fields keep the mail value
		if event.Organizer != "mailto:chef@example.com" {
			t.Errorf("expected mail organizer, got %q", event.Organizer)
		}
	})

	t.Run("calendar side without the field clears it", func(t *testing.T) {
		merged, err := MergePayloads(sampleInvite, calendarSide, map[string]string{
			"description": "calendar",
		})
		if err != nil {
			t.Fatalf("failed to merge: %v", err)
		}

		event, _ := Decode(merged)
		if event.Description != "" {
			t.Errorf("expected description cleared, got %q", event.Description)
		}
	})

	t.Run("rejects unknown field", func(t *testing.T) {
		_, err := MergePayloads(sampleInvite, calendarSide, map[string]string{"color": "calendar"})
		if !errors.Is(err, ErrUnknownField) {
			t.Errorf("expected ErrUnknownField, got %v", err)
		}
	})

	t.Run("rejects unknown side", func(t *testing.T) {
		_, err := MergePayloads(sampleInvite, calendarSide, map[string]string{"summary": "both"})
		if !errors.Is(err, ErrUnknownField) {
			t.Errorf("expected ErrUnknownField, got %v", err)
		}
	})
}

func TestEmailFromValue(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"mailto:chef@example.com", "chef@example.com"},
		{"MAILTO:Chef@Example.com", "chef@example.com"},
		{"chef@example.com", "chef@example.com"},
		{" <chef@example.com> ", "chef@example.com"},
		{"", ""},
	}

	for _, tc := range cases {
		if got := EmailFromValue(tc.in); got != tc.want {
			t.Errorf("EmailFromValue(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
