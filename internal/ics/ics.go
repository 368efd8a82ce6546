package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

var (
	ErrParseFailed  = errors.New("failed to parse calendar data")
	ErrNoEvent      = errors.New("no event in calendar data")
	ErrUnknownField = errors.New("unknown merge field")
)

// PropResponse is the private property carrying the tracked participation
// answer. It is written to every VEVENT of a stored payload.
const PropResponse = "X-CALSYNC-RESPONSE"

// Method values relevant for mail-borne invitations.
const (
	MethodRequest = "REQUEST"
	MethodCancel  = "CANCEL"
	MethodReply   = "REPLY"
)

// mergeableFields maps merge selection keys to the VEVENT properties they
// control.
var mergeableFields = map[string]string{
	"summary":     ical.PropSummary,
	"organizer":   ical.PropOrganizer,
	"start":       ical.PropDateTimeStart,
	"end":         ical.PropDateTimeEnd,
	"location":    ical.PropLocation,
	"description": ical.PropDescription,
}

// Attendee is one ATTENDEE line of an event.
type Attendee struct {
	Value    string // typically mailto:user@example.com
	Name     string // CN parameter
	PartStat string // uppercase participation status
	Role     string
	CUType   string
	RSVP     bool
}

// Event is the decoded view of one VEVENT in a calendar payload.
type Event struct {
	UID          string
	Summary      string
	Organizer    string
	Location     string
	Description  string
	Status       string // uppercase STATUS value
	Method       string // uppercase calendar METHOD
	Sequence     int
	Start        *time.Time
	End          *time.Time
	LastModified *time.Time
	Attendees    []Attendee
	// Payload is an iCalendar document holding just this event. For
	// single-event inputs it is the original text, byte for byte.
	Payload string
}

// IsCancelled reports whether the event itself carries STATUS:CANCELLED.
// Whether the organizer initiated the cancellation is a separate question
// answered by the calendar METHOD.
func (e *Event) IsCancelled() bool {
	return e.Status == "CANCELLED"
}

// OrganizerEmail returns the bare lowercase address of the organizer.
func (e *Event) OrganizerEmail() string {
	return EmailFromValue(e.Organizer)
}

// ReplyStatus returns the participation answer carried by a REPLY, or the
// empty string when the payload is not a reply or no attendee carries a
// recognizable PARTSTAT.
func (e *Event) ReplyStatus() string {
	if e.Method != MethodReply {
		return ""
	}
	for _, att := range e.Attendees {
		switch att.PartStat {
		case "ACCEPTED", "TENTATIVE", "DECLINED":
			return att.PartStat
		}
	}
	return ""
}

// Decode parses a calendar payload and extracts its first VEVENT.
func Decode(payload string) (*Event, error) {
	events, err := DecodeAll(payload)
	if err != nil {
		return nil, err
	}
	return events[0], nil
}

// DecodeAll parses a calendar payload and returns one entry per VEVENT, in
// document order.
func DecodeAll(payload string) ([]*Event, error) {
	cal, err := parseCalendar(payload)
	if err != nil {
		return nil, err
	}

	vevents := cal.Events()
	if len(vevents) == 0 {
		return nil, ErrNoEvent
	}

	method := ""
	if prop := cal.Props.Get(ical.PropMethod); prop != nil {
		method = strings.ToUpper(strings.TrimSpace(prop.Value))
	}

	events := make([]*Event, 0, len(vevents))
	for i := range vevents {
		event, err := decodeEvent(vevents[i])
		if err != nil {
			return nil, err
		}
		event.Method = method
		if len(vevents) == 1 {
			event.Payload = payload
		} else {
			single, err := singleEventCalendar(cal, vevents[i])
			if err != nil {
				return nil, err
			}
			event.Payload = single
		}
		events = append(events, event)
	}
	return events, nil
}

// decodeEvent extracts the tracked fields of a single VEVENT.
func decodeEvent(vevent ical.Event) (*Event, error) {
	event := &Event{}
	if uid, err := vevent.Props.Text(ical.PropUID); err == nil {
		event.UID = uid
	}
	if summary, err := vevent.Props.Text(ical.PropSummary); err == nil {
		event.Summary = summary
	}
	if location, err := vevent.Props.Text(ical.PropLocation); err == nil {
		event.Location = location
	}
	if description, err := vevent.Props.Text(ical.PropDescription); err == nil {
		event.Description = description
	}
	if organizer := vevent.Props.Get(ical.PropOrganizer); organizer != nil {
		event.Organizer = organizer.Value
	}
	if status := vevent.Props.Get(ical.PropStatus); status != nil {
		event.Status = strings.ToUpper(strings.TrimSpace(status.Value))
	}
	if seq := vevent.Props.Get(ical.PropSequence); seq != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(seq.Value)); err == nil {
			event.Sequence = n
		}
	}

	event.Start = propTime(vevent.Props.Get(ical.PropDateTimeStart))
	event.End = propTime(vevent.Props.Get(ical.PropDateTimeEnd))
	event.LastModified = propTime(vevent.Props.Get(ical.PropLastModified))

	for _, att := range vevent.Props.Values(ical.PropAttendee) {
		event.Attendees = append(event.Attendees, Attendee{
			Value:    att.Value,
			Name:     att.Params.Get(ical.ParamCommonName),
			PartStat: strings.ToUpper(att.Params.Get(ical.ParamParticipationStatus)),
			Role:     strings.ToUpper(att.Params.Get(ical.ParamRole)),
			CUType:   strings.ToUpper(att.Params.Get(ical.ParamCalendarUserType)),
			RSVP:     strings.EqualFold(att.Params.Get(ical.ParamRSVP), "TRUE"),
		})
	}

	if event.UID == "" {
		return nil, fmt.Errorf("%w: event has no UID", ErrNoEvent)
	}

	return event, nil
}

// singleEventCalendar re-encodes the calendar reduced to one VEVENT, keeping
// the calendar-level properties.
func singleEventCalendar(cal *ical.Calendar, vevent ical.Event) (string, error) {
	single := ical.NewCalendar()
	single.Props = cal.Props
	single.Children = append(single.Children, vevent.Component)
	return encodeCalendar(single)
}

// AnnotateResponse writes the participation answer onto every VEVENT of the
// payload and re-encodes it.
func AnnotateResponse(payload, response string) (string, error) {
	cal, err := parseCalendar(payload)
	if err != nil {
		return "", err
	}

	marker := strings.ToUpper(response)
	for _, vevent := range cal.Events() {
		prop := ical.NewProp(PropResponse)
		prop.Value = marker
		vevent.Props.Set(prop)
	}

	return encodeCalendar(cal)
}

// MarkCancelled sets STATUS:CANCELLED on every VEVENT of the payload.
func MarkCancelled(payload string) (string, error) {
	cal, err := parseCalendar(payload)
	if err != nil {
		return "", err
	}

	for _, vevent := range cal.Events() {
		vevent.Props.SetText(ical.PropStatus, "CANCELLED")
	}

	return encodeCalendar(cal)
}

// ExtractSnapshot returns the comparable fields of the first VEVENT as a
// JSON-friendly map. Datetimes are rendered in RFC 3339 UTC.
func ExtractSnapshot(payload string) (map[string]any, error) {
	event, err := Decode(payload)
	if err != nil {
		return nil, err
	}

	snapshot := map[string]any{
		"summary":     event.Summary,
		"organizer":   event.Organizer,
		"location":    event.Location,
		"description": event.Description,
		"status":      event.Status,
	}
	if event.Start != nil {
		snapshot["start"] = event.Start.Format(time.RFC3339)
	}
	if event.End != nil {
		snapshot["end"] = event.End.Format(time.RFC3339)
	}

	return snapshot, nil
}

// MergePayloads builds a payload from the mail side, replacing the fields the
// selection assigns to the calendar side. Selection values are "email" or
// "calendar"; fields not mentioned keep the mail value.
func MergePayloads(emailPayload, calendarPayload string, selection map[string]string) (string, error) {
	merged, err := parseCalendar(emailPayload)
	if err != nil {
		return "", fmt.Errorf("mail payload: %w", err)
	}
	remote, err := parseCalendar(calendarPayload)
	if err != nil {
		return "", fmt.Errorf("calendar payload: %w", err)
	}

	mergedEvents := merged.Events()
	remoteEvents := remote.Events()
	if len(mergedEvents) == 0 || len(remoteEvents) == 0 {
		return "", ErrNoEvent
	}
	target := mergedEvents[0]
	source := remoteEvents[0]

	for field, side := range selection {
		propName, known := mergeableFields[field]
		if !known {
			return "", fmt.Errorf("%w: %s", ErrUnknownField, field)
		}
		switch side {
		case "email":
			// mail value already in place
		case "calendar":
			if prop := source.Props.Get(propName); prop != nil {
				target.Props.Set(prop)
			} else {
				target.Props.Del(propName)
			}
		default:
			return "", fmt.Errorf("%w: side %q for field %s", ErrUnknownField, side, field)
		}
	}

	return encodeCalendar(merged)
}

// EmailFromValue extracts a bare lowercase address from a mailto: or plain
// address value.
func EmailFromValue(value string) string {
	addr := strings.TrimSpace(value)
	if idx := strings.Index(strings.ToLower(addr), "mailto:"); idx != -1 {
		addr = addr[idx+len("mailto:"):]
	}
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(strings.TrimSpace(addr))
}

// parseCalendar parses iCalendar data into a calendar object.
func parseCalendar(data string) (*ical.Calendar, error) {
	dec := ical.NewDecoder(strings.NewReader(data))
	cal, err := dec.Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParseFailed, err)
	}
	return cal, nil
}

// encodeCalendar encodes a calendar object back to iCalendar text.
func encodeCalendar(cal *ical.Calendar) (string, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", fmt.Errorf("failed to encode calendar: %w", err)
	}
	return buf.String(), nil
}

// propTime converts a date or datetime property to UTC. TZID parameters that
// are not IANA names are retried as GMT offsets like "GMT-0400".
func propTime(prop *ical.Prop) *time.Time {
	if prop == nil {
		return nil
	}

	value := prop.Value

	if strings.HasSuffix(value, "Z") {
		if t, err := time.Parse("20060102T150405Z", value); err == nil {
			u := t.UTC()
			return &u
		}
	}

	if tzid := prop.Params.Get(ical.ParamTimezoneID); tzid != "" {
		loc, err := time.LoadLocation(tzid)
		if err != nil {
			loc = gmtOffsetZone(tzid)
		}
		if loc != nil {
			if t, err := time.ParseInLocation("20060102T150405", value, loc); err == nil {
				u := t.UTC()
				return &u
			}
		}
	}

	if t, err := prop.DateTime(time.UTC); err == nil {
		u := t.UTC()
		return &u
	}

	// All-day DATE value
	if t, err := time.Parse("20060102", value); err == nil {
		u := t.UTC()
		return &u
	}

	return nil
}

// gmtOffsetZone parses timezone names like "GMT-0400", "UTC+05:30" into a
// fixed zone. Returns nil for anything else.
func gmtOffsetZone(tzid string) *time.Location {
	offset := tzid
	for _, prefix := range []string{"GMT", "UTC", "Etc/GMT"} {
		if strings.HasPrefix(offset, prefix) {
			offset = strings.TrimPrefix(offset, prefix)
			break
		}
	}
	if offset == tzid {
		return nil
	}
	if offset == "" {
		return time.UTC
	}

	sign := 1
	switch {
	case strings.HasPrefix(offset, "-"):
		sign = -1
		offset = offset[1:]
	case strings.HasPrefix(offset, "+"):
		offset = offset[1:]
	}

	offset = strings.ReplaceAll(offset, ":", "")

	var hours, minutes int
	switch len(offset) {
	case 1, 2:
		fmt.Sscanf(offset, "%d", &hours)
	case 3:
		fmt.Sscanf(offset, "%1d%2d", &hours, &minutes)
	case 4:
		fmt.Sscanf(offset, "%2d%2d", &hours, &minutes)
	default:
		return nil
	}

	return time.FixedZone(tzid, sign*(hours*3600+minutes*60))
}
