package outcome

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// DefaultDurationMinutes is the booking length assumed when the transcript
// does not mention one.
const DefaultDurationMinutes = 90

// Booking is the structured reservation extracted from a call transcript.
// Only Confirmed bookings with a well-formed Date and Time are eligible for a
// calendar link.
type Booking struct {
	Confirmed       bool
	Restaurant      string
	Date            string // YYYY-MM-DD
	Time            string // HH:MM
	DurationMinutes int
	GuestName       string
	GuestCount      int
	Address         string
	Notes           string
}

var (
	dateRe = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})$`)
	timeRe = regexp.MustCompile(`^(\d{2}):(\d{2})$`)
)

// CalendarURL builds a Google Calendar event-template link for a confirmed
// booking, or "" when the booking is not eligible.
//
// The end time comes from integer minute arithmetic on the local components
// with day-overflow carry. No time.Time is involved: the values are wall-clock
// components in the event's own zone, and converting through a host-zoned
// time would shift them.
func CalendarURL(b Booking, timezone string) string {
	if !b.Confirmed {
		return ""
	}
	dm := dateRe.FindStringSubmatch(b.Date)
	tm := timeRe.FindStringSubmatch(b.Time)
	if dm == nil || tm == nil {
		return ""
	}
	year, _ := strconv.Atoi(dm[1])
	month, _ := strconv.Atoi(dm[2])
	day, _ := strconv.Atoi(dm[3])
	hour, _ := strconv.Atoi(tm[1])
	minute, _ := strconv.Atoi(tm[2])
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 {
		return ""
	}

	duration := b.DurationMinutes
	if duration <= 0 {
		duration = DefaultDurationMinutes
	}
	total := hour*60 + minute + duration
	endDay := day + total/(24*60)
	total %= 24 * 60
	endHour := total / 60
	endMinute := total % 60

	if timezone == "" {
		timezone = "Europe/Moscow"
	}
	start := fmt.Sprintf("%04d%02d%02dT%02d%02d00", year, month, day, hour, minute)
	end := fmt.Sprintf("%04d%02d%02dT%02d%02d00", year, month, endDay, endHour, endMinute)

	location := b.Address
	if location == "" {
		location = b.Restaurant
	}

	// dates and ctz stay unescaped so their separators survive verbatim;
	// both are ASCII by construction.
	var sb strings.Builder
	sb.WriteString("https://calendar.google.com/calendar/render?action=TEMPLATE")
	sb.WriteString("&text=")
	sb.WriteString(url.QueryEscape(eventTitle(b)))
	sb.WriteString("&dates=")
	sb.WriteString(start)
	sb.WriteString("/")
	sb.WriteString(end)
	sb.WriteString("&ctz=")
	sb.WriteString(timezone)
	if location != "" {
		sb.WriteString("&location=")
		sb.WriteString(url.QueryEscape(location))
	}
	return sb.String()
}

// eventTitle composes the calendar event title from whichever booking fields
// are present.
func eventTitle(b Booking) string {
	var parts []string
	if b.Restaurant != "" {
		parts = append(parts, b.Restaurant)
	}
	if b.GuestName != "" {
		parts = append(parts, "на имя "+b.GuestName)
	}
	if b.GuestCount > 0 {
		parts = append(parts, fmt.Sprintf("%d чел.", b.GuestCount))
	}
	if len(parts) == 0 {
		return "Бронирование столика"
	}
	return "Бронь: " + strings.Join(parts, ", ")
}
