package events

import (
	"fmt"
	"strings"
	"time"

	"git.skobk.in/skobkin/telegram-event-bot/storage"
)

const maxTitleLength = 256

// Accepted layouts for form timestamps. Layouts without an offset are read in the event timezone.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
}

// Payload is an event as submitted by the web form
type Payload struct {
	Title       string
	Description string
	Start       string
	End         string
	Timezone    string
}

// ValidationError lists every problem found in a submitted payload
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid event: " + strings.Join(e.Problems, "; ")
}

// Validate checks the payload and converts it into a draft.
// An empty timezone falls back to fallback.
func (p Payload) Validate(fallback *time.Location) (storage.EventDraft, error) {
	var problems []string

	title := strings.TrimSpace(p.Title)
	switch {
	case title == "":
		problems = append(problems, "title must not be empty")
	case len(title) > maxTitleLength:
		problems = append(problems, fmt.Sprintf("title must be at most %d characters", maxTitleLength))
	}

	loc := fallback
	if loc == nil {
		loc = time.UTC
	}
	if tz := strings.TrimSpace(p.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			problems = append(problems, fmt.Sprintf("unknown timezone %q", tz))
		} else {
			loc = l
		}
	}

	start, startErr := parseTime(p.Start, loc)
	if startErr != nil {
		problems = append(problems, "start: "+startErr.Error())
	}
	end, endErr := parseTime(p.End, loc)
	if endErr != nil {
		problems = append(problems, "end: "+endErr.Error())
	}
	if startErr == nil && endErr == nil && end.Before(start) {
		problems = append(problems, "end must not be before start")
	}

	if len(problems) > 0 {
		return storage.EventDraft{}, &ValidationError{Problems: problems}
	}

	return storage.EventDraft{
		Title:       title,
		Description: strings.TrimSpace(p.Description),
		StartAt:     start,
		EndAt:       end,
		Timezone:    loc.String(),
	}, nil
}

func parseTime(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("time is required")
	}

	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("cannot parse %q", value)
}

// PayloadFromEvent fills a payload with an event's current values for the edit form
func PayloadFromEvent(e *storage.Event) Payload {
	loc := e.Location()

	return Payload{
		Title:       e.Title,
		Description: e.Description,
		Start:       e.StartAt.In(loc).Format("2006-01-02T15:04"),
		End:         e.EndAt.In(loc).Format("2006-01-02T15:04"),
		Timezone:    loc.String(),
	}
}
