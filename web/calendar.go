package web

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	ical "github.com/arran4/golang-ical"

	"git.skobk.in/skobkin/telegram-event-bot/storage"
)

const calendarProductID = "-//skobk.in//telegram-event-bot//EN"

// calendar serves the events of one channel as an iCalendar feed at /calendar/<channel id>.ics
func (s *Server) calendar(w http.ResponseWriter, r *http.Request) {
	name, ok := strings.CutSuffix(r.PathValue("channel"), ".ics")
	if !ok {
		http.NotFound(w, r)
		return
	}
	channelID, err := strconv.ParseInt(name, 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	system, err := s.store.SystemByChannel(r.Context(), channelID)
	if errors.Is(err, storage.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		slog.Error("web: Cannot load channel for calendar", "error", err, "channel_id", channelID)
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	now := s.now()
	list, err := s.store.EventsForSystem(r.Context(), system.ID, now.Add(-s.cfg.CalendarHistory))
	if err != nil {
		slog.Error("web: Cannot load events for calendar", "error", err, "channel_id", channelID)
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(calendarProductID)
	cal.SetXWRCalName(channelName(*system))

	for _, e := range list {
		ev := cal.AddEvent(fmt.Sprintf("event-%d-%d@telegram-event-bot", system.ChannelID, e.ID))
		ev.SetDtStampTime(now)
		ev.SetCreatedTime(e.CreatedAt)
		ev.SetModifiedAt(e.UpdatedAt)
		ev.SetStartAt(e.StartAt)
		ev.SetEndAt(e.EndAt)
		ev.SetSummary(e.Title)
		if e.Description != "" {
			ev.SetDescription(e.Description)
		}
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", fmt.Sprintf("%d.ics", channelID)))
	if _, err := w.Write([]byte(cal.Serialize())); err != nil {
		slog.Warn("web: Cannot write calendar", "error", err)
	}
}
