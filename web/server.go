package web

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"git.skobk.in/skobkin/telegram-event-bot/events"
	"git.skobk.in/skobkin/telegram-event-bot/storage"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// Events is the link workflow the forms submit to
type Events interface {
	InspectNewLink(ctx context.Context, token string) (*events.LinkInfo, error)
	InspectEditLink(ctx context.Context, token string) (*events.LinkInfo, error)
	SubmitNewEvent(ctx context.Context, token string, payload events.Payload) (*storage.Event, error)
	SubmitEditEvent(ctx context.Context, token string, payload events.Payload) (*storage.Event, error)
	SubmitDeleteEvent(ctx context.Context, token string) (*storage.Event, error)
}

// Store is the read side used by the calendar feed and the health check
type Store interface {
	SystemByChannel(ctx context.Context, channelID int64) (*storage.ChatSystem, error)
	EventsForSystem(ctx context.Context, systemID uint, since time.Time) ([]storage.Event, error)
	Ping(ctx context.Context) error
}

type Config struct {
	ListenAddr string
	// Timezone prefills the form for new events
	Timezone *time.Location
	// CalendarHistory is how far back the calendar feed reaches
	CalendarHistory time.Duration
}

// Server renders the one-time event forms and the public calendar feeds
type Server struct {
	events Events
	store  Store
	cfg    Config
	now    func() time.Time
}

func New(eventActor Events, store Store, cfg Config) *Server {
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}

	return &Server{events: eventActor, store: store, cfg: cfg, now: time.Now}
}

// Handler returns the routed handler with request id and access logging
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events/new/{secret}", s.newEventForm)
	mux.HandleFunc("POST /events/new/{secret}", s.submitNewEvent)
	mux.HandleFunc("GET /events/edit/{secret}", s.editEventForm)
	mux.HandleFunc("POST /events/edit/{secret}", s.submitEditEvent)
	mux.HandleFunc("GET /calendar/{channel}", s.calendar)
	mux.HandleFunc("GET /health", s.health)

	return withRequestID(withAccessLog(mux))
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		slog.Info("web: Listening", "addr", s.cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("web: Shutdown failed", "error", err)
		return err
	}

	return nil
}

type formPage struct {
	Heading   string
	Channel   string
	ExpiresAt string
	Editing   bool
	Payload   events.Payload
	Problems  []string
}

type messagePage struct {
	Heading string
	Text    string
}

func (s *Server) newEventForm(w http.ResponseWriter, r *http.Request) {
	info, err := s.events.InspectNewLink(r.Context(), r.PathValue("secret"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.renderForm(w, http.StatusOK, info, events.Payload{Timezone: s.cfg.Timezone.String()}, nil)
}

func (s *Server) submitNewEvent(w http.ResponseWriter, r *http.Request) {
	secret := r.PathValue("secret")
	payload := payloadFromForm(r)

	event, err := s.events.SubmitNewEvent(r.Context(), secret, payload)
	if err != nil {
		s.failSubmission(w, r, err, payload, s.events.InspectNewLink)
		return
	}

	s.renderMessage(w, http.StatusCreated, "Event created", event.Title+" was created and announced in the channel.")
}

func (s *Server) editEventForm(w http.ResponseWriter, r *http.Request) {
	info, err := s.events.InspectEditLink(r.Context(), r.PathValue("secret"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.renderForm(w, http.StatusOK, info, events.PayloadFromEvent(info.Event), nil)
}

func (s *Server) submitEditEvent(w http.ResponseWriter, r *http.Request) {
	secret := r.PathValue("secret")

	if r.FormValue("action") == "delete" {
		event, err := s.events.SubmitDeleteEvent(r.Context(), secret)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.renderMessage(w, http.StatusOK, "Event deleted", event.Title+" was deleted.")
		return
	}

	payload := payloadFromForm(r)
	event, err := s.events.SubmitEditEvent(r.Context(), secret, payload)
	if err != nil {
		s.failSubmission(w, r, err, payload, s.events.InspectEditLink)
		return
	}

	s.renderMessage(w, http.StatusOK, "Event updated", event.Title+" was updated.")
}

func payloadFromForm(r *http.Request) events.Payload {
	return events.Payload{
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		Start:       r.FormValue("start"),
		End:         r.FormValue("end"),
		Timezone:    r.FormValue("timezone"),
	}
}

// failSubmission shows the form again with the problems when the payload was rejected.
// The link stays usable in that case.
func (s *Server) failSubmission(
	w http.ResponseWriter,
	r *http.Request,
	err error,
	payload events.Payload,
	inspect func(ctx context.Context, token string) (*events.LinkInfo, error),
) {
	var invalid *events.ValidationError
	if !errors.As(err, &invalid) {
		s.fail(w, r, err)
		return
	}

	info, inspectErr := inspect(r.Context(), r.PathValue("secret"))
	if inspectErr != nil {
		s.fail(w, r, inspectErr)
		return
	}

	s.renderForm(w, http.StatusUnprocessableEntity, info, payload, invalid.Problems)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, text := http.StatusInternalServerError, "Something went wrong. Please try again later."

	switch {
	case errors.Is(err, events.ErrLinkExpired):
		status, text = http.StatusGone, "This link has expired or was already used. Ask the bot for a new one."
	case errors.Is(err, events.ErrNotFound):
		status, text = http.StatusNotFound, "This event or channel does not exist anymore."
	case errors.Is(err, events.ErrUnavailable):
		status, text = http.StatusServiceUnavailable, "The service is busy. Please try again in a moment."
	}

	if status >= http.StatusInternalServerError {
		slog.Error("web: Request failed", "error", err, "path", r.URL.Path, "request_id", RequestID(r.Context()))
	} else {
		slog.Info("web: Request rejected", "error", err, "status", status, "request_id", RequestID(r.Context()))
	}

	s.renderMessage(w, status, http.StatusText(status), text)
}

func (s *Server) renderForm(w http.ResponseWriter, status int, info *events.LinkInfo, payload events.Payload, problems []string) {
	page := formPage{
		Heading:   "New event",
		Channel:   channelName(info.System),
		ExpiresAt: info.ExpiresAt.In(s.cfg.Timezone).Format("Jan 2 15:04 MST"),
		Payload:   payload,
		Problems:  problems,
	}
	if info.Event != nil {
		page.Heading = "Edit " + info.Event.Title
		page.Editing = true
	}

	render(w, status, "form", page)
}

func (s *Server) renderMessage(w http.ResponseWriter, status int, heading, text string) {
	render(w, status, "message", messagePage{Heading: heading, Text: text})
}

func render(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pages.ExecuteTemplate(w, name, data); err != nil {
		slog.Error("web: Cannot render page", "error", err, "template", name)
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if err := s.store.Ping(r.Context()); err != nil {
		slog.Warn("web: Health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable"}`))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func channelName(s storage.ChatSystem) string {
	if s.Title != "" {
		return s.Title
	}
	return "untitled channel"
}
