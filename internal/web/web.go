package web

import (
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"clinicboard/internal/board"
	"clinicboard/internal/config"
	appLog "clinicboard/internal/log"
	"clinicboard/internal/model"
	"clinicboard/internal/scheduler"
)

// BusyTitle replaces the title of events from calendars that do not show
// details.
const BusyTitle = "Busy"

const maxBodyBytes = 1 << 20

// Scheduler is the part of the refresh scheduler the HTTP layer uses.
type Scheduler interface {
	Snapshot() *scheduler.Snapshot
	Live() *scheduler.Live
	Trigger(reason string)
	Date() model.Date
	SetDate(d model.Date)
}

// CalendarStore reads and replaces the calendar configuration.
type CalendarStore interface {
	Calendars(ctx context.Context) ([]model.CalendarConfig, error)
	SaveCalendars(ctx context.Context, cals []model.CalendarConfig) error
}

// Server provides the board API, the admin calendar API and the embedded
// board/TV pages.
type Server struct {
	cfg   *config.Config
	sched Scheduler
	store CalendarStore
	mux   *http.ServeMux
}

// embeddedStatic holds the board (index.html) and kiosk (tv.html) pages.
//
//go:embed all:static
var embeddedStatic embed.FS

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, sched Scheduler, store CalendarStore) *Server {
	s := &Server{
		cfg:   cfg,
		sched: sched,
		store: store,
		mux:   http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password disables auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="clinicboard", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/board", s.handleBoard)
	s.mux.HandleFunc("GET /api/live", s.handleLive)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /api/date", s.handleGetDate)
	s.mux.HandleFunc("PUT /api/date", s.handlePutDate)
	s.mux.HandleFunc("GET /api/calendars", s.handleGetCalendars)
	s.mux.HandleFunc("PUT /api/calendars", s.handlePutCalendars)
	s.mux.HandleFunc("GET /preview.png", s.handlePreview)

	// Everything else is the embedded UI.
	s.mux.Handle("/", s.staticFileServer())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// staticFileServer serves the embedded pages from internal/web/static.
func (s *Server) staticFileServer() http.Handler {
	sub, err := fs.Sub(embeddedStatic, "static")
	if err != nil {
		appLog.Error("failed to initialize embedded static filesystem", err)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "static UI not available", http.StatusServiceUnavailable)
		})
	}

	fileServer := http.FileServer(http.FS(sub))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path

		// Unknown API routes must 404 instead of returning HTML.
		if path == "/api" || strings.HasPrefix(path, "/api/") {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		fileServer.ServeHTTP(w, r)
	})
}

// handlePreview serves the last kiosk capture from disk.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	path := config.DefaultPreviewPath
	if s.cfg != nil && s.cfg.Capture.Output != "" {
		path = s.cfg.Capture.Output
	}
	w.Header().Set("Cache-Control", "no-store")
	http.ServeFile(w, r, path)
}

// eventDTO is an event as shown on a tile, after redaction.
type eventDTO struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day"`
	Location    string    `json:"location,omitempty"`
	Description string    `json:"description,omitempty"`
}

// calendarDTO is one calendar tile.
type calendarDTO struct {
	ID        string             `json:"id"`
	Label     string             `json:"label"`
	Type      model.CalendarType `json:"type"`
	Subtype   string             `json:"subtype,omitempty"`
	AvatarURL string             `json:"avatar_url,omitempty"`
	Status    string             `json:"status"`
	Error     string             `json:"error,omitempty"`
	Dropped   int                `json:"dropped,omitempty"`
	Inverted  int                `json:"inverted,omitempty"`

	Events   []eventDTO `json:"events,omitempty"`
	Current  []eventDTO `json:"current,omitempty"`
	Upcoming []eventDTO `json:"upcoming,omitempty"`
}

// boardResponse is the JSON shape for /api/board and /api/live.
type boardResponse struct {
	Date        string        `json:"date"`
	Now         *time.Time    `json:"now,omitempty"`
	Status      string        `json:"status"`
	Error       string        `json:"error,omitempty"`
	Stale       bool          `json:"stale"`
	RefreshedAt *time.Time    `json:"refreshed_at,omitempty"`
	Calendars   []calendarDTO `json:"calendars"`
}

const (
	statusOK      = "ok"
	statusError   = "error"
	statusPending = "pending"
)

// filter selects calendars by type and label search.
type filter struct {
	typ   model.CalendarType
	query string
}

func parseFilter(r *http.Request) (filter, error) {
	q := r.URL.Query()
	f := filter{query: strings.ToLower(strings.TrimSpace(q.Get("q")))}
	switch t := strings.ToLower(strings.TrimSpace(q.Get("type"))); t {
	case "", "all":
	default:
		f.typ = model.CalendarType(t)
		if !f.typ.Valid() {
			return filter{}, errors.New("unknown calendar type " + t)
		}
	}
	return f, nil
}

func (f filter) match(cfg model.CalendarConfig) bool {
	if f.typ != "" && cfg.Type != f.typ {
		return false
	}
	return f.query == "" || strings.Contains(strings.ToLower(cfg.Label), f.query)
}

// handleBoard returns the last published board.
//
// GET /api/board?type=resource&q=sala
//   - type: resource | professional | general | all (default all)
//   - q:    case-insensitive substring of the calendar label
func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap := s.sched.Snapshot()
	resp := newBoardResponse(snap)

	if snap.Board != nil {
		for _, st := range snap.Board.Calendars {
			if !f.match(st.Config) {
				continue
			}
			dto := newCalendarDTO(st)
			dto.Events = redactAll(st.Config, snap.Board.EventsFor(st.Config.ID))
			resp.Calendars = append(resp.Calendars, dto)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLive returns the current/upcoming split of every calendar.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Statuses and the split must come from the same cycle.
	live := s.sched.Live()
	snap := live.Snapshot
	if snap == nil {
		snap = &scheduler.Snapshot{Date: live.Date}
	}
	resp := newBoardResponse(snap)
	now := live.Now
	resp.Now = &now

	if snap.Board != nil {
		for _, st := range snap.Board.Calendars {
			if !f.match(st.Config) {
				continue
			}
			p := live.Calendars[st.Config.ID]
			dto := newCalendarDTO(st)
			dto.Current = redactAll(st.Config, p.Current)
			dto.Upcoming = redactAll(st.Config, p.Upcoming)
			resp.Calendars = append(resp.Calendars, dto)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func newBoardResponse(snap *scheduler.Snapshot) boardResponse {
	resp := boardResponse{
		Date:      snap.Date.String(),
		Status:    statusOK,
		Error:     snap.Err,
		Stale:     snap.Stale(),
		Calendars: []calendarDTO{},
	}
	switch {
	case snap.Stale():
		resp.Status = statusError
	case !snap.Ready():
		resp.Status = statusPending
	}
	if snap.Board != nil {
		resp.Date = snap.Board.Date.String()
		at := snap.RefreshedAt
		resp.RefreshedAt = &at
	}
	return resp
}

func newCalendarDTO(st board.CalendarStatus) calendarDTO {
	dto := calendarDTO{
		ID:        st.Config.ID,
		Label:     st.Config.Label,
		Type:      st.Config.Type,
		Subtype:   st.Config.Subtype,
		AvatarURL: st.Config.AvatarURL,
		Status:    statusOK,
		Error:     st.Err,
		Dropped:   st.Dropped,
		Inverted:  st.Inverted,
	}
	if st.Failed() {
		dto.Status = statusError
	}
	return dto
}

// Redact hides an event's content when its calendar does not show details.
func Redact(cfg model.CalendarConfig, e model.CalendarEvent) model.CalendarEvent {
	if cfg.ShowDetails {
		return e
	}
	e.Title = BusyTitle
	e.Location = ""
	e.Description = ""
	return e
}

func redactAll(cfg model.CalendarConfig, events []model.CalendarEvent) []eventDTO {
	out := make([]eventDTO, 0, len(events))
	for _, e := range events {
		e = Redact(cfg, e)
		out = append(out, eventDTO{
			ID:          e.ID,
			Title:       e.Title,
			Start:       e.Start,
			End:         e.End,
			AllDay:      e.AllDay,
			Location:    e.Location,
			Description: e.Description,
		})
	}
	return out
}

// handleRefresh requests an immediate re-aggregation.
func (s *Server) handleRefresh(w http.ResponseWriter, _ *http.Request) {
	s.sched.Trigger("api")
	appLog.Info("api refresh requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type dateBody struct {
	Date string `json:"date"`
}

func (s *Server) handleGetDate(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, dateBody{Date: s.sched.Date().String()})
}

// handlePutDate changes the board date. An empty date follows today.
func (s *Server) handlePutDate(w http.ResponseWriter, r *http.Request) {
	var body dateBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var d model.Date
	if strings.TrimSpace(body.Date) != "" {
		parsed, err := model.ParseDate(strings.TrimSpace(body.Date))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		d = parsed
	}
	s.sched.SetDate(d)
	writeJSON(w, http.StatusAccepted, dateBody{Date: s.sched.Date().String()})
}

type calendarsBody struct {
	Calendars []model.CalendarConfig `json:"calendars"`
}

func (s *Server) handleGetCalendars(w http.ResponseWriter, r *http.Request) {
	cals, err := s.store.Calendars(r.Context())
	if err != nil {
		appLog.Error("api calendars read failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read calendars")
		return
	}
	writeJSON(w, http.StatusOK, calendarsBody{Calendars: cals})
}

// handlePutCalendars replaces the whole calendar list. The store notifies
// the scheduler, which re-aggregates.
func (s *Server) handlePutCalendars(w http.ResponseWriter, r *http.Request) {
	var body calendarsBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Calendars == nil {
		body.Calendars = []model.CalendarConfig{}
	}

	if err := s.store.SaveCalendars(r.Context(), body.Calendars); err != nil {
		if errors.Is(err, config.ErrInvalidCalendars) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		appLog.Error("api calendars save failed", err)
		writeError(w, http.StatusInternalServerError, "failed to save calendars")
		return
	}
	appLog.Info("api calendars replaced", "calendars", len(body.Calendars))
	writeJSON(w, http.StatusOK, body)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
