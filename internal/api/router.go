package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/sessionlab/engage/internal/middleware"
	"github.com/sessionlab/engage/internal/services"
)

type Router struct {
	store      Store
	auth       *services.AuthService
	templates  *services.TemplateService
	sessions   *services.SessionService
	answers    *services.AnswerService
	results    *services.AggregationService
	export     *services.ExportService
	activation *services.ActivationService
}

func NewRouter(store Store) *Router {
	sessions := services.NewSessionService(store)
	results := services.NewAggregationService(store)
	return &Router{
		store:      store,
		auth:       services.NewAuthService(store, middleware.SignOwnerToken),
		templates:  services.NewTemplateService(store),
		sessions:   sessions,
		answers:    services.NewAnswerService(store),
		results:    results,
		export:     services.NewExportService(store, results),
		activation: services.NewActivationService(store, sessions),
	}
}

// Activation exposes the scheduler so main can run it on its own goroutine.
func (rt *Router) Activation() *services.ActivationService { return rt.activation }

func (rt *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/auth/register", rt.handleRegister) // POST
	mux.HandleFunc("/api/auth/login", rt.handleLogin)       // POST
	mux.HandleFunc("/api/templates", rt.handleTemplates)    // POST, GET
	mux.HandleFunc("/api/templates/", rt.handleTemplateScoped)
	mux.HandleFunc("/api/sessions", rt.handleSessions) // POST, GET
	mux.HandleFunc("/api/sessions/", rt.handleSessionScoped)
	mux.HandleFunc("/api/join", rt.handleJoin)   // POST
	mux.HandleFunc("/api/audit", rt.handleAudit) // GET
}

// POST /api/auth/register {email, password}
func (rt *Router) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		middleware.ErrorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := rt.auth.Register(req.Email, req.Password)
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	middleware.JSONResponse(w, http.StatusOK, map[string]any{"token": res.Token, "user_id": res.UserID})
}

// POST /api/auth/login {email, password}
func (rt *Router) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		middleware.ErrorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := rt.auth.Login(req.Email, req.Password)
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	middleware.JSONResponse(w, http.StatusOK, map[string]any{"token": res.Token, "user_id": res.UserID})
}

// POST /api/templates — create from a raw definition; GET — list own templates.
func (rt *Router) handleTemplates(w http.ResponseWriter, r *http.Request) {
	uid, ok := middleware.OwnerIDFromContext(r.Context())
	if !ok {
		middleware.ErrorResponse(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	switch r.Method {
	case http.MethodPost:
		var raw map[string]any
		if err := middleware.ParseJSONBody(r, &raw); err != nil {
			middleware.ErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		tpl, err := rt.templates.Create(uid, raw)
		if err != nil {
			rt.writeServiceError(w, err)
			return
		}
		middleware.JSONResponse(w, http.StatusCreated, tpl)
	case http.MethodGet:
		list, err := rt.templates.List(uid)
		if err != nil {
			rt.writeServiceError(w, err)
			return
		}
		middleware.JSONResponse(w, http.StatusOK, map[string]any{"templates": list})
	default:
		middleware.ErrorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// /api/templates/{id}
// /api/templates/{id}/activities            POST
// /api/templates/{id}/activities/{aid}      DELETE
// /api/templates/{id}/order                 PUT
func (rt *Router) handleTemplateScoped(w http.ResponseWriter, r *http.Request) {
	uid, ok := middleware.OwnerIDFromContext(r.Context())
	if !ok {
		middleware.ErrorResponse(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/templates/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		view, err := rt.templates.Get(uid, id)
		if err != nil {
			rt.writeServiceError(w, err)
			return
		}
		middleware.JSONResponse(w, http.StatusOK, view)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := rt.templates.Delete(uid, id); err != nil {
			rt.writeServiceError(w, err)
			return
		}
		middleware.JSONResponse(w, http.StatusOK, map[string]any{"ok": true})
	case len(parts) == 2 && parts[1] == "activities" && r.Method == http.MethodPost:
		var act services.ActivityDefinition
		if err := middleware.ParseJSONBody(r, &act); err != nil {
			middleware.ErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		created, err := rt.templates.AddActivity(uid, id, &act)
		if err != nil {
			rt.writeServiceError(w, err)
			return
		}
		middleware.JSONResponse(w, http.StatusCreated, created)
	case len(parts) == 3 && parts[1] == "activities" && r.Method == http.MethodDelete:
		if err := rt.templates.RemoveActivity(uid, id, parts[2]); err != nil {
			rt.writeServiceError(w, err)
			return
		}
		middleware.JSONResponse(w, http.StatusOK, map[string]any{"ok": true})
	case len(parts) == 2 && parts[1] == "order" && r.Method == http.MethodPut:
		var req struct {
			Order []string `json:"order"`
		}
		if err := middleware.ParseJSONBody(r, &req); err != nil {
			middleware.ErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		version, err := rt.templates.Reorder(uid, id, req.Order)
		if err != nil {
			rt.writeServiceError(w, err)
			return
		}
		middleware.JSONResponse(w, http.StatusOK, map[string]any{"ok": true, "version": version})
	default:
		http.NotFound(w, r)
	}
}

// POST /api/sessions — instantiate from a template; GET — list own sessions.
func (rt *Router) handleSessions(w http.ResponseWriter, r *http.Request) {
	uid, ok := middleware.OwnerIDFromContext(r.Context())
	if !ok {
		middleware.ErrorResponse(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req struct {
			TemplateID     string `json:"template_id"`
			Title          string `json:"title"`
			Mode           string `json:"mode"`
			ActivationDate string `json:"activation_date"`
		}
		if err := middleware.ParseJSONBody(r, &req); err != nil {
			middleware.ErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		create := services.CreateSessionRequest{TemplateID: req.TemplateID, Title: req.Title, Mode: req.Mode}
		if req.ActivationDate != "" {
			at, err := parseRFC3339(req.ActivationDate)
			if err != nil {
				middleware.ErrorResponse(w, http.StatusBadRequest, "activation_date must be RFC 3339")
				return
			}
			create.ActivationDate = &at
		}
		sess, err := rt.sessions.Create(uid, create)
		if err != nil {
			rt.writeServiceError(w, err)
			return
		}
		middleware.JSONResponse(w, http.StatusCreated, sess)
	case http.MethodGet:
		list, err := rt.sessions.List(uid)
		if err != nil {
			rt.writeServiceError(w, err)
			return
		}
		middleware.JSONResponse(w, http.StatusOK, map[string]any{"sessions": list})
	default:
		middleware.ErrorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// /api/sessions/{id}                          GET
// /api/sessions/{id}/start|advance|stop       POST
// /api/sessions/{id}/current                  GET (owner or joined participant)
// /api/sessions/{id}/answers                  POST (participant token)
// /api/sessions/{id}/results                  GET
// /api/sessions/{id}/results/{activityID}     GET
// /api/sessions/{id}/export?format=answers|results  GET
func (rt *Router) handleSessionScoped(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if len(parts) == 2 && parts[1] == "current" && r.Method == http.MethodGet {
		rt.handleCurrent(w, r, id)
		return
	}
	if len(parts) == 2 && parts[1] == "answers" && r.Method == http.MethodPost {
		rt.handleSubmitAnswer(w, r, id)
		return
	}

	uid, ok := middleware.OwnerIDFromContext(r.Context())
	if !ok {
		middleware.ErrorResponse(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		view, err := rt.sessions.Get(uid, id)
		if err != nil {
			rt.writeServiceError(w, err)
			return
		}
		middleware.JSONResponse(w, http.StatusOK, view)
	case len(parts) == 2 && r.Method == http.MethodPost && isLifecycleAction(parts[1]):
		var sess *services.Session
		var err error
		switch parts[1] {
		case "start":
			sess, err = rt.sessions.Start(uid, id)
		case "advance":
			sess, err = rt.sessions.Advance(uid, id)
		case "stop":
			sess, err = rt.sessions.Stop(uid, id)
		}
		if err != nil {
			rt.writeServiceError(w, err)
			return
		}
		middleware.JSONResponse(w, http.StatusOK, sess)
	case len(parts) == 2 && parts[1] == "results" && r.Method == http.MethodGet:
		results, err := rt.results.SessionResults(uid, id)
		if err != nil {
			rt.writeServiceError(w, err)
			return
		}
		middleware.JSONResponse(w, http.StatusOK, map[string]any{"session_id": id, "results": results})
	case len(parts) == 3 && parts[1] == "results" && r.Method == http.MethodGet:
		res, err := rt.results.ActivityResult(uid, id, parts[2])
		if err != nil {
			rt.writeServiceError(w, err)
			return
		}
		middleware.JSONResponse(w, http.StatusOK, res)
	case len(parts) == 2 && parts[1] == "export" && r.Method == http.MethodGet:
		rt.handleExport(w, r, uid, id)
	default:
		http.NotFound(w, r)
	}
}

// GET /api/sessions/{id}/current — the participant-facing projection. Owners
// may poll it too; participants only for the session they joined.
func (rt *Router) handleCurrent(w http.ResponseWriter, r *http.Request, sessionID string) {
	_, owner := middleware.OwnerIDFromContext(r.Context())
	if !owner {
		_, sid, ok := middleware.ParticipantFromContext(r.Context())
		if !ok || sid != sessionID {
			middleware.ErrorResponse(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}
	cur, err := rt.sessions.CurrentActivity(sessionID)
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	middleware.JSONResponse(w, http.StatusOK, cur)
}

// POST /api/sessions/{id}/answers {activity_id, payload}
func (rt *Router) handleSubmitAnswer(w http.ResponseWriter, r *http.Request, sessionID string) {
	pid, sid, ok := middleware.ParticipantFromContext(r.Context())
	if !ok {
		middleware.ErrorResponse(w, http.StatusUnauthorized, "participant token required")
		return
	}
	if sid != sessionID {
		middleware.ErrorResponse(w, http.StatusForbidden, "token is for a different session")
		return
	}
	var req struct {
		ActivityID string         `json:"activity_id"`
		Payload    map[string]any `json:"payload"`
	}
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	ans, err := rt.answers.Submit(sessionID, pid, req.ActivityID, req.Payload)
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	middleware.JSONResponse(w, http.StatusCreated, ans)
}

// GET /api/sessions/{id}/export?format=answers|results
func (rt *Router) handleExport(w http.ResponseWriter, r *http.Request, uid, sessionID string) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "answers"
	}
	var data []byte
	var err error
	switch format {
	case "answers":
		data, err = rt.export.AnswersCSV(uid, sessionID)
	case "results":
		data, err = rt.export.ResultsCSV(uid, sessionID)
	default:
		middleware.ErrorResponse(w, http.StatusBadRequest, "format must be answers or results")
		return
	}
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+sessionID+"_"+format+".csv\"")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// POST /api/join {code, nickname} — no auth; returns a participant token.
func (rt *Router) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		middleware.ErrorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Code     string `json:"code"`
		Nickname string `json:"nickname"`
	}
	if err := middleware.ParseJSONBody(r, &req); err != nil {
		middleware.ErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	p, sess, err := rt.answers.Join(req.Code, req.Nickname)
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	token, err := middleware.SignParticipantToken(p.ID, sess.ID, 24*time.Hour)
	if err != nil {
		middleware.ErrorResponse(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	middleware.JSONResponse(w, http.StatusOK, map[string]any{
		"token":          token,
		"participant_id": p.ID,
		"session_id":     sess.ID,
		"session_title":  sess.Title,
	})
}

// GET /api/audit — the caller's own audit trail, oldest first.
func (rt *Router) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		middleware.ErrorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	uid, ok := middleware.OwnerIDFromContext(r.Context())
	if !ok {
		middleware.ErrorResponse(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var own []services.AuditEntry
	for _, e := range rt.store.ListAudit() {
		if e.Actor == uid {
			own = append(own, e)
		}
	}
	middleware.JSONResponse(w, http.StatusOK, map[string]any{"entries": own})
}

func (rt *Router) writeServiceError(w http.ResponseWriter, err error) {
	se, ok := services.AsServiceError(err)
	if !ok {
		middleware.ErrorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}
	status := http.StatusInternalServerError
	switch se.Code {
	case services.ErrorInvalid:
		status = http.StatusBadRequest
	case services.ErrorUnauthorized:
		status = http.StatusUnauthorized
	case services.ErrorForbidden:
		status = http.StatusForbidden
	case services.ErrorNotFound:
		status = http.StatusNotFound
	case services.ErrorConflict, services.ErrorInvalidTransition:
		status = http.StatusConflict
	}
	middleware.ErrorResponse(w, status, se.Message)
}

func isLifecycleAction(s string) bool {
	return s == "start" || s == "advance" || s == "stop"
}

func parseRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
