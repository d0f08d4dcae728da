package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"multifamiliar/backend/internal/domain"
	"multifamiliar/backend/internal/reports"
	"multifamiliar/backend/internal/service"
	"multifamiliar/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	reports       *reports.Store
	allowedOrigin string
	loginLimiter  *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, reportStore *reports.Store, allowedOrigin string) *API {
	return &API{
		service:       svc,
		auth:          auth,
		reports:       reportStore,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", a.handleHealth)
	mux.HandleFunc("/api/auth/login", a.handleLogin)
	mux.HandleFunc("/api/sedes", a.handleSites)

	mux.HandleFunc("/api/empleados", a.requireAuth(a.handleEmployeeCreate, "admin"))
	mux.HandleFunc("/api/empleados/", a.handleEmployeeLookup)

	mux.HandleFunc("/api/registros/entrada", a.handleClockIn)
	mux.HandleFunc("/api/registros/activo/", a.handleActiveByDocument)
	mux.HandleFunc("/api/registros/ultimo/", a.handleLastByDocument)
	mux.HandleFunc("/api/registros/sesiones-activas/", a.handleActiveSessions)
	mux.HandleFunc("/api/registros/fecha/", a.handleSessionsForDate)
	mux.HandleFunc("/api/registros/finalizar-jornada", a.requireAuth(a.handleForceCloseSite, "admin"))
	mux.HandleFunc("/api/registros/cerrar-sesiones-automaticas", a.requireAuth(a.handleSweep, "admin"))
	mux.HandleFunc("/api/registros/", a.handleRecordActions)

	mux.HandleFunc("/api/estadisticas/", a.handleDailyStats)
	mux.HandleFunc("/api/auditoria/", a.requireAuth(a.handleAuditLogs, "admin"))

	mux.HandleFunc("/api/reportes/ventas-dia/", a.handleDailySalesReport)
	mux.HandleFunc("/api/reportes/compras-recientes/", a.handleRecentPurchasesReport)
	mux.HandleFunc("/api/reportes/proveedores/", a.handleProvidersReport)

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("token requerido"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("rol no autorizado"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]any{
		"status": "ok",
		"at":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("demasiados intentos de acceso"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeSuccess(w, http.StatusOK, resp)
}

func (a *API) handleSites(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	sites, err := a.service.Sites(r.Context())
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeSuccess(w, http.StatusOK, sites)
}

func (a *API) handleEmployeeCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.EmployeeCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	emp, err := a.service.CreateEmployee(r.Context(), req)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeSuccess(w, http.StatusCreated, emp)
}

func (a *API) handleEmployeeLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	tail := pathTail(r.URL.Path, "/api/empleados/")
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("documento requerido"))
		return
	}

	// /api/empleados/sede/{sede_id} lists a site's roster.
	if rest, ok := strings.CutPrefix(tail, "sede/"); ok {
		sedeID, err := parseID(rest)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		employees, err := a.service.EmployeesBySite(r.Context(), sedeID)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeSuccess(w, http.StatusOK, employees)
		return
	}

	emp, err := a.service.EmployeeByDocument(r.Context(), tail)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeSuccess(w, http.StatusOK, emp)
}

func (a *API) handleClockIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.ClockInRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := a.service.ClockIn(r.Context(), req)
	if err != nil {
		var active *service.SessionActiveError
		if errors.As(err, &active) {
			// The conflicting record rides along so the kiosk can show
			// when the open session started.
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"success":         false,
				"message":         active.Error(),
				"registro_activo": active.Existing,
			})
			return
		}
		writeError(w, statusForError(err), err)
		return
	}
	writeSuccess(w, http.StatusCreated, rec)
}

func (a *API) handleActiveByDocument(w http.ResponseWriter, r *http.Request) {
	a.handleSessionLookup(w, r, "/api/registros/activo/", a.service.ActiveSession)
}

func (a *API) handleLastByDocument(w http.ResponseWriter, r *http.Request) {
	a.handleSessionLookup(w, r, "/api/registros/ultimo/", a.service.LastSessionToday)
}

func (a *API) handleSessionLookup(w http.ResponseWriter, r *http.Request, prefix string, lookup func(ctx context.Context, documento string, fecha string) (*domain.TimeRecord, error)) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	documento := pathTail(r.URL.Path, prefix)
	if documento == "" {
		writeError(w, http.StatusBadRequest, errors.New("documento requerido"))
		return
	}

	rec, err := lookup(r.Context(), documento, r.URL.Query().Get("fecha"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// No open record is a normal kiosk state, not an error.
			writeSuccess(w, http.StatusOK, nil)
			return
		}
		writeError(w, statusForError(err), err)
		return
	}
	writeSuccess(w, http.StatusOK, rec)
}

func (a *API) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	sedeID, err := parseID(pathTail(r.URL.Path, "/api/registros/sesiones-activas/"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	records, err := a.service.ActiveSessions(r.Context(), sedeID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeSuccess(w, http.StatusOK, records)
}

func (a *API) handleSessionsForDate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	parts := strings.Split(pathTail(r.URL.Path, "/api/registros/fecha/"), "/")
	if len(parts) != 2 {
		writeError(w, http.StatusBadRequest, errors.New("se espera sede_id y fecha"))
		return
	}
	sedeID, err := parseID(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	records, err := a.service.SessionsForDate(r.Context(), sedeID, parts[1])
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeSuccess(w, http.StatusOK, records)
}

func (a *API) handleForceCloseSite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.SiteCloseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := a.service.ForceCloseSite(r.Context(), req)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeSuccess(w, http.StatusOK, result)
}

func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.SweepRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := a.service.EndOfDaySweep(r.Context(), req.SedeID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeSuccess(w, http.StatusOK, result)
}

// handleRecordActions routes PUT /api/registros/{id}/salida and
// PUT /api/registros/{id}/forzar. The forced variant is admin-only.
func (a *API) handleRecordActions(w http.ResponseWriter, r *http.Request) {
	tail := pathTail(r.URL.Path, "/api/registros/")
	idPart, action, ok := strings.Cut(tail, "/")
	if !ok || idPart == "" {
		writeError(w, http.StatusBadRequest, errors.New("ruta de registro invalida"))
		return
	}
	id, err := parseID(idPart)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	switch action {
	case "salida":
		if r.Method != http.MethodPut {
			writeMethodNotAllowed(w)
			return
		}
		var req domain.ClockOutRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		rec, err := a.service.ClockOut(r.Context(), id, req)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeSuccess(w, http.StatusOK, rec)
	case "forzar":
		a.requireAuth(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPut {
				writeMethodNotAllowed(w)
				return
			}
			var req domain.ClockOutRequest
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			rec, err := a.service.ForceClockOut(r.Context(), id, req)
			if err != nil {
				writeError(w, statusForError(err), err)
				return
			}
			writeSuccess(w, http.StatusOK, rec)
		}, "admin")(w, r)
	default:
		writeError(w, http.StatusBadRequest, errors.New("accion de registro desconocida"))
	}
}

func (a *API) handleDailyStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	parts := strings.Split(pathTail(r.URL.Path, "/api/estadisticas/"), "/")
	if len(parts) != 2 {
		writeError(w, http.StatusBadRequest, errors.New("se espera sede_id y fecha"))
		return
	}
	sedeID, err := parseID(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	stats, err := a.service.DailyStats(r.Context(), sedeID, parts[1])
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeSuccess(w, http.StatusOK, stats)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	sedeID, err := parseID(pathTail(r.URL.Path, "/api/auditoria/"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)

	logs, err := a.service.AuditLogs(r.Context(), sedeID, limit)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeSuccess(w, http.StatusOK, logs)
}

func (a *API) handleDailySalesReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if a.reports == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("reportes no configurados"))
		return
	}

	site := pathTail(r.URL.Path, "/api/reportes/ventas-dia/")
	fecha := strings.TrimSpace(r.URL.Query().Get("fecha"))
	if fecha == "" {
		fecha = a.service.Now().Format("2006-01-02")
	}

	sales, err := a.reports.DailySales(r.Context(), site, fecha)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"fecha":  fecha,
		"sede":   site,
		"ventas": sales,
	})
}

func (a *API) handleRecentPurchasesReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if a.reports == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("reportes no configurados"))
		return
	}

	site := pathTail(r.URL.Path, "/api/reportes/compras-recientes/")
	dias := parsePositiveLimit(r.URL.Query().Get("dias"), 30, 365)
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 1000)
	var providerID int64
	if raw := strings.TrimSpace(r.URL.Query().Get("proveedor")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, errors.New("proveedor invalido"))
			return
		}
		providerID = parsed
	}

	purchases, err := a.reports.RecentPurchases(r.Context(), site, dias, providerID, limit)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"sede":    site,
		"dias":    dias,
		"compras": purchases,
	})
}

func (a *API) handleProvidersReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if a.reports == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("reportes no configurados"))
		return
	}

	site := pathTail(r.URL.Path, "/api/reportes/proveedores/")
	providers, err := a.reports.Providers(r.Context(), site)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"sede":        site,
		"proveedores": providers,
	})
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

func pathTail(path string, prefix string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimPrefix(path, prefix), "/"))
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id < 1 {
		return 0, errors.New("identificador invalido")
	}
	return id, nil
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, reports.ErrSiteNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("metodo no permitido"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx responses carry a generic message so internals (SQL errors, file
	// paths) never reach the client. 4xx messages are user-facing.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "error interno del servidor"
	}
	writeJSON(w, status, map[string]any{
		"success": false,
		"message": msg,
	})
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{
		"success": true,
		"data":    data,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
