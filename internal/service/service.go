package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"multifamiliar/backend/internal/cache"
	"multifamiliar/backend/internal/domain"
	"multifamiliar/backend/internal/store"
)

// ErrValidation marks request-shaped problems. Handlers translate it to a
// 400 with the wrapped detail.
var ErrValidation = errors.New("validation error")

// SessionActiveError is returned by ClockIn when the employee already has an
// activo record for the entry date. It carries the conflicting record so the
// handler can include it in the 400 response, as the original API did.
type SessionActiveError struct {
	Existing *domain.TimeRecord
}

func (e *SessionActiveError) Error() string {
	return "el empleado ya tiene una sesion activa para esta fecha"
}

type actorKey struct{}

// WithActor attaches the authenticated actor to the context so service
// methods can attribute audit entries.
func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFromContext(ctx context.Context) domain.Actor {
	if actor, ok := ctx.Value(actorKey{}).(domain.Actor); ok {
		return actor
	}
	return domain.Actor{Username: "sistema", Role: "system"}
}

type Service struct {
	repo     store.Repository
	stats    cache.StatsCache
	loc      *time.Location
	statsTTL time.Duration
}

func New(repo store.Repository, stats cache.StatsCache, loc *time.Location, statsTTL time.Duration) *Service {
	if stats == nil {
		stats = cache.NoopStatsCache{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{repo: repo, stats: stats, loc: loc, statsTTL: statsTTL}
}

// Now returns the current civil time at the configured business timezone.
// All clock decisions (sweep cutoff, default entry timestamps) use it.
func (s *Service) Now() time.Time {
	return time.Now().In(s.loc)
}

func (s *Service) Sites(ctx context.Context) ([]domain.Site, error) {
	return s.repo.ListSites(ctx)
}

func (s *Service) EmployeeByDocument(ctx context.Context, documento string) (*domain.Employee, error) {
	documento = strings.TrimSpace(documento)
	if documento == "" {
		return nil, fmt.Errorf("%w: documento requerido", ErrValidation)
	}
	return s.repo.GetEmployeeByDocument(ctx, documento)
}

func (s *Service) CreateEmployee(ctx context.Context, req domain.EmployeeCreateRequest) (*domain.Employee, error) {
	req.Documento = strings.TrimSpace(req.Documento)
	req.Nombre = strings.TrimSpace(req.Nombre)
	if req.Documento == "" || req.Nombre == "" {
		return nil, fmt.Errorf("%w: documento y nombre son requeridos", ErrValidation)
	}
	if req.SedeID < 1 {
		return nil, fmt.Errorf("%w: sede_id invalido", ErrValidation)
	}

	emp, err := s.repo.CreateEmployee(ctx, req.Documento, req.Nombre, req.SedeID)
	if err != nil {
		if errors.Is(err, store.ErrInvalidRecord) {
			return nil, fmt.Errorf("%w: documento ya registrado", ErrValidation)
		}
		return nil, err
	}

	s.audit(ctx, emp.SedeID, "crear_empleado", "empleado", fmt.Sprintf("%d", emp.ID),
		fmt.Sprintf("documento=%s nombre=%s", emp.Documento, emp.Nombre))
	return emp, nil
}

func (s *Service) EmployeesBySite(ctx context.Context, sedeID int64) ([]domain.Employee, error) {
	if sedeID < 1 {
		return nil, fmt.Errorf("%w: sede_id requerido", ErrValidation)
	}
	return s.repo.ListEmployeesBySite(ctx, sedeID)
}

func (s *Service) ActiveSession(ctx context.Context, documento string, fecha string) (*domain.TimeRecord, error) {
	documento = strings.TrimSpace(documento)
	if documento == "" {
		return nil, fmt.Errorf("%w: documento requerido", ErrValidation)
	}
	fecha, err := s.normalizeDate(fecha)
	if err != nil {
		return nil, err
	}
	return s.repo.FindActiveSession(ctx, documento, fecha)
}

func (s *Service) LastSessionToday(ctx context.Context, documento string, fecha string) (*domain.TimeRecord, error) {
	documento = strings.TrimSpace(documento)
	if documento == "" {
		return nil, fmt.Errorf("%w: documento requerido", ErrValidation)
	}
	fecha, err := s.normalizeDate(fecha)
	if err != nil {
		return nil, err
	}
	return s.repo.FindLastSessionToday(ctx, documento, fecha)
}

// ClockIn opens a session. Uniqueness against an existing activo record for
// the same employee and date is decided atomically in the store; a conflict
// comes back as SessionActiveError carrying the existing record.
func (s *Service) ClockIn(ctx context.Context, req domain.ClockInRequest) (*domain.TimeRecord, error) {
	if req.EmpleadoID < 1 || req.SedeID < 1 {
		return nil, fmt.Errorf("%w: empleado_id y sede_id son requeridos", ErrValidation)
	}

	now := s.Now()
	fecha, err := s.normalizeDateDefault(req.FechaEntrada, now)
	if err != nil {
		return nil, err
	}
	hora, err := s.normalizeTimeDefault(req.HoraEntrada, now)
	if err != nil {
		return nil, err
	}

	emp, err := s.repo.GetEmployeeByID(ctx, req.EmpleadoID)
	if err != nil {
		return nil, err
	}
	if emp.SedeID != req.SedeID {
		return nil, fmt.Errorf("%w: el empleado no pertenece a la sede indicada", ErrValidation)
	}

	rec, err := s.repo.CreateActiveSession(ctx, req.EmpleadoID, req.SedeID, fecha, hora)
	if err != nil {
		if errors.Is(err, store.ErrActiveSessionExists) {
			existing, findErr := s.repo.FindActiveSession(ctx, emp.Documento, fecha)
			if findErr != nil {
				log.Printf("[service] clock-in conflict for empleado %d but active record lookup failed: %v", req.EmpleadoID, findErr)
			}
			return nil, &SessionActiveError{Existing: existing}
		}
		return nil, err
	}
	return rec, nil
}

func (s *Service) ClockOut(ctx context.Context, id int64, req domain.ClockOutRequest) (*domain.TimeRecord, error) {
	fecha, hora, err := s.normalizeExit(req.FechaSalida, req.HoraSalida)
	if err != nil {
		return nil, err
	}
	return s.repo.CloseSession(ctx, id, fecha, hora)
}

// ForceClockOut closes a record administratively with estado forzado. Like
// ClockOut it only matches activo records; terminal records report not found.
func (s *Service) ForceClockOut(ctx context.Context, id int64, req domain.ClockOutRequest) (*domain.TimeRecord, error) {
	fecha, hora, err := s.normalizeExit(req.FechaSalida, req.HoraSalida)
	if err != nil {
		return nil, err
	}

	rec, err := s.repo.ForceCloseSession(ctx, id, fecha, hora)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, rec.SedeID, "forzar_salida", "registro", fmt.Sprintf("%d", rec.ID),
		fmt.Sprintf("salida=%s %s", fecha, hora))
	return rec, nil
}

// ForceCloseSite closes every activo record at the site with estado forzado.
// Zero matches is a success with an empty result.
func (s *Service) ForceCloseSite(ctx context.Context, req domain.SiteCloseRequest) (*domain.SiteCloseResult, error) {
	if req.SedeID < 1 {
		return nil, fmt.Errorf("%w: sede_id requerido", ErrValidation)
	}
	fecha, hora, err := s.normalizeExit(req.FechaSalida, req.HoraSalida)
	if err != nil {
		return nil, err
	}

	records, err := s.repo.ForceCloseSite(ctx, req.SedeID, fecha, hora)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, req.SedeID, "finalizar_jornada", "sede", fmt.Sprintf("%d", req.SedeID),
		fmt.Sprintf("registros=%d salida=%s %s", len(records), fecha, hora))
	log.Printf("[service] finalizar-jornada sede=%d cerrados=%d", req.SedeID, len(records))
	return &domain.SiteCloseResult{RegistrosActualizados: len(records), Registros: records}, nil
}

// EndOfDaySweep closes every activo record at the site whose hora_entrada is
// strictly before the current wall-clock time, marking them automatico. It
// runs at most once per day from the scheduler but is safe to invoke any
// number of times; already-closed records never match again.
func (s *Service) EndOfDaySweep(ctx context.Context, sedeID int64) (*domain.SweepResult, error) {
	if sedeID < 1 {
		return nil, fmt.Errorf("%w: sede_id requerido", ErrValidation)
	}

	now := s.Now()
	fecha := now.Format("2006-01-02")
	hora := now.Format("15:04:05")

	records, err := s.repo.AutoCloseSite(ctx, sedeID, fecha, hora)
	if err != nil {
		return nil, err
	}

	if len(records) > 0 {
		s.audit(ctx, sedeID, "cierre_automatico", "sede", fmt.Sprintf("%d", sedeID),
			fmt.Sprintf("registros=%d corte=%s %s", len(records), fecha, hora))
	}
	log.Printf("[service] cierre automatico sede=%d cerrados=%d corte=%s %s", sedeID, len(records), fecha, hora)
	return &domain.SweepResult{RegistrosCerrados: len(records), Registros: records, Fecha: fecha, Hora: hora}, nil
}

// SweepAllSites runs the end-of-day sweep for every active site. A failing
// site is logged and skipped so one bad site never blocks the rest.
func (s *Service) SweepAllSites(ctx context.Context) {
	sites, err := s.repo.ListSites(ctx)
	if err != nil {
		log.Printf("[service] sweep aborted, cannot list sites: %v", err)
		return
	}
	for _, site := range sites {
		if _, err := s.EndOfDaySweep(ctx, site.ID); err != nil {
			log.Printf("[service] sweep failed for sede %d (%s): %v", site.ID, site.Nombre, err)
		}
	}
}

func (s *Service) SessionsForDate(ctx context.Context, sedeID int64, fecha string) ([]domain.TimeRecord, error) {
	if sedeID < 1 {
		return nil, fmt.Errorf("%w: sede_id requerido", ErrValidation)
	}
	fecha, err := s.normalizeDate(fecha)
	if err != nil {
		return nil, err
	}
	return s.repo.ListSessionsForDate(ctx, sedeID, fecha)
}

func (s *Service) ActiveSessions(ctx context.Context, sedeID int64) ([]domain.TimeRecord, error) {
	if sedeID < 1 {
		return nil, fmt.Errorf("%w: sede_id requerido", ErrValidation)
	}
	return s.repo.ListActiveSessions(ctx, sedeID)
}

// DailyStats aggregates a site's records for one date, consulting the stats
// cache first. Cache failures degrade to a direct store read.
func (s *Service) DailyStats(ctx context.Context, sedeID int64, fecha string) (domain.DailyStats, error) {
	if sedeID < 1 {
		return domain.DailyStats{}, fmt.Errorf("%w: sede_id requerido", ErrValidation)
	}
	fecha, err := s.normalizeDate(fecha)
	if err != nil {
		return domain.DailyStats{}, err
	}

	if cached, ok, cacheErr := s.stats.Get(ctx, sedeID, fecha); cacheErr != nil {
		log.Printf("[service] stats cache read failed: %v", cacheErr)
	} else if ok {
		return cached, nil
	}

	stats, err := s.repo.ComputeDailyStats(ctx, sedeID, fecha)
	if err != nil {
		return domain.DailyStats{}, err
	}
	if err := s.stats.Set(ctx, sedeID, fecha, stats, s.statsTTL); err != nil {
		log.Printf("[service] stats cache write failed: %v", err)
	}
	return stats, nil
}

func (s *Service) AuditLogs(ctx context.Context, sedeID int64, limit int) ([]domain.AuditLog, error) {
	if sedeID < 1 {
		return nil, fmt.Errorf("%w: sede_id requerido", ErrValidation)
	}
	return s.repo.ListAuditLogs(ctx, sedeID, limit)
}

func (s *Service) audit(ctx context.Context, sedeID int64, action string, entityType string, entityID string, detail string) {
	actor := ActorFromContext(ctx)
	err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		SedeID:        sedeID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
	})
	if err != nil {
		log.Printf("[service] audit write failed (%s %s): %v", action, entityID, err)
	}
}

func (s *Service) normalizeExit(fecha string, hora string) (string, string, error) {
	now := s.Now()
	normFecha, err := s.normalizeDateDefault(fecha, now)
	if err != nil {
		return "", "", err
	}
	normHora, err := s.normalizeTimeDefault(hora, now)
	if err != nil {
		return "", "", err
	}
	return normFecha, normHora, nil
}

func (s *Service) normalizeDate(fecha string) (string, error) {
	return s.normalizeDateDefault(fecha, s.Now())
}

func (s *Service) normalizeDateDefault(fecha string, now time.Time) (string, error) {
	fecha = strings.TrimSpace(fecha)
	if fecha == "" {
		return now.Format("2006-01-02"), nil
	}
	// Clients sometimes send a full ISO-8601 timestamp for the date field.
	if t, err := time.Parse(time.RFC3339, fecha); err == nil {
		return t.In(s.loc).Format("2006-01-02"), nil
	}
	if _, err := time.Parse("2006-01-02", fecha); err != nil {
		return "", fmt.Errorf("%w: fecha invalida %q, se espera YYYY-MM-DD", ErrValidation, fecha)
	}
	return fecha, nil
}

func (s *Service) normalizeTimeDefault(hora string, now time.Time) (string, error) {
	hora = strings.TrimSpace(hora)
	if hora == "" {
		return now.Format("15:04:05"), nil
	}
	if t, err := time.Parse(time.RFC3339, hora); err == nil {
		return t.In(s.loc).Format("15:04:05"), nil
	}
	if t, err := time.Parse("15:04:05", hora); err == nil {
		return t.Format("15:04:05"), nil
	}
	if t, err := time.Parse("15:04", hora); err == nil {
		return t.Format("15:04:05"), nil
	}
	return "", fmt.Errorf("%w: hora invalida %q, se espera HH:MM:SS", ErrValidation, hora)
}
