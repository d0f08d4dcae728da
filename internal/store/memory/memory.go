package memory

import (
	"context"
	"log"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"multifamiliar/backend/internal/domain"
	"multifamiliar/backend/internal/store"
	"multifamiliar/backend/internal/xid"
)

// Store is an in-memory Repository used in dev mode and tests. A single
// mutex guards every operation, so the create-if-no-active check is atomic
// exactly like the conditional INSERT in the postgres store.
type Store struct {
	mu              sync.RWMutex
	sites           []domain.Site
	employeesByID   map[int64]domain.Employee
	records         []domain.TimeRecord
	nextEmployeeID  int64
	nextRecordID    int64
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory admin account for dev/demo mode.
// The password comes from SEED_ADMIN_PASSWORD; a hardcoded dev default is
// used with a warning when unset. Production deployments use PostgreSQL
// (DATABASE_URL set) and never hit this path.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := os.Getenv("SEED_ADMIN_PASSWORD")
	if adminPwd == "" {
		adminPwd = "admin123"
		log.Println("[memory-store] WARNING: using default dev admin credentials. Set SEED_ADMIN_PASSWORD to override.")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(adminPwd), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("[memory-store] failed to hash seed password: %v", err)
	}

	return map[string]domain.UserAccount{
		"admin": {
			Username:  "admin",
			Password:  string(hash),
			Role:      "admin",
			Active:    true,
			CreatedAt: time.Now().UTC(),
		},
	}
}

func NewSeeded() *Store {
	now := time.Now().UTC()
	s := &Store{
		sites: []domain.Site{
			{ID: 1, Nombre: "Manizales", Codigo: "MAN", Activa: true},
			{ID: 2, Nombre: "Dorada", Codigo: "DOR", Activa: true},
		},
		employeesByID:   make(map[int64]domain.Employee),
		nextEmployeeID:  1,
		nextRecordID:    1,
		usersByUsername: seedUsers(),
	}

	for _, emp := range []struct {
		documento string
		nombre    string
		sedeID    int64
	}{
		{"1053800001", "Maria Lopez", 1},
		{"1053800002", "Carlos Giraldo", 1},
		{"1053800003", "Ana Castano", 2},
	} {
		s.employeesByID[s.nextEmployeeID] = domain.Employee{
			ID:        s.nextEmployeeID,
			Documento: emp.documento,
			Nombre:    emp.nombre,
			SedeID:    emp.sedeID,
			Activo:    true,
			CreatedAt: now,
		}
		s.nextEmployeeID++
	}

	return s
}

func (s *Store) ListSites(_ context.Context) ([]domain.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sites := make([]domain.Site, 0, len(s.sites))
	for _, site := range s.sites {
		if site.Activa {
			sites = append(sites, site)
		}
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].Nombre < sites[j].Nombre })
	return sites, nil
}

func (s *Store) GetEmployeeByDocument(_ context.Context, documento string) (*domain.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, emp := range s.employeesByID {
		if emp.Documento == documento && emp.Activo {
			found := emp
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetEmployeeByID(_ context.Context, id int64) (*domain.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	emp, ok := s.employeesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := emp
	return &found, nil
}

func (s *Store) CreateEmployee(_ context.Context, documento string, nombre string, sedeID int64) (*domain.Employee, error) {
	documento = strings.TrimSpace(documento)
	nombre = strings.TrimSpace(nombre)
	if documento == "" || nombre == "" || sedeID < 1 {
		return nil, store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, emp := range s.employeesByID {
		if emp.Documento == documento {
			return nil, store.ErrInvalidRecord
		}
	}

	emp := domain.Employee{
		ID:        s.nextEmployeeID,
		Documento: documento,
		Nombre:    nombre,
		SedeID:    sedeID,
		Activo:    true,
		CreatedAt: time.Now().UTC(),
	}
	s.employeesByID[emp.ID] = emp
	s.nextEmployeeID++
	created := emp
	return &created, nil
}

func (s *Store) ListEmployeesBySite(_ context.Context, sedeID int64) ([]domain.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	employees := make([]domain.Employee, 0, 16)
	for _, emp := range s.employeesByID {
		if emp.SedeID == sedeID && emp.Activo {
			employees = append(employees, emp)
		}
	}
	sort.Slice(employees, func(i, j int) bool { return employees[i].Nombre < employees[j].Nombre })
	return employees, nil
}

func (s *Store) FindActiveSession(_ context.Context, documento string, fecha string) (*domain.TimeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findSessionLocked(documento, fecha, true)
}

func (s *Store) FindLastSessionToday(_ context.Context, documento string, fecha string) (*domain.TimeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findSessionLocked(documento, fecha, false)
}

func (s *Store) findSessionLocked(documento string, fecha string, onlyActive bool) (*domain.TimeRecord, error) {
	var best *domain.TimeRecord
	for i := range s.records {
		rec := s.records[i]
		emp, ok := s.employeesByID[rec.EmpleadoID]
		if !ok || emp.Documento != documento {
			continue
		}
		if rec.FechaEntrada != fecha {
			continue
		}
		if onlyActive && !rec.Active() {
			continue
		}
		if best == nil || rec.HoraEntrada > best.HoraEntrada {
			copied := rec
			best = &copied
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	s.decorateLocked(best)
	return best, nil
}

func (s *Store) CreateActiveSession(_ context.Context, empleadoID int64, sedeID int64, fechaEntrada string, horaEntrada string) (*domain.TimeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.records {
		if rec.EmpleadoID == empleadoID && rec.FechaEntrada == fechaEntrada && rec.Active() {
			return nil, store.ErrActiveSessionExists
		}
	}

	rec := domain.TimeRecord{
		ID:           s.nextRecordID,
		EmpleadoID:   empleadoID,
		SedeID:       sedeID,
		FechaEntrada: fechaEntrada,
		HoraEntrada:  horaEntrada,
		Estado:       domain.RecordStatusActive,
	}
	s.records = append(s.records, rec)
	s.nextRecordID++
	created := rec
	return &created, nil
}

func (s *Store) CloseSession(_ context.Context, id int64, fechaSalida string, horaSalida string) (*domain.TimeRecord, error) {
	return s.closeByID(id, fechaSalida, horaSalida, domain.RecordStatusFinalized)
}

func (s *Store) ForceCloseSession(_ context.Context, id int64, fechaSalida string, horaSalida string) (*domain.TimeRecord, error) {
	return s.closeByID(id, fechaSalida, horaSalida, domain.RecordStatusForced)
}

func (s *Store) closeByID(id int64, fechaSalida string, horaSalida string, estado string) (*domain.TimeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.records {
		if s.records[i].ID != id {
			continue
		}
		if !s.records[i].Active() {
			// Terminal states are immutable; a close targeting one behaves
			// as if the row did not match.
			return nil, store.ErrNotFound
		}
		closeRecordLocked(&s.records[i], fechaSalida, horaSalida, estado)
		closed := s.records[i]
		return &closed, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) ForceCloseSite(_ context.Context, sedeID int64, fechaSalida string, horaSalida string) ([]domain.TimeRecord, error) {
	return s.closeSite(sedeID, fechaSalida, horaSalida, domain.RecordStatusForced, false)
}

func (s *Store) AutoCloseSite(_ context.Context, sedeID int64, cutoffDate string, cutoffTime string) ([]domain.TimeRecord, error) {
	return s.closeSite(sedeID, cutoffDate, cutoffTime, domain.RecordStatusAutomatic, true)
}

func (s *Store) closeSite(sedeID int64, fechaSalida string, horaSalida string, estado string, beforeCutoffOnly bool) ([]domain.TimeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	closed := make([]domain.TimeRecord, 0, 8)
	for i := range s.records {
		rec := &s.records[i]
		if rec.SedeID != sedeID || !rec.Active() {
			continue
		}
		// HH:MM:SS strings compare correctly as strings.
		if beforeCutoffOnly && !(rec.HoraEntrada < horaSalida) {
			continue
		}
		closeRecordLocked(rec, fechaSalida, horaSalida, estado)
		closed = append(closed, *rec)
	}
	return closed, nil
}

func closeRecordLocked(rec *domain.TimeRecord, fechaSalida string, horaSalida string, estado string) {
	rec.FechaSalida = fechaSalida
	rec.HoraSalida = horaSalida
	rec.Estado = estado

	entry, errIn := time.Parse("2006-01-02 15:04:05", rec.FechaEntrada+" "+rec.HoraEntrada)
	exit, errOut := time.Parse("2006-01-02 15:04:05", fechaSalida+" "+horaSalida)
	if errIn == nil && errOut == nil {
		hours := math.Round(exit.Sub(entry).Hours()*100) / 100
		rec.DuracionHoras = &hours
	}
}

func (s *Store) ListSessionsForDate(_ context.Context, sedeID int64, fecha string) ([]domain.TimeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]domain.TimeRecord, 0, 16)
	for _, rec := range s.records {
		if rec.SedeID == sedeID && rec.FechaEntrada == fecha {
			s.decorateLocked(&rec)
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].HoraEntrada > records[j].HoraEntrada })
	return records, nil
}

func (s *Store) ListActiveSessions(_ context.Context, sedeID int64) ([]domain.TimeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]domain.TimeRecord, 0, 16)
	for _, rec := range s.records {
		if rec.SedeID == sedeID && rec.Active() {
			s.decorateLocked(&rec)
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].HoraEntrada < records[j].HoraEntrada })
	return records, nil
}

func (s *Store) ComputeDailyStats(_ context.Context, sedeID int64, fecha string) (domain.DailyStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats domain.DailyStats
	for _, rec := range s.records {
		if rec.SedeID != sedeID || rec.FechaEntrada != fecha {
			continue
		}
		stats.TotalRegistros++
		if rec.Active() {
			stats.EmpleadosActivos++
		}
		if rec.DuracionHoras != nil {
			stats.HorasTotales += *rec.DuracionHoras
		}
	}
	if stats.TotalRegistros > 0 {
		stats.PromedioHoras = stats.HorasTotales / float64(stats.TotalRegistros)
	}
	return stats, nil
}

// decorateLocked fills display names the SQL store fetches through joins.
func (s *Store) decorateLocked(rec *domain.TimeRecord) {
	if emp, ok := s.employeesByID[rec.EmpleadoID]; ok {
		rec.Documento = emp.Documento
		rec.NombreEmpleado = emp.Nombre
	}
	for _, site := range s.sites {
		if site.ID == rec.SedeID {
			rec.NombreSede = site.Nombre
			break
		}
	}
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, sedeID int64, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(logs) < limit; i-- {
		if s.auditLogs[i].SedeID == sedeID {
			logs = append(logs, s.auditLogs[i])
		}
	}
	return logs, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidRecord
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrInvalidRecord
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}
