package store

import (
	"context"
	"errors"

	"multifamiliar/backend/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrActiveSessionExists is returned by CreateActiveSession when the
	// conditional insert matched an existing activo record for the same
	// employee and entry date (zero rows inserted).
	ErrActiveSessionExists = errors.New("active session exists")
	ErrInvalidRecord       = errors.New("invalid record")
)

// Repository is the clock store. It exclusively owns registros_horas rows;
// the service mutates them only through these transition operations.
//
// The uniqueness invariant (at most one activo record per employee per entry
// date) is enforced inside CreateActiveSession as a single atomic statement,
// never as a check-then-insert in application code.
type Repository interface {
	ListSites(ctx context.Context) ([]domain.Site, error)
	GetEmployeeByDocument(ctx context.Context, documento string) (*domain.Employee, error)
	GetEmployeeByID(ctx context.Context, id int64) (*domain.Employee, error)
	CreateEmployee(ctx context.Context, documento string, nombre string, sedeID int64) (*domain.Employee, error)
	ListEmployeesBySite(ctx context.Context, sedeID int64) ([]domain.Employee, error)

	FindActiveSession(ctx context.Context, documento string, fecha string) (*domain.TimeRecord, error)
	FindLastSessionToday(ctx context.Context, documento string, fecha string) (*domain.TimeRecord, error)
	CreateActiveSession(ctx context.Context, empleadoID int64, sedeID int64, fechaEntrada string, horaEntrada string) (*domain.TimeRecord, error)
	CloseSession(ctx context.Context, id int64, fechaSalida string, horaSalida string) (*domain.TimeRecord, error)
	ForceCloseSession(ctx context.Context, id int64, fechaSalida string, horaSalida string) (*domain.TimeRecord, error)
	ForceCloseSite(ctx context.Context, sedeID int64, fechaSalida string, horaSalida string) ([]domain.TimeRecord, error)
	AutoCloseSite(ctx context.Context, sedeID int64, cutoffDate string, cutoffTime string) ([]domain.TimeRecord, error)
	ListSessionsForDate(ctx context.Context, sedeID int64, fecha string) ([]domain.TimeRecord, error)
	ListActiveSessions(ctx context.Context, sedeID int64) ([]domain.TimeRecord, error)
	ComputeDailyStats(ctx context.Context, sedeID int64, fecha string) (domain.DailyStats, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, sedeID int64, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
