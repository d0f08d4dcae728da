package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"multifamiliar/backend/internal/cache"
	"multifamiliar/backend/internal/domain"
	"multifamiliar/backend/internal/store"
	"multifamiliar/backend/internal/store/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	t.Setenv("SEED_ADMIN_PASSWORD", "test-admin-pass")
	repo := memory.NewSeeded()
	svc := New(repo, cache.NoopStatsCache{}, time.UTC, time.Second)
	return svc, repo
}

func TestClockInRejectsUnknownEmployee(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.ClockIn(context.Background(), domain.ClockInRequest{
		EmpleadoID:   999,
		SedeID:       1,
		FechaEntrada: "2026-08-28",
		HoraEntrada:  "08:00:00",
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown employee, got %v", err)
	}
}

func TestClockInRejectsSiteMismatch(t *testing.T) {
	svc, _ := newTestService(t)

	// Seeded employee 1 belongs to sede 1.
	_, err := svc.ClockIn(context.Background(), domain.ClockInRequest{
		EmpleadoID:   1,
		SedeID:       2,
		FechaEntrada: "2026-08-28",
		HoraEntrada:  "08:00:00",
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for site mismatch, got %v", err)
	}
}

func TestClockInConflictCarriesExistingRecord(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.ClockIn(ctx, domain.ClockInRequest{
		EmpleadoID: 1, SedeID: 1, FechaEntrada: "2026-08-28", HoraEntrada: "08:00:00",
	})
	if err != nil {
		t.Fatalf("first clock-in failed: %v", err)
	}

	_, err = svc.ClockIn(ctx, domain.ClockInRequest{
		EmpleadoID: 1, SedeID: 1, FechaEntrada: "2026-08-28", HoraEntrada: "09:30:00",
	})
	var active *SessionActiveError
	if !errors.As(err, &active) {
		t.Fatalf("expected SessionActiveError, got %v", err)
	}
	if active.Existing == nil || active.Existing.ID != first.ID {
		t.Fatalf("conflict should expose the existing record %d, got %+v", first.ID, active.Existing)
	}
}

func TestConcurrentClockInsExactlyOneWinner(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ClockIn(ctx, domain.ClockInRequest{
				EmpleadoID: 2, SedeID: 1, FechaEntrada: "2026-08-28", HoraEntrada: "07:00:00",
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, conflicts int
	for err := range results {
		switch {
		case err == nil:
			successes++
		default:
			var active *SessionActiveError
			if !errors.As(err, &active) {
				t.Fatalf("unexpected clock-in error: %v", err)
			}
			conflicts++
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly 1 successful clock-in, got %d (conflicts %d)", successes, conflicts)
	}
	if conflicts != attempts-1 {
		t.Fatalf("expected %d conflicts, got %d", attempts-1, conflicts)
	}
}

func TestClockOutComputesDuration(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.ClockIn(ctx, domain.ClockInRequest{
		EmpleadoID: 1, SedeID: 1, FechaEntrada: "2026-08-28", HoraEntrada: "08:00:00",
	})
	if err != nil {
		t.Fatalf("clock-in failed: %v", err)
	}

	closed, err := svc.ClockOut(ctx, rec.ID, domain.ClockOutRequest{
		FechaSalida: "2026-08-28", HoraSalida: "17:00:00",
	})
	if err != nil {
		t.Fatalf("clock-out failed: %v", err)
	}
	if closed.Estado != domain.RecordStatusFinalized {
		t.Fatalf("expected estado finalizado, got %s", closed.Estado)
	}
	if closed.DuracionHoras == nil || *closed.DuracionHoras != 9.0 {
		t.Fatalf("expected duracion 9.0 hours, got %v", closed.DuracionHoras)
	}
}

func TestTerminalRecordsAreImmutable(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.ClockIn(ctx, domain.ClockInRequest{
		EmpleadoID: 1, SedeID: 1, FechaEntrada: "2026-08-28", HoraEntrada: "08:00:00",
	})
	if err != nil {
		t.Fatalf("clock-in failed: %v", err)
	}
	if _, err := svc.ClockOut(ctx, rec.ID, domain.ClockOutRequest{FechaSalida: "2026-08-28", HoraSalida: "12:00:00"}); err != nil {
		t.Fatalf("clock-out failed: %v", err)
	}

	if _, err := svc.ClockOut(ctx, rec.ID, domain.ClockOutRequest{FechaSalida: "2026-08-28", HoraSalida: "13:00:00"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second close should report not found, got %v", err)
	}
	if _, err := svc.ForceClockOut(ctx, rec.ID, domain.ClockOutRequest{FechaSalida: "2026-08-28", HoraSalida: "13:00:00"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("force close of terminal record should report not found, got %v", err)
	}
}

func TestForceCloseSiteClosesOnlyActiveRecords(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	recA, err := svc.ClockIn(ctx, domain.ClockInRequest{EmpleadoID: 1, SedeID: 1, FechaEntrada: "2026-08-28", HoraEntrada: "08:00:00"})
	if err != nil {
		t.Fatalf("clock-in A failed: %v", err)
	}
	if _, err := svc.ClockIn(ctx, domain.ClockInRequest{EmpleadoID: 2, SedeID: 1, FechaEntrada: "2026-08-28", HoraEntrada: "08:15:00"}); err != nil {
		t.Fatalf("clock-in B failed: %v", err)
	}
	if _, err := svc.ClockIn(ctx, domain.ClockInRequest{EmpleadoID: 3, SedeID: 2, FechaEntrada: "2026-08-28", HoraEntrada: "08:30:00"}); err != nil {
		t.Fatalf("clock-in at sede 2 failed: %v", err)
	}
	// A is already closed before the site-wide close.
	if _, err := svc.ClockOut(ctx, recA.ID, domain.ClockOutRequest{FechaSalida: "2026-08-28", HoraSalida: "12:00:00"}); err != nil {
		t.Fatalf("clock-out A failed: %v", err)
	}

	result, err := svc.ForceCloseSite(ctx, domain.SiteCloseRequest{SedeID: 1, FechaSalida: "2026-08-28", HoraSalida: "18:00:00"})
	if err != nil {
		t.Fatalf("force close site failed: %v", err)
	}
	if result.RegistrosActualizados != 1 {
		t.Fatalf("expected 1 forced record, got %d", result.RegistrosActualizados)
	}
	if result.Registros[0].Estado != domain.RecordStatusForced {
		t.Fatalf("expected estado forzado, got %s", result.Registros[0].Estado)
	}

	// The other site's open session is untouched.
	otherSite, err := svc.ActiveSession(ctx, "1053800003", "2026-08-28")
	if err != nil {
		t.Fatalf("sede 2 session should still be active: %v", err)
	}
	if !otherSite.Active() {
		t.Fatalf("sede 2 session should remain activo, got %s", otherSite.Estado)
	}

	// Repeating the site close is a success with an empty result.
	again, err := svc.ForceCloseSite(ctx, domain.SiteCloseRequest{SedeID: 1, FechaSalida: "2026-08-28", HoraSalida: "19:00:00"})
	if err != nil {
		t.Fatalf("repeat force close failed: %v", err)
	}
	if again.RegistrosActualizados != 0 {
		t.Fatalf("repeat close should touch 0 records, got %d", again.RegistrosActualizados)
	}
}

func TestSweepIsIdempotentWithNoActiveSessions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.EndOfDaySweep(ctx, 1)
	if err != nil {
		t.Fatalf("first sweep failed: %v", err)
	}
	second, err := svc.EndOfDaySweep(ctx, 1)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if first.RegistrosCerrados != 0 || second.RegistrosCerrados != 0 {
		t.Fatalf("both sweeps should close 0 records, got %d and %d", first.RegistrosCerrados, second.RegistrosCerrados)
	}
}

func TestAutoCloseCutoffIsStrict(t *testing.T) {
	t.Setenv("SEED_ADMIN_PASSWORD", "test-admin-pass")
	repo := memory.NewSeeded()
	ctx := context.Background()

	early, err := repo.CreateActiveSession(ctx, 1, 1, "2026-08-28", "21:59:00")
	if err != nil {
		t.Fatalf("create early session: %v", err)
	}
	atCutoff, err := repo.CreateActiveSession(ctx, 2, 1, "2026-08-28", "22:00:00")
	if err != nil {
		t.Fatalf("create at-cutoff session: %v", err)
	}

	closed, err := repo.AutoCloseSite(ctx, 1, "2026-08-28", "22:00:00")
	if err != nil {
		t.Fatalf("auto close failed: %v", err)
	}
	if len(closed) != 1 || closed[0].ID != early.ID {
		t.Fatalf("expected only the 21:59 session closed, got %+v", closed)
	}
	if closed[0].Estado != domain.RecordStatusAutomatic {
		t.Fatalf("expected estado automatico, got %s", closed[0].Estado)
	}

	stillActive, err := repo.FindActiveSession(ctx, "1053800002", "2026-08-28")
	if err != nil {
		t.Fatalf("at-cutoff session should still be active: %v", err)
	}
	if stillActive.ID != atCutoff.ID {
		t.Fatalf("unexpected active session %d", stillActive.ID)
	}
}

func TestDailyStatsAggregates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	recA, err := svc.ClockIn(ctx, domain.ClockInRequest{EmpleadoID: 1, SedeID: 1, FechaEntrada: "2026-08-28", HoraEntrada: "08:00:00"})
	if err != nil {
		t.Fatalf("clock-in A failed: %v", err)
	}
	if _, err := svc.ClockOut(ctx, recA.ID, domain.ClockOutRequest{FechaSalida: "2026-08-28", HoraSalida: "12:00:00"}); err != nil {
		t.Fatalf("clock-out A failed: %v", err)
	}
	if _, err := svc.ClockIn(ctx, domain.ClockInRequest{EmpleadoID: 2, SedeID: 1, FechaEntrada: "2026-08-28", HoraEntrada: "09:00:00"}); err != nil {
		t.Fatalf("clock-in B failed: %v", err)
	}

	stats, err := svc.DailyStats(ctx, 1, "2026-08-28")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.TotalRegistros != 2 {
		t.Fatalf("expected 2 records, got %d", stats.TotalRegistros)
	}
	if stats.EmpleadosActivos != 1 {
		t.Fatalf("expected 1 active employee, got %d", stats.EmpleadosActivos)
	}
	if stats.HorasTotales != 4.0 {
		t.Fatalf("expected 4.0 total hours, got %v", stats.HorasTotales)
	}
	if stats.PromedioHoras != 2.0 {
		t.Fatalf("expected 2.0 average hours, got %v", stats.PromedioHoras)
	}
}

func TestLastSessionTodayReturnsNewest(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.ClockIn(ctx, domain.ClockInRequest{EmpleadoID: 1, SedeID: 1, FechaEntrada: "2026-08-28", HoraEntrada: "08:00:00"})
	if err != nil {
		t.Fatalf("clock-in failed: %v", err)
	}
	if _, err := svc.ClockOut(ctx, rec.ID, domain.ClockOutRequest{FechaSalida: "2026-08-28", HoraSalida: "12:00:00"}); err != nil {
		t.Fatalf("clock-out failed: %v", err)
	}
	second, err := svc.ClockIn(ctx, domain.ClockInRequest{EmpleadoID: 1, SedeID: 1, FechaEntrada: "2026-08-28", HoraEntrada: "14:00:00"})
	if err != nil {
		t.Fatalf("second clock-in failed: %v", err)
	}

	last, err := svc.LastSessionToday(ctx, "1053800001", "2026-08-28")
	if err != nil {
		t.Fatalf("last session lookup failed: %v", err)
	}
	if last.ID != second.ID {
		t.Fatalf("expected newest session %d, got %d", second.ID, last.ID)
	}
	if last.NombreEmpleado == "" || last.NombreSede == "" {
		t.Fatalf("lookup should carry joined names, got %+v", last)
	}
}

func TestInputNormalization(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.ClockIn(ctx, domain.ClockInRequest{
		EmpleadoID:   1,
		SedeID:       1,
		FechaEntrada: "2026-08-28T08:00:00Z",
		HoraEntrada:  "08:00",
	})
	if err != nil {
		t.Fatalf("clock-in with ISO date failed: %v", err)
	}
	if rec.FechaEntrada != "2026-08-28" {
		t.Fatalf("expected normalized fecha 2026-08-28, got %s", rec.FechaEntrada)
	}
	if rec.HoraEntrada != "08:00:00" {
		t.Fatalf("expected normalized hora 08:00:00, got %s", rec.HoraEntrada)
	}

	if _, err := svc.ClockIn(ctx, domain.ClockInRequest{
		EmpleadoID: 3, SedeID: 2, FechaEntrada: "28/08/2026", HoraEntrada: "08:00:00",
	}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for malformed fecha, got %v", err)
	}
}

func TestAdminActionsWriteAuditTrail(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})

	rec, err := svc.ClockIn(ctx, domain.ClockInRequest{EmpleadoID: 1, SedeID: 1, FechaEntrada: "2026-08-28", HoraEntrada: "08:00:00"})
	if err != nil {
		t.Fatalf("clock-in failed: %v", err)
	}
	if _, err := svc.ForceClockOut(ctx, rec.ID, domain.ClockOutRequest{FechaSalida: "2026-08-28", HoraSalida: "16:00:00"}); err != nil {
		t.Fatalf("force clock-out failed: %v", err)
	}

	logs, err := svc.AuditLogs(ctx, 1, 10)
	if err != nil {
		t.Fatalf("audit listing failed: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(logs))
	}
	if logs[0].Action != "forzar_salida" || logs[0].ActorUsername != "admin" {
		t.Fatalf("unexpected audit entry %+v", logs[0])
	}
}

func TestCreateEmployeeRejectsDuplicates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	emp, err := svc.CreateEmployee(ctx, domain.EmployeeCreateRequest{Documento: "1053800099", Nombre: "Pedro Rios", SedeID: 2})
	if err != nil {
		t.Fatalf("create employee failed: %v", err)
	}
	if emp.ID == 0 {
		t.Fatalf("expected assigned id, got %+v", emp)
	}

	if _, err := svc.CreateEmployee(ctx, domain.EmployeeCreateRequest{Documento: "1053800099", Nombre: "Otro Nombre", SedeID: 1}); !errors.Is(err, ErrValidation) {
		t.Fatalf("duplicate documento should fail validation, got %v", err)
	}
}
