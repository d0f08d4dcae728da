package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"multifamiliar/backend/internal/domain"
	"multifamiliar/backend/internal/store"
	"multifamiliar/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListSites(ctx context.Context) ([]domain.Site, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, nombre, codigo, activa
		FROM sedes
		WHERE activa = true
		ORDER BY nombre
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sites := make([]domain.Site, 0, 4)
	for rows.Next() {
		var site domain.Site
		if err := rows.Scan(&site.ID, &site.Nombre, &site.Codigo, &site.Activa); err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sites, nil
}

func (s *Store) GetEmployeeByDocument(ctx context.Context, documento string) (*domain.Employee, error) {
	return s.getEmployee(ctx, `documento = $1 AND activo = true`, documento)
}

func (s *Store) GetEmployeeByID(ctx context.Context, id int64) (*domain.Employee, error) {
	return s.getEmployee(ctx, `id = $1`, id)
}

func (s *Store) getEmployee(ctx context.Context, where string, arg any) (*domain.Employee, error) {
	var emp domain.Employee
	err := s.db.QueryRowContext(ctx, `
		SELECT id, documento, nombre, sede_id, activo, created_at
		FROM empleados
		WHERE `+where, arg).Scan(&emp.ID, &emp.Documento, &emp.Nombre, &emp.SedeID, &emp.Activo, &emp.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	emp.CreatedAt = emp.CreatedAt.UTC()
	return &emp, nil
}

func (s *Store) CreateEmployee(ctx context.Context, documento string, nombre string, sedeID int64) (*domain.Employee, error) {
	documento = strings.TrimSpace(documento)
	nombre = strings.TrimSpace(nombre)
	if documento == "" || nombre == "" || sedeID < 1 {
		return nil, store.ErrInvalidRecord
	}

	var emp domain.Employee
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO empleados (documento, nombre, sede_id, activo, created_at)
		VALUES ($1, $2, $3, true, now())
		RETURNING id, documento, nombre, sede_id, activo, created_at
	`, documento, nombre, sedeID).Scan(&emp.ID, &emp.Documento, &emp.Nombre, &emp.SedeID, &emp.Activo, &emp.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidRecord
		}
		return nil, err
	}
	emp.CreatedAt = emp.CreatedAt.UTC()
	return &emp, nil
}

func (s *Store) ListEmployeesBySite(ctx context.Context, sedeID int64) ([]domain.Employee, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, documento, nombre, sede_id, activo, created_at
		FROM empleados
		WHERE sede_id = $1 AND activo = true
		ORDER BY nombre
	`, sedeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	employees := make([]domain.Employee, 0, 32)
	for rows.Next() {
		var emp domain.Employee
		if err := rows.Scan(&emp.ID, &emp.Documento, &emp.Nombre, &emp.SedeID, &emp.Activo, &emp.CreatedAt); err != nil {
			return nil, err
		}
		emp.CreatedAt = emp.CreatedAt.UTC()
		employees = append(employees, emp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return employees, nil
}

// recordColumns selects a registros_horas row with dates and times rendered
// as text (YYYY-MM-DD / HH:MM:SS) so the wire format never depends on driver
// time-type mapping.
const recordColumns = `
	rh.id, rh.empleado_id, rh.sede_id,
	rh.fecha_entrada::text, rh.hora_entrada::text,
	rh.fecha_salida::text, rh.hora_salida::text,
	rh.duracion_horas, rh.estado, COALESCE(rh.observaciones, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc rowScanner, extra ...*string) (domain.TimeRecord, error) {
	var rec domain.TimeRecord
	var fechaSalida, horaSalida sql.NullString
	var duracion sql.NullFloat64

	dest := []any{
		&rec.ID, &rec.EmpleadoID, &rec.SedeID,
		&rec.FechaEntrada, &rec.HoraEntrada,
		&fechaSalida, &horaSalida,
		&duracion, &rec.Estado, &rec.Observaciones,
	}
	for _, e := range extra {
		dest = append(dest, e)
	}
	if err := sc.Scan(dest...); err != nil {
		return rec, err
	}
	if fechaSalida.Valid {
		rec.FechaSalida = fechaSalida.String
	}
	if horaSalida.Valid {
		rec.HoraSalida = horaSalida.String
	}
	if duracion.Valid {
		d := duracion.Float64
		rec.DuracionHoras = &d
	}
	return rec, nil
}

func (s *Store) FindActiveSession(ctx context.Context, documento string, fecha string) (*domain.TimeRecord, error) {
	return s.findSession(ctx, documento, fecha, true)
}

func (s *Store) FindLastSessionToday(ctx context.Context, documento string, fecha string) (*domain.TimeRecord, error) {
	return s.findSession(ctx, documento, fecha, false)
}

func (s *Store) findSession(ctx context.Context, documento string, fecha string, onlyActive bool) (*domain.TimeRecord, error) {
	query := `
		SELECT ` + recordColumns + `, e.documento, e.nombre, s.nombre
		FROM registros_horas rh
		JOIN empleados e ON rh.empleado_id = e.id
		JOIN sedes s ON rh.sede_id = s.id
		WHERE e.documento = $1
			AND rh.fecha_entrada = $2::date`
	if onlyActive {
		query += `
			AND rh.estado = 'activo'`
	}
	query += `
		ORDER BY rh.hora_entrada DESC
		LIMIT 1`

	var documentoOut, nombreEmpleado, nombreSede string
	row := s.db.QueryRowContext(ctx, query, documento, fecha)
	rec, err := scanRecord(row, &documentoOut, &nombreEmpleado, &nombreSede)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	rec.Documento = documentoOut
	rec.NombreEmpleado = nombreEmpleado
	rec.NombreSede = nombreSede
	return &rec, nil
}

// CreateActiveSession inserts a new activo record only if none exists for the
// same employee and entry date. The existence check runs inside the INSERT
// statement itself, so two concurrent clock-ins cannot both succeed; this is
// the sole concurrency guard for the uniqueness invariant.
func (s *Store) CreateActiveSession(ctx context.Context, empleadoID int64, sedeID int64, fechaEntrada string, horaEntrada string) (*domain.TimeRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO registros_horas (empleado_id, sede_id, fecha_entrada, hora_entrada, estado)
		SELECT $1, $2, $3::date, $4::time, 'activo'
		WHERE NOT EXISTS (
			SELECT 1 FROM registros_horas
			WHERE empleado_id = $1
			AND estado = 'activo'
			AND fecha_entrada = $3::date
		)
		RETURNING `+strings.ReplaceAll(recordColumns, "rh.", ""),
		empleadoID, sedeID, fechaEntrada, horaEntrada)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrActiveSessionExists
		}
		return nil, err
	}
	return &rec, nil
}

func (s *Store) CloseSession(ctx context.Context, id int64, fechaSalida string, horaSalida string) (*domain.TimeRecord, error) {
	return s.closeByID(ctx, id, fechaSalida, horaSalida, domain.RecordStatusFinalized)
}

func (s *Store) ForceCloseSession(ctx context.Context, id int64, fechaSalida string, horaSalida string) (*domain.TimeRecord, error) {
	return s.closeByID(ctx, id, fechaSalida, horaSalida, domain.RecordStatusForced)
}

// closeByID stamps the exit and computes duracion_horas in the same UPDATE.
// The estado = 'activo' guard makes terminal states immutable: targeting an
// already-closed record matches zero rows and reports not-found.
func (s *Store) closeByID(ctx context.Context, id int64, fechaSalida string, horaSalida string, estado string) (*domain.TimeRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE registros_horas
		SET fecha_salida = $1::date,
			hora_salida = $2::time,
			estado = $4,
			duracion_horas = ROUND(EXTRACT(EPOCH FROM (($1::date + $2::time) - (fecha_entrada + hora_entrada))) / 3600.0, 2)
		WHERE id = $3
		AND estado = 'activo'
		RETURNING `+strings.ReplaceAll(recordColumns, "rh.", ""),
		fechaSalida, horaSalida, id, estado)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (s *Store) ForceCloseSite(ctx context.Context, sedeID int64, fechaSalida string, horaSalida string) ([]domain.TimeRecord, error) {
	return s.closeSite(ctx, sedeID, fechaSalida, horaSalida, domain.RecordStatusForced, false)
}

// AutoCloseSite closes every activo record at the site whose entry time is
// strictly before the cutoff time. Records opened at or after the cutoff are
// left untouched.
func (s *Store) AutoCloseSite(ctx context.Context, sedeID int64, cutoffDate string, cutoffTime string) ([]domain.TimeRecord, error) {
	return s.closeSite(ctx, sedeID, cutoffDate, cutoffTime, domain.RecordStatusAutomatic, true)
}

func (s *Store) closeSite(ctx context.Context, sedeID int64, fechaSalida string, horaSalida string, estado string, beforeCutoffOnly bool) ([]domain.TimeRecord, error) {
	query := `
		UPDATE registros_horas
		SET fecha_salida = $1::date,
			hora_salida = $2::time,
			estado = $4,
			duracion_horas = ROUND(EXTRACT(EPOCH FROM (($1::date + $2::time) - (fecha_entrada + hora_entrada))) / 3600.0, 2)
		WHERE sede_id = $3
		AND estado = 'activo'`
	if beforeCutoffOnly {
		query += `
		AND hora_entrada < $2::time`
	}
	query += `
		RETURNING ` + strings.ReplaceAll(recordColumns, "rh.", "")

	rows, err := s.db.QueryContext(ctx, query, fechaSalida, horaSalida, sedeID, estado)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	closed := make([]domain.TimeRecord, 0, 16)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		closed = append(closed, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return closed, nil
}

func (s *Store) ListSessionsForDate(ctx context.Context, sedeID int64, fecha string) ([]domain.TimeRecord, error) {
	return s.listSessions(ctx, `
		SELECT `+recordColumns+`, e.documento, e.nombre, s.nombre
		FROM registros_horas rh
		JOIN empleados e ON rh.empleado_id = e.id
		JOIN sedes s ON rh.sede_id = s.id
		WHERE rh.sede_id = $1
		AND rh.fecha_entrada = $2::date
		ORDER BY rh.hora_entrada DESC
	`, sedeID, fecha)
}

// ListActiveSessions orders ascending by entry time so the employee who has
// been clocked in longest appears first.
func (s *Store) ListActiveSessions(ctx context.Context, sedeID int64) ([]domain.TimeRecord, error) {
	return s.listSessions(ctx, `
		SELECT `+recordColumns+`, e.documento, e.nombre, s.nombre
		FROM registros_horas rh
		JOIN empleados e ON rh.empleado_id = e.id
		JOIN sedes s ON rh.sede_id = s.id
		WHERE rh.sede_id = $1
		AND rh.estado = 'activo'
		ORDER BY rh.hora_entrada ASC
	`, sedeID)
}

func (s *Store) listSessions(ctx context.Context, query string, args ...any) ([]domain.TimeRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.TimeRecord, 0, 32)
	for rows.Next() {
		var documento, nombreEmpleado, nombreSede string
		rec, err := scanRecord(rows, &documento, &nombreEmpleado, &nombreSede)
		if err != nil {
			return nil, err
		}
		rec.Documento = documento
		rec.NombreEmpleado = nombreEmpleado
		rec.NombreSede = nombreSede
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) ComputeDailyStats(ctx context.Context, sedeID int64, fecha string) (domain.DailyStats, error) {
	var stats domain.DailyStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*)::bigint,
			COUNT(CASE WHEN estado = 'activo' THEN 1 END)::bigint,
			COALESCE(SUM(duracion_horas), 0)::float8,
			CASE
				WHEN COUNT(*) > 0 THEN COALESCE(SUM(duracion_horas), 0) / COUNT(*)
				ELSE 0
			END::float8
		FROM registros_horas
		WHERE sede_id = $1
		AND fecha_entrada = $2::date
	`, sedeID, fecha).Scan(&stats.TotalRegistros, &stats.EmpleadosActivos, &stats.HorasTotales, &stats.PromedioHoras)
	if err != nil {
		return stats, err
	}
	return stats, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, sede_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.SedeID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, sedeID int64, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sede_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE sede_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, sedeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.SedeID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidRecord
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidRecord
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidRecord
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
