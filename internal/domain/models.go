package domain

import "time"

// Site is a physical store location (sede). Each site keeps its own employee
// roster and time records; reference data is seeded out of band.
type Site struct {
	ID     int64  `json:"id"`
	Nombre string `json:"nombre"`
	Codigo string `json:"codigo"`
	Activa bool   `json:"activa"`
}

type Employee struct {
	ID        int64     `json:"id"`
	Documento string    `json:"documento"`
	Nombre    string    `json:"nombre"`
	SedeID    int64     `json:"sede_id"`
	Activo    bool      `json:"activo"`
	CreatedAt time.Time `json:"created_at"`
}

type EmployeeCreateRequest struct {
	Documento string `json:"documento"`
	Nombre    string `json:"nombre"`
	SedeID    int64  `json:"sede_id"`
}

// TimeRecord is one clock-in-to-clock-out interval for one employee on one
// calendar day. Field names on the wire match the original registros_horas
// contract. Documento / NombreEmpleado / NombreSede are only populated by
// queries that join the employee and site tables.
type TimeRecord struct {
	ID             int64    `json:"id"`
	EmpleadoID     int64    `json:"empleado_id"`
	SedeID         int64    `json:"sede_id"`
	Documento      string   `json:"documento,omitempty"`
	NombreEmpleado string   `json:"nombre_empleado,omitempty"`
	NombreSede     string   `json:"nombre_sede,omitempty"`
	FechaEntrada   string   `json:"fecha_entrada"`
	HoraEntrada    string   `json:"hora_entrada"`
	FechaSalida    string   `json:"fecha_salida,omitempty"`
	HoraSalida     string   `json:"hora_salida,omitempty"`
	DuracionHoras  *float64 `json:"duracion_horas"`
	Estado         string   `json:"estado"`
	Observaciones  string   `json:"observaciones,omitempty"`
}

// Active reports whether the record is still open. Every other state is
// terminal: a closed record never returns to activo.
func (r TimeRecord) Active() bool {
	return r.Estado == RecordStatusActive
}

const (
	RecordStatusActive    = "activo"
	RecordStatusFinalized = "finalizado"
	RecordStatusForced    = "forzado"
	RecordStatusAutomatic = "automatico"
)

type ClockInRequest struct {
	EmpleadoID   int64  `json:"empleado_id"`
	SedeID       int64  `json:"sede_id"`
	FechaEntrada string `json:"fecha_entrada"`
	HoraEntrada  string `json:"hora_entrada"`
}

type ClockOutRequest struct {
	FechaSalida string `json:"fecha_salida"`
	HoraSalida  string `json:"hora_salida"`
}

type SiteCloseRequest struct {
	SedeID      int64  `json:"sede_id"`
	FechaSalida string `json:"fecha_salida"`
	HoraSalida  string `json:"hora_salida"`
}

type SiteCloseResult struct {
	RegistrosActualizados int          `json:"registros_actualizados"`
	Registros             []TimeRecord `json:"registros"`
}

type SweepRequest struct {
	SedeID int64 `json:"sede_id"`
}

type SweepResult struct {
	RegistrosCerrados int          `json:"registros_cerrados"`
	Registros         []TimeRecord `json:"registros"`
	Fecha             string       `json:"fecha"`
	Hora              string       `json:"hora"`
}

// DailyStats aggregates every record at one site on one entry date.
type DailyStats struct {
	TotalRegistros   int64   `json:"total_registros"`
	EmpleadosActivos int64   `json:"empleados_activos"`
	HorasTotales     float64 `json:"horas_totales"`
	PromedioHoras    float64 `json:"promedio_horas"`
}

// ProductSale is one row of the per-day sales report, read from a site's own
// sales database. Column aliases match the original reporting queries.
type ProductSale struct {
	ProductID         int64   `json:"productId"`
	InternalCode      string  `json:"internal_code"`
	NombreProducto    string  `json:"nombre_producto"`
	HeadquarterID     int64   `json:"headquarterId"`
	NombreHeadquarter string  `json:"nombre_headquarter"`
	CantidadTotal     float64 `json:"cantidad_total"`
}

type RecentPurchase struct {
	CompraID          int64     `json:"compra_id"`
	InvoiceNumber     string    `json:"invoice_number"`
	FechaCompra       time.Time `json:"fecha_compra"`
	TotalValue        float64   `json:"total_value"`
	ProviderID        int64     `json:"provider_id"`
	NombreProveedor   string    `json:"nombre_proveedor"`
	ProductID         int64     `json:"product_id"`
	InternalCode      string    `json:"internal_code"`
	NombreProducto    string    `json:"nombre_producto"`
	CantidadComprada  float64   `json:"cantidad_comprada"`
	PrecioUnitario    float64   `json:"precio_unitario"`
	NombreHeadquarter string    `json:"nombre_headquarter"`
}

type Provider struct {
	ID            int64     `json:"id"`
	Nombre        string    `json:"nombre"`
	TotalFacturas int64     `json:"total_facturas"`
	UltimaCompra  time.Time `json:"ultima_compra"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	SedeID        int64     `json:"sede_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
