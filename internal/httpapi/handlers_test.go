package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"multifamiliar/backend/internal/cache"
	"multifamiliar/backend/internal/domain"
	"multifamiliar/backend/internal/service"
	"multifamiliar/backend/internal/store/memory"
)

const testAdminPassword = "test-admin-pass"

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	t.Setenv("SEED_ADMIN_PASSWORD", testAdminPassword)

	repo := memory.NewSeeded()
	svc := service.New(repo, cache.NoopStatsCache{}, time.UTC, time.Second)
	auth := NewAuthManager("0123456789abcdef0123456789abcdef", time.Hour, repo)
	api := New(svc, auth, nil, "http://127.0.0.1:3000")
	return api.Handler()
}

func doJSON(t *testing.T, handler http.Handler, method string, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder, data any) bool {
	t.Helper()

	var envelope struct {
		Success bool            `json:"success"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope: %v (body %s)", err, rec.Body.String())
	}
	if data != nil && len(envelope.Data) > 0 && string(envelope.Data) != "null" {
		if err := json.Unmarshal(envelope.Data, data); err != nil {
			t.Fatalf("decode data: %v (body %s)", err, rec.Body.String())
		}
	}
	return envelope.Success
}

func loginAdmin(t *testing.T, handler http.Handler) string {
	t.Helper()

	rec := doJSON(t, handler, http.MethodPost, "/api/auth/login", domain.LoginRequest{
		Username: "admin",
		Password: testAdminPassword,
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed with status %d: %s", rec.Code, rec.Body.String())
	}

	var resp domain.LoginResponse
	if !decodeEnvelope(t, rec, &resp) {
		t.Fatalf("login envelope not successful: %s", rec.Body.String())
	}
	if resp.AccessToken == "" {
		t.Fatal("login returned empty token")
	}
	return resp.AccessToken
}

func TestHealthEndpoint(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodGet, "/api/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !decodeEnvelope(t, rec, nil) {
		t.Fatalf("health should report success: %s", rec.Body.String())
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodPost, "/api/auth/login", domain.LoginRequest{
		Username: "admin",
		Password: "wrong-password",
	}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestClockFlowOverHTTP(t *testing.T) {
	handler := newTestHandler(t)

	entry := doJSON(t, handler, http.MethodPost, "/api/registros/entrada", domain.ClockInRequest{
		EmpleadoID: 1, SedeID: 1, FechaEntrada: "2026-08-28", HoraEntrada: "08:00:00",
	}, "")
	if entry.Code != http.StatusCreated {
		t.Fatalf("clock-in expected 201, got %d: %s", entry.Code, entry.Body.String())
	}
	var opened domain.TimeRecord
	decodeEnvelope(t, entry, &opened)
	if opened.ID == 0 || opened.Estado != domain.RecordStatusActive {
		t.Fatalf("unexpected opened record %+v", opened)
	}

	// Duplicate clock-in carries the conflicting record in the response.
	dup := doJSON(t, handler, http.MethodPost, "/api/registros/entrada", domain.ClockInRequest{
		EmpleadoID: 1, SedeID: 1, FechaEntrada: "2026-08-28", HoraEntrada: "09:00:00",
	}, "")
	if dup.Code != http.StatusBadRequest {
		t.Fatalf("duplicate clock-in expected 400, got %d: %s", dup.Code, dup.Body.String())
	}
	var dupResp struct {
		Success        bool               `json:"success"`
		RegistroActivo *domain.TimeRecord `json:"registro_activo"`
	}
	if err := json.Unmarshal(dup.Body.Bytes(), &dupResp); err != nil {
		t.Fatalf("decode duplicate response: %v", err)
	}
	if dupResp.Success || dupResp.RegistroActivo == nil || dupResp.RegistroActivo.ID != opened.ID {
		t.Fatalf("duplicate response should carry record %d: %s", opened.ID, dup.Body.String())
	}

	active := doJSON(t, handler, http.MethodGet, "/api/registros/activo/1053800001?fecha=2026-08-28", nil, "")
	if active.Code != http.StatusOK {
		t.Fatalf("active lookup expected 200, got %d", active.Code)
	}
	var found domain.TimeRecord
	decodeEnvelope(t, active, &found)
	if found.ID != opened.ID {
		t.Fatalf("active lookup expected record %d, got %+v", opened.ID, found)
	}

	exit := doJSON(t, handler, http.MethodPut, fmt.Sprintf("/api/registros/%d/salida", opened.ID), domain.ClockOutRequest{
		FechaSalida: "2026-08-28", HoraSalida: "17:00:00",
	}, "")
	if exit.Code != http.StatusOK {
		t.Fatalf("clock-out expected 200, got %d: %s", exit.Code, exit.Body.String())
	}
	var closed domain.TimeRecord
	decodeEnvelope(t, exit, &closed)
	if closed.Estado != domain.RecordStatusFinalized {
		t.Fatalf("expected estado finalizado, got %s", closed.Estado)
	}
	if closed.DuracionHoras == nil || *closed.DuracionHoras != 9.0 {
		t.Fatalf("expected duracion 9.0, got %v", closed.DuracionHoras)
	}

	// With the session closed the active lookup answers success with null data.
	after := doJSON(t, handler, http.MethodGet, "/api/registros/activo/1053800001?fecha=2026-08-28", nil, "")
	if after.Code != http.StatusOK {
		t.Fatalf("post-close lookup expected 200, got %d", after.Code)
	}
	var postClose struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(after.Body.Bytes(), &postClose); err != nil {
		t.Fatalf("decode post-close lookup: %v", err)
	}
	if !postClose.Success || string(postClose.Data) != "null" {
		t.Fatalf("expected success with null data, got %s", after.Body.String())
	}
}

func TestClockOutUnknownRecordIs404(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodPut, "/api/registros/9999/salida", domain.ClockOutRequest{
		FechaSalida: "2026-08-28", HoraSalida: "17:00:00",
	}, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	handler := newTestHandler(t)

	unauth := doJSON(t, handler, http.MethodPost, "/api/registros/finalizar-jornada", domain.SiteCloseRequest{
		SedeID: 1, FechaSalida: "2026-08-28", HoraSalida: "18:00:00",
	}, "")
	if unauth.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", unauth.Code)
	}

	token := loginAdmin(t, handler)
	authed := doJSON(t, handler, http.MethodPost, "/api/registros/finalizar-jornada", domain.SiteCloseRequest{
		SedeID: 1, FechaSalida: "2026-08-28", HoraSalida: "18:00:00",
	}, token)
	if authed.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", authed.Code, authed.Body.String())
	}
	var result domain.SiteCloseResult
	decodeEnvelope(t, authed, &result)
	if result.RegistrosActualizados != 0 {
		t.Fatalf("no open sessions, expected 0 updated, got %d", result.RegistrosActualizados)
	}
}

func TestForceCloseRecordRequiresAdmin(t *testing.T) {
	handler := newTestHandler(t)

	entry := doJSON(t, handler, http.MethodPost, "/api/registros/entrada", domain.ClockInRequest{
		EmpleadoID: 1, SedeID: 1, FechaEntrada: "2026-08-28", HoraEntrada: "08:00:00",
	}, "")
	var opened domain.TimeRecord
	decodeEnvelope(t, entry, &opened)

	path := fmt.Sprintf("/api/registros/%d/forzar", opened.ID)
	body := domain.ClockOutRequest{FechaSalida: "2026-08-28", HoraSalida: "16:00:00"}

	if rec := doJSON(t, handler, http.MethodPut, path, body, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	token := loginAdmin(t, handler)
	forced := doJSON(t, handler, http.MethodPut, path, body, token)
	if forced.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", forced.Code, forced.Body.String())
	}
	var closed domain.TimeRecord
	decodeEnvelope(t, forced, &closed)
	if closed.Estado != domain.RecordStatusForced {
		t.Fatalf("expected estado forzado, got %s", closed.Estado)
	}
}

func TestSweepEndpoint(t *testing.T) {
	handler := newTestHandler(t)
	token := loginAdmin(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/registros/cerrar-sesiones-automaticas", domain.SweepRequest{SedeID: 1}, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result domain.SweepResult
	decodeEnvelope(t, rec, &result)
	if result.Fecha == "" || result.Hora == "" {
		t.Fatalf("sweep result should carry the cutoff, got %+v", result)
	}
}

func TestEmployeeLookup(t *testing.T) {
	handler := newTestHandler(t)

	found := doJSON(t, handler, http.MethodGet, "/api/empleados/1053800001", nil, "")
	if found.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", found.Code)
	}
	var emp domain.Employee
	decodeEnvelope(t, found, &emp)
	if emp.Documento != "1053800001" {
		t.Fatalf("unexpected employee %+v", emp)
	}

	missing := doJSON(t, handler, http.MethodGet, "/api/empleados/0000000000", nil, "")
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.Code)
	}
}

func TestEmployeesBySiteRoster(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodGet, "/api/empleados/sede/1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var employees []domain.Employee
	decodeEnvelope(t, rec, &employees)
	if len(employees) != 2 {
		t.Fatalf("expected 2 seeded employees at sede 1, got %d", len(employees))
	}
}

func TestEmployeeCreateRequiresAdmin(t *testing.T) {
	handler := newTestHandler(t)

	req := domain.EmployeeCreateRequest{Documento: "1053800100", Nombre: "Laura Mejia", SedeID: 2}
	if rec := doJSON(t, handler, http.MethodPost, "/api/empleados", req, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	token := loginAdmin(t, handler)
	created := doJSON(t, handler, http.MethodPost, "/api/empleados", req, token)
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", created.Code, created.Body.String())
	}
	var emp domain.Employee
	decodeEnvelope(t, created, &emp)
	if emp.ID == 0 || emp.SedeID != 2 {
		t.Fatalf("unexpected created employee %+v", emp)
	}
}

func TestDailyStatsEndpoint(t *testing.T) {
	handler := newTestHandler(t)

	entry := doJSON(t, handler, http.MethodPost, "/api/registros/entrada", domain.ClockInRequest{
		EmpleadoID: 1, SedeID: 1, FechaEntrada: "2026-08-28", HoraEntrada: "08:00:00",
	}, "")
	var opened domain.TimeRecord
	decodeEnvelope(t, entry, &opened)
	doJSON(t, handler, http.MethodPut, fmt.Sprintf("/api/registros/%d/salida", opened.ID), domain.ClockOutRequest{
		FechaSalida: "2026-08-28", HoraSalida: "12:00:00",
	}, "")

	rec := doJSON(t, handler, http.MethodGet, "/api/estadisticas/1/2026-08-28", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var stats domain.DailyStats
	decodeEnvelope(t, rec, &stats)
	if stats.TotalRegistros != 1 || stats.HorasTotales != 4.0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestReportsUnavailableWithoutConfiguration(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodGet, "/api/reportes/proveedores/manizales", nil, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSitesEndpoint(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodGet, "/api/sedes", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var sites []domain.Site
	decodeEnvelope(t, rec, &sites)
	if len(sites) != 2 {
		t.Fatalf("expected 2 seeded sites, got %d", len(sites))
	}
}
