package reports

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"multifamiliar/backend/internal/domain"
)

// ErrSiteNotConfigured is returned when a report is requested for a site
// with no configured sales database.
var ErrSiteNotConfigured = errors.New("site has no configured report database")

// SiteSource is one site's sales database plus the headquarter ids that
// belong to that site inside it.
type SiteSource struct {
	DSN            string
	HeadquarterIDs []int64
}

// Store reads the per-site sales databases. Each site owns an independent
// PostgreSQL instance with the same schema; reads are strictly read-only.
type Store struct {
	pools map[string]*sql.DB
	hqIDs map[string][]int64
}

func New(sources map[string]SiteSource) (*Store, error) {
	s := &Store{
		pools: make(map[string]*sql.DB, len(sources)),
		hqIDs: make(map[string][]int64, len(sources)),
	}
	for site, src := range sources {
		db, err := sql.Open("pgx", src.DSN)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open report database for %s: %w", site, err)
		}
		db.SetMaxOpenConns(5)
		db.SetConnMaxIdleTime(5 * time.Minute)
		s.pools[strings.ToLower(site)] = db
		s.hqIDs[strings.ToLower(site)] = src.HeadquarterIDs
		log.Printf("[reports] sales database configured for %s", site)
	}
	return s, nil
}

func (s *Store) Close() {
	for site, db := range s.pools {
		if err := db.Close(); err != nil {
			log.Printf("[reports] closing %s pool: %v", site, err)
		}
	}
}

// Sites lists the site names with a configured sales database.
func (s *Store) Sites() []string {
	sites := make([]string, 0, len(s.pools))
	for site := range s.pools {
		sites = append(sites, site)
	}
	sort.Strings(sites)
	return sites
}

func (s *Store) source(site string) (*sql.DB, string, error) {
	site = strings.ToLower(strings.TrimSpace(site))
	db, ok := s.pools[site]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrSiteNotConfigured, site)
	}
	ids := s.hqIDs[site]
	if len(ids) == 0 {
		return nil, "", fmt.Errorf("%w: %s has no headquarters", ErrSiteNotConfigured, site)
	}
	return db, pgInt64Array(ids), nil
}

// pgInt64Array renders ids as a PostgreSQL array literal for ANY($n::bigint[]).
func pgInt64Array(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// DailySales returns per-product quantities sold on fecha, grouped by
// headquarter within the site.
func (s *Store) DailySales(ctx context.Context, site string, fecha string) ([]domain.ProductSale, error) {
	db, hqArray, err := s.source(site)
	if err != nil {
		return nil, err
	}

	const query = `
		WITH ventas_del_dia AS (
			SELECT
				ps."productId",
				p.internal_code,
				p.name AS nombre_producto,
				s."headquarterId",
				h.name AS nombre_headquarter,
				SUM(ps.quantity) AS cantidad_total
			FROM product_sell ps
			JOIN sell s ON ps."sellId" = s.id
			JOIN product p ON ps."productId" = p.id
			JOIN headquarter h ON s."headquarterId" = h.id
			WHERE s."headquarterId" = ANY($1::bigint[])
			  AND s.deleted_at IS NULL
			  AND ps.deleted_at IS NULL
			  AND p.deleted_at IS NULL
			  AND DATE(s.created_at) = $2
			GROUP BY ps."productId", p.internal_code, p.name, s."headquarterId", h.name
			HAVING SUM(ps.quantity) > 0
		)
		SELECT vd."productId", vd.internal_code, vd.nombre_producto,
		       vd."headquarterId", vd.nombre_headquarter, vd.cantidad_total
		FROM ventas_del_dia vd
		ORDER BY vd.internal_code ASC, vd.nombre_producto ASC`

	rows, err := db.QueryContext(ctx, query, hqArray, fecha)
	if err != nil {
		return nil, fmt.Errorf("daily sales for %s: %w", site, err)
	}
	defer rows.Close()

	sales := make([]domain.ProductSale, 0, 64)
	for rows.Next() {
		var sale domain.ProductSale
		if err := rows.Scan(&sale.ProductID, &sale.InternalCode, &sale.NombreProducto,
			&sale.HeadquarterID, &sale.NombreHeadquarter, &sale.CantidadTotal); err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	return sales, rows.Err()
}

// RecentPurchases returns the purchase lines of the last dias days, newest
// first, optionally filtered by provider.
func (s *Store) RecentPurchases(ctx context.Context, site string, dias int, providerID int64, limit int) ([]domain.RecentPurchase, error) {
	db, hqArray, err := s.source(site)
	if err != nil {
		return nil, err
	}
	if dias < 1 {
		dias = 30
	}
	if limit < 1 || limit > 1000 {
		limit = 100
	}
	since := time.Now().AddDate(0, 0, -dias)

	query := `
		SELECT DISTINCT
			pur.id AS compra_id,
			pur.invoice_number,
			pur.created_at AS fecha_compra,
			pur.total_value,
			pr.id AS provider_id,
			pr.name AS nombre_proveedor,
			p.id AS product_id,
			p.internal_code,
			p.name AS nombre_producto,
			pp.quantity AS cantidad_comprada,
			pp.unit_price AS precio_unitario,
			h.name AS nombre_headquarter
		FROM purchase pur
		JOIN provider pr ON pur."providerId" = pr.id
		JOIN product_purchase pp ON pur.id = pp."purchaseId"
		JOIN product p ON pp."productId" = p.id
		JOIN headquarter h ON pur."headquarterId" = h.id
		WHERE pur."headquarterId" = ANY($1::bigint[])
		  AND pur.created_at >= $2
		  AND pur.deleted_at IS NULL
		  AND pr.deleted_at IS NULL
		  AND p.deleted_at IS NULL`

	args := []any{hqArray, since}
	if providerID > 0 {
		query += fmt.Sprintf(` AND pur."providerId" = $%d`, len(args)+1)
		args = append(args, providerID)
	}
	query += fmt.Sprintf(`
		ORDER BY pur.created_at DESC, pr.name ASC, p.internal_code ASC
		LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent purchases for %s: %w", site, err)
	}
	defer rows.Close()

	purchases := make([]domain.RecentPurchase, 0, limit)
	for rows.Next() {
		var pu domain.RecentPurchase
		var invoice sql.NullString
		if err := rows.Scan(&pu.CompraID, &invoice, &pu.FechaCompra, &pu.TotalValue,
			&pu.ProviderID, &pu.NombreProveedor, &pu.ProductID, &pu.InternalCode,
			&pu.NombreProducto, &pu.CantidadComprada, &pu.PrecioUnitario,
			&pu.NombreHeadquarter); err != nil {
			return nil, err
		}
		pu.InvoiceNumber = invoice.String
		purchases = append(purchases, pu)
	}
	return purchases, rows.Err()
}

// Providers lists the site's providers with invoice counts and the date of
// their most recent purchase.
func (s *Store) Providers(ctx context.Context, site string) ([]domain.Provider, error) {
	db, hqArray, err := s.source(site)
	if err != nil {
		return nil, err
	}

	const query = `
		SELECT DISTINCT
			pr.id,
			pr.name AS nombre,
			COUNT(DISTINCT pur.id) AS total_facturas,
			MAX(pur.created_at) AS ultima_compra
		FROM provider pr
		INNER JOIN purchase pur ON pr.id = pur."providerId"
		WHERE pur."headquarterId" = ANY($1::bigint[])
		  AND pur.deleted_at IS NULL
		  AND pr.deleted_at IS NULL
		GROUP BY pr.id, pr.name
		ORDER BY pr.name`

	rows, err := db.QueryContext(ctx, query, hqArray)
	if err != nil {
		return nil, fmt.Errorf("providers for %s: %w", site, err)
	}
	defer rows.Close()

	providers := make([]domain.Provider, 0, 32)
	for rows.Next() {
		var p domain.Provider
		if err := rows.Scan(&p.ID, &p.Nombre, &p.TotalFacturas, &p.UltimaCompra); err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}
