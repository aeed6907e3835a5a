// Package query builds the SQL shared by the sqlite and postgres stores and
// scans result rows into domain values. Statements are rendered with the
// placeholder format of the target driver.
package query

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/koltyakov/managedsp/internal/domain"
)

// Row is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type Row interface {
	Scan(dest ...any) error
}

// Builder renders statements for one placeholder format.
type Builder struct {
	sb sq.StatementBuilderType
}

// New returns a Builder using ph (sq.Question for sqlite, sq.Dollar for postgres).
func New(ph sq.PlaceholderFormat) Builder {
	return Builder{sb: sq.StatementBuilder.PlaceholderFormat(ph)}
}

const serverLoadColumn = `(SELECT COUNT(*) FROM deployments d WHERE d.primary_server = s.id)
 + (SELECT COUNT(*) FROM deployments d WHERE d.backup_server = s.id) AS tenants`

// PoolLoad selects every server of pool with its committed tenant count. An
// empty pool selects all servers.
func (b Builder) PoolLoad(pool string) (string, []any, error) {
	q := b.sb.Select("s.id", "s.pool", "s.ip4", "s.ip6", "s.location_lat", "s.location_lon", serverLoadColumn).
		From("servers s").
		OrderBy("s.pool", "s.id")
	if pool != "" {
		q = q.Where(sq.Eq{"s.pool": pool})
	}
	return q.ToSql()
}

// ScanServerLoad scans one row produced by [Builder.PoolLoad].
func ScanServerLoad(row Row) (domain.ServerLoad, error) {
	var (
		out      domain.ServerLoad
		ip4, ip6 sql.NullString
		lat, lon sql.NullFloat64
	)
	if err := row.Scan(&out.Server.ID, &out.Server.Pool, &ip4, &ip6, &lat, &lon, &out.Load); err != nil {
		return domain.ServerLoad{}, err
	}
	out.Server.IP4 = ip4.String
	out.Server.IP6 = ip6.String
	if lat.Valid && lon.Valid {
		out.Server.Location = &domain.Location{Lat: lat.Float64, Lon: lon.Float64}
	}
	return out, nil
}

// UpsertServer inserts s or replaces the stored attributes of the same id.
func (b Builder) UpsertServer(s domain.Server) (string, []any, error) {
	var lat, lon any
	if s.Location != nil {
		lat, lon = s.Location.Lat, s.Location.Lon
	}
	return b.sb.Insert("servers").
		Columns("id", "pool", "ip4", "ip6", "location_lat", "location_lon").
		Values(s.ID, s.Pool, Nullable(s.IP4), Nullable(s.IP6), lat, lon).
		Suffix(`ON CONFLICT (id) DO UPDATE SET pool = excluded.pool, ip4 = excluded.ip4, ip6 = excluded.ip6,
 location_lat = excluded.location_lat, location_lon = excluded.location_lon`).
		ToSql()
}

// UpsertInstitution inserts i or moves it to another federation.
func (b Builder) UpsertInstitution(i domain.Institution) (string, []any, error) {
	return b.sb.Insert("institutions").
		Columns("id", "federation").
		Values(i.ID, i.Federation).
		Suffix("ON CONFLICT (id) DO UPDATE SET federation = excluded.federation").
		ToSql()
}

// InstitutionFederation selects the federation of one institution.
func (b Builder) InstitutionFederation(id string) (string, []any, error) {
	return b.sb.Select("federation").From("institutions").Where(sq.Eq{"id": id}).ToSql()
}

// InsertDeployment creates an unprovisioned deployment row.
func (b Builder) InsertDeployment(id int64, institutionID string, now time.Time) (string, []any, error) {
	return b.sb.Insert("deployments").
		Columns("id", "institution_id", "status", "last_change").
		Values(id, institutionID, string(domain.StatusUnprovisioned), now).
		ToSql()
}

// Deployment selects one deployment with the hostnames of its servers.
func (b Builder) Deployment(id int64) (string, []any, error) {
	return b.sb.Select(
		"d.id", "d.institution_id", "d.status",
		"d.primary_server", "d.primary_port", "d.backup_server", "d.backup_port", "d.secret", "d.last_change",
		"p.ip4", "p.ip6", "bk.ip4", "bk.ip6",
	).
		From("deployments d").
		LeftJoin("servers p ON p.id = d.primary_server").
		LeftJoin("servers bk ON bk.id = d.backup_server").
		Where(sq.Eq{"d.id": id}).
		ToSql()
}

// ScanDeployment scans one row produced by [Builder.Deployment].
func ScanDeployment(row Row) (domain.Deployment, error) {
	var (
		d                       domain.Deployment
		status                  string
		primary, backup, secret sql.NullString
		primaryPort, backupPort sql.NullInt64
		lastChange              sql.NullTime
		p4, p6, b4, b6          sql.NullString
	)
	if err := row.Scan(&d.ID, &d.InstitutionID, &status,
		&primary, &primaryPort, &backup, &backupPort, &secret, &lastChange,
		&p4, &p6, &b4, &b6); err != nil {
		return domain.Deployment{}, err
	}
	d.Status = domain.Status(status)
	if !d.Status.Valid() {
		return domain.Deployment{}, fmt.Errorf("deployment %d: unknown status %q", d.ID, status)
	}
	d.PrimaryServer = primary.String
	d.PrimaryPort = int(primaryPort.Int64)
	d.BackupServer = backup.String
	d.BackupPort = int(backupPort.Int64)
	d.Secret = secret.String
	d.PrimaryHost4, d.PrimaryHost6 = p4.String, p6.String
	d.BackupHost4, d.BackupHost6 = b4.String, b6.String
	if lastChange.Valid {
		t := lastChange.Time.UTC()
		d.LastChange = &t
	}
	return d, nil
}

// LockDeployment selects the deployment id with a row lock held until the
// transaction ends. Only postgres understands the locking clause.
func (b Builder) LockDeployment(id int64) (string, []any, error) {
	return b.sb.Select("id").From("deployments").Where(sq.Eq{"id": id}).Suffix("FOR UPDATE").ToSql()
}

// LastChange selects the freshness column of one deployment.
func (b Builder) LastChange(id int64) (string, []any, error) {
	return b.sb.Select("last_change").From("deployments").Where(sq.Eq{"id": id}).ToSql()
}

// SetLastChange overwrites the freshness column.
func (b Builder) SetLastChange(id int64, at time.Time) (string, []any, error) {
	return b.sb.Update("deployments").Set("last_change", at).Where(sq.Eq{"id": id}).ToSql()
}

// Assign stores a, flips status to inactive and stamps last_change. The
// update matches only while the row is still unprovisioned.
func (b Builder) Assign(id int64, a domain.Assignment, now time.Time) (string, []any, error) {
	return b.sb.Update("deployments").
		SetMap(map[string]any{
			"primary_server": a.PrimaryServer,
			"primary_port":   a.PrimaryPort,
			"backup_server":  a.BackupServer,
			"backup_port":    a.BackupPort,
			"secret":         a.Secret,
			"status":         string(domain.StatusInactive),
			"last_change":    now,
		}).
		Where(sq.Eq{"id": id, "status": string(domain.StatusUnprovisioned)}).
		ToSql()
}

// SetStatus moves a deployment to status and stamps last_change.
func (b Builder) SetStatus(id int64, status domain.Status, lastChange time.Time) (string, []any, error) {
	return b.sb.Update("deployments").
		Set("status", string(status)).
		Set("last_change", lastChange).
		Where(sq.Eq{"id": id}).
		ToSql()
}

// ReservePort claims (server, port). Zero affected rows means the pair is
// already held by another deployment.
func (b Builder) ReservePort(r domain.PortReservation) (string, []any, error) {
	return b.sb.Insert("port_reservations").
		Columns("server_id", "port", "deployment_id", "slot").
		Values(r.ServerID, r.Port, r.DeploymentID, string(r.Slot)).
		Suffix("ON CONFLICT DO NOTHING").
		ToSql()
}

// Reservations lists the ports held on one server, or on all servers when
// serverID is empty.
func (b Builder) Reservations(serverID string) (string, []any, error) {
	q := b.sb.Select("server_id", "port", "deployment_id", "slot").
		From("port_reservations").
		OrderBy("server_id", "port")
	if serverID != "" {
		q = q.Where(sq.Eq{"server_id": serverID})
	}
	return q.ToSql()
}

// ScanReservation scans one row produced by [Builder.Reservations].
func ScanReservation(row Row) (domain.PortReservation, error) {
	var (
		r    domain.PortReservation
		slot string
	)
	if err := row.Scan(&r.ServerID, &r.Port, &r.DeploymentID, &slot); err != nil {
		return domain.PortReservation{}, err
	}
	r.Slot = domain.Slot(slot)
	return r, nil
}

// InsertOption attaches one attribute row to a deployment.
func (b Builder) InsertOption(id int64, opt domain.Option) (string, []any, error) {
	return b.sb.Insert("deployment_options").
		Columns("deployment_id", "option_name", "option_lang", "option_value").
		Values(id, opt.Name, Nullable(opt.Lang), opt.Value).
		ToSql()
}

// Options lists the attributes of a deployment in insertion order per name.
func (b Builder) Options(id int64) (string, []any, error) {
	return b.sb.Select("row_id", "option_name", "option_lang", "option_value").
		From("deployment_options").
		Where(sq.Eq{"deployment_id": id}).
		OrderBy("option_name", "row_id").
		ToSql()
}

// ScanOption scans one row produced by [Builder.Options].
func ScanOption(row Row) (domain.Option, error) {
	var (
		opt  domain.Option
		lang sql.NullString
	)
	if err := row.Scan(&opt.Row, &opt.Name, &lang, &opt.Value); err != nil {
		return domain.Option{}, err
	}
	opt.Lang = lang.String
	return opt, nil
}

// DeleteOptions removes the attributes named name, or all of them when name
// is empty.
func (b Builder) DeleteOptions(id int64, name string) (string, []any, error) {
	where := sq.Eq{"deployment_id": id}
	if name != "" {
		where["option_name"] = name
	}
	return b.sb.Delete("deployment_options").Where(where).ToSql()
}

// DeleteReservations releases every port held by a deployment.
func (b Builder) DeleteReservations(id int64) (string, []any, error) {
	return b.sb.Delete("port_reservations").Where(sq.Eq{"deployment_id": id}).ToSql()
}

// DeleteDeployment removes the deployment row.
func (b Builder) DeleteDeployment(id int64) (string, []any, error) {
	return b.sb.Delete("deployments").Where(sq.Eq{"id": id}).ToSql()
}

// Nullable maps blank strings to SQL NULL.
func Nullable(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
