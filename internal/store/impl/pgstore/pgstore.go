package pgstore

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"nuha.dev/safezone/internal/common"
	"nuha.dev/safezone/internal/geofence"
	"nuha.dev/safezone/internal/store"
)

type Store struct {
	*History
	db  *pgxpool.Pool
	log log.Logger
}

func NewStore(db *pgxpool.Pool, history *History) *Store {
	s := &Store{History: history, db: db}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "pgstore").Value()
	return s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func (s *Store) CreateUser(ctx context.Context, u *store.User) (uint64, error) {
	var id uint64
	err := s.db.QueryRow(ctx,
		`INSERT INTO users (email,password_hash,full_name,role,active) VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		strings.ToLower(u.Email), u.PasswordHash, u.FullName, string(u.Role), u.Active).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, store.ErrDuplicate
		}
		return 0, err
	}
	return id, nil
}

const userCols = `id,email,password_hash,full_name,role,active,created_at`

func scanUser(row pgx.Row) (*store.User, error) {
	u := &store.User{}
	var role string
	err := row.Scan(&u.Id, &u.Email, &u.PasswordHash, &u.FullName, &role, &u.Active, &u.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	u.Role = common.Role(role)
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id uint64) (*store.User, error) {
	return scanUser(s.db.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id))
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*store.User, error) {
	return scanUser(s.db.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE lower(email) = lower($1)`, email))
}

func (s *Store) ListUsers(ctx context.Context) ([]*store.User, error) {
	rows, err := s.db.Query(ctx, `SELECT `+userCols+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	users := make([]*store.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) SetUserActive(ctx context.Context, id uint64, active bool) error {
	ct, err := s.db.Exec(ctx, `UPDATE users SET active = $1 WHERE id = $2`, active, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateEntity(ctx context.Context, e *store.Entity) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO entities (user_id,role,name,zone_id,latitude,longitude,status,updated_at) VALUES ($1,$2,$3,$4,$5,$6,$7,now())`,
		e.UserId, string(e.Role), e.Name, e.ZoneId, e.Latitude, e.Longitude, string(e.Status))
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	}
	return nil
}

const entityCols = `user_id,role,name,zone_id,latitude,longitude,status,updated_at`

func scanEntity(row pgx.Row) (*store.Entity, error) {
	e := &store.Entity{}
	var role, status string
	err := row.Scan(&e.UserId, &role, &e.Name, &e.ZoneId, &e.Latitude, &e.Longitude, &status, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Role = common.Role(role)
	e.Status = geofence.Status(status)
	return e, nil
}

func (s *Store) GetEntity(ctx context.Context, id uint64) (*store.Entity, error) {
	e, err := scanEntity(s.db.QueryRow(ctx, `SELECT `+entityCols+` FROM entities WHERE user_id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return e, err
}

// the old row is locked so the returned status is the one this write replaced
const updatePositionSql = `WITH old AS (SELECT user_id, status FROM entities WHERE user_id = $1 FOR UPDATE)
UPDATE entities e SET latitude = $2, longitude = $3, status = $4, updated_at = now()
FROM old WHERE e.user_id = old.user_id RETURNING old.status`

func (s *Store) UpdatePosition(ctx context.Context, id uint64, lat, lon float64, status geofence.Status) (geofence.Status, error) {
	var prev string
	err := s.db.QueryRow(ctx, updatePositionSql, id, lat, lon, string(status)).Scan(&prev)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", store.ErrNotFound
		}
		return "", err
	}
	return geofence.Status(prev), nil
}

const setZoneSql = `WITH old AS (SELECT user_id, status FROM entities WHERE user_id = $1 FOR UPDATE)
UPDATE entities e SET zone_id = $2, latitude = $3, longitude = $4, status = $5, updated_at = now()
FROM old WHERE e.user_id = old.user_id RETURNING old.status`

func (s *Store) SetZone(ctx context.Context, id uint64, zoneId int, lat, lon float64, status geofence.Status) (geofence.Status, error) {
	var prev string
	err := s.db.QueryRow(ctx, setZoneSql, id, zoneId, lat, lon, string(status)).Scan(&prev)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", store.ErrNotFound
		}
		return "", err
	}
	return geofence.Status(prev), nil
}

func (s *Store) ListEntities(ctx context.Context, role common.Role) ([]*store.Entity, error) {
	rows, err := s.db.Query(ctx, `SELECT `+entityCols+` FROM entities WHERE ($1 = '' OR role = $1) ORDER BY user_id`, string(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := make([]*store.Entity, 0)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

func (s *Store) CreateIncident(ctx context.Context, in *store.Incident) (uint64, error) {
	var id uint64
	err := s.db.QueryRow(ctx,
		`INSERT INTO incidents (entity_id,kind,severity,state,latitude,longitude) VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		in.EntityId, in.Kind, in.Severity, store.IncidentOpen, in.Latitude, in.Longitude).Scan(&id)
	return id, err
}

const incidentCols = `id,entity_id,kind,severity,state,latitude,longitude,created_at,acknowledged_by,acknowledged_at,resolved_at`

func scanIncident(row pgx.Row) (*store.Incident, error) {
	in := &store.Incident{}
	err := row.Scan(&in.Id, &in.EntityId, &in.Kind, &in.Severity, &in.State, &in.Latitude, &in.Longitude,
		&in.CreatedAt, &in.AcknowledgedBy, &in.AcknowledgedAt, &in.ResolvedAt)
	return in, err
}

func (s *Store) GetIncident(ctx context.Context, id uint64) (*store.Incident, error) {
	in, err := scanIncident(s.db.QueryRow(ctx, `SELECT `+incidentCols+` FROM incidents WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return in, nil
}

func (s *Store) ListIncidents(ctx context.Context, state string, limit int) ([]*store.Incident, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+incidentCols+` FROM incidents WHERE ($1 = '' OR state = $1) ORDER BY id DESC LIMIT $2`, state, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := make([]*store.Incident, 0)
	for rows.Next() {
		in, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, in)
	}
	return list, rows.Err()
}

// transition runs a guarded update. No row back means either the incident is
// missing or its state forbids the move.
func (s *Store) transition(ctx context.Context, id uint64, sql string, args ...interface{}) (*store.Incident, error) {
	in, err := scanIncident(s.db.QueryRow(ctx, sql, args...))
	if err == nil {
		return in, nil
	}
	if err != pgx.ErrNoRows {
		return nil, err
	}
	if _, err := s.GetIncident(ctx, id); err != nil {
		return nil, err
	}
	return nil, store.ErrInvalidState
}

func (s *Store) AcknowledgeIncident(ctx context.Context, id uint64, by string) (*store.Incident, error) {
	return s.transition(ctx, id,
		`UPDATE incidents SET state = $2, acknowledged_by = $3, acknowledged_at = now()
		WHERE id = $1 AND state = $4 RETURNING `+incidentCols,
		id, store.IncidentAcknowledged, by, store.IncidentOpen)
}

func (s *Store) ResolveIncident(ctx context.Context, id uint64) (*store.Incident, error) {
	return s.transition(ctx, id,
		`UPDATE incidents SET state = $2, resolved_at = now()
		WHERE id = $1 AND state IN ($3,$4) RETURNING `+incidentCols,
		id, store.IncidentResolved, store.IncidentOpen, store.IncidentAcknowledged)
}
