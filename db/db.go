package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Nothing4You/lemmy/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct.
type DB struct {
	db  *sql.DB
	log *zap.Logger
}

const (
	//Persons
	sqlInsertPerson = `INSERT INTO persons(id, username, domain, actor_uri, inbox_uri, public_key_pem, private_key_pem, local, bot_account, banned, last_fetched_at, created_at)
                        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdatePersonByURI = `UPDATE persons SET inbox_uri = ?, public_key_pem = ?, bot_account = ?, banned = ?, last_fetched_at = ? WHERE actor_uri = ?`
	sqlUpdatePersonBan   = `UPDATE persons SET banned = ? WHERE id = ?`

	sqlSelectPersonColumns = `id, username, domain, actor_uri, inbox_uri, public_key_pem, private_key_pem, local, bot_account, banned, last_fetched_at, created_at`
	sqlSelectPersonByURI   = `SELECT ` + sqlSelectPersonColumns + ` FROM persons WHERE actor_uri = ?`
	sqlSelectPersonById    = `SELECT ` + sqlSelectPersonColumns + ` FROM persons WHERE id = ?`
	sqlSelectLocalPerson   = `SELECT ` + sqlSelectPersonColumns + ` FROM persons WHERE username = ? AND local = 1`
	sqlSelectPersonByName  = `SELECT ` + sqlSelectPersonColumns + ` FROM persons WHERE username = ? AND domain = ?`
)

// Open opens the sqlite database at path and configures the connection pool.
// It does not create the schema, call Migrate for that.
func Open(path string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	// Configure connection pool for concurrent access
	sqldb.SetMaxOpenConns(25)
	sqldb.SetMaxIdleConns(5)
	sqldb.SetConnMaxLifetime(time.Hour)

	// Try to enable WAL2 mode, fall back to WAL if not supported
	var journalMode string
	err = sqldb.QueryRow("PRAGMA journal_mode=WAL2").Scan(&journalMode)
	if err != nil || journalMode == "delete" {
		// WAL2 not supported, try regular WAL
		err = sqldb.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode)
		if err != nil {
			logger.Warn("failed to enable WAL mode", zap.Error(err))
		} else {
			logger.Info("database journal mode", zap.String("mode", journalMode), zap.Bool("wal2", false))
		}
	} else {
		logger.Info("database journal mode", zap.String("mode", journalMode))
	}

	// PRAGMAs for a concurrent federation workload, set as connection defaults
	sqldb.Exec("PRAGMA synchronous = NORMAL")
	sqldb.Exec("PRAGMA cache_size = -64000")
	sqldb.Exec("PRAGMA temp_store = MEMORY")
	sqldb.Exec("PRAGMA busy_timeout = 5000")
	sqldb.Exec("PRAGMA foreign_keys = ON")
	sqldb.Exec("PRAGMA auto_vacuum = INCREMENTAL")

	return &DB{db: sqldb, log: logger}, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.db.Close()
}

// wrapTransaction runs the given function within a transaction, restarting it
// while sqlite reports SQLITE_BUSY and the context still has time left.
func (db *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()
	for {
		tx, err := db.db.BeginTx(ctx, nil)
		if err != nil {
			db.log.Error("error starting transaction", zap.Error(err))
			return err
		}
		err = f(tx)
		if err == nil {
			err = tx.Commit()
		}
		if err != nil {
			tx.Rollback()
			var serr *sqlite.Error
			if errors.As(err, &serr) && serr.Code() == sqlitelib.SQLITE_BUSY && ctx.Err() == nil {
				continue
			}
			db.log.Error("error in transaction", zap.Error(err))
			return err
		}
		return nil
	}
}

// CreatePerson inserts a person row. A zero Id is replaced with a fresh uuid.
func (db *DB) CreatePerson(ctx context.Context, p *domain.Person) error {
	if p.Id == uuid.Nil {
		p.Id = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertPerson,
			p.Id.String(),
			p.Username,
			p.Domain,
			p.ActorURI,
			p.InboxURI,
			p.PublicKeyPem,
			p.PrivateKeyPem,
			p.Local,
			p.BotAccount,
			p.Banned,
			p.LastFetchedAt,
			p.CreatedAt,
		)
		return err
	})
}

// RefreshPerson updates the mutable fields of a cached remote person.
func (db *DB) RefreshPerson(ctx context.Context, p *domain.Person) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdatePersonByURI,
			p.InboxURI,
			p.PublicKeyPem,
			p.BotAccount,
			p.Banned,
			p.LastFetchedAt,
			p.ActorURI,
		)
		return err
	})
}

func (db *DB) SetPersonBanned(ctx context.Context, id uuid.UUID, banned bool) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdatePersonBan, banned, id.String())
		return err
	})
}

func (db *DB) PersonByActorURI(ctx context.Context, uri string) (*domain.Person, error) {
	row := db.db.QueryRowContext(ctx, sqlSelectPersonByURI, uri)
	return scanPersonRow(row)
}

func (db *DB) PersonById(ctx context.Context, id uuid.UUID) (*domain.Person, error) {
	row := db.db.QueryRowContext(ctx, sqlSelectPersonById, id.String())
	return scanPersonRow(row)
}

// LocalPersonByName looks up a local person by username.
func (db *DB) LocalPersonByName(ctx context.Context, username string) (*domain.Person, error) {
	row := db.db.QueryRowContext(ctx, sqlSelectLocalPerson, username)
	return scanPersonRow(row)
}

// PersonByUsernameAndDomain looks a person up by handle parts, matching
// remote persons this instance has already cached.
func (db *DB) PersonByUsernameAndDomain(ctx context.Context, username, domainName string) (*domain.Person, error) {
	row := db.db.QueryRowContext(ctx, sqlSelectPersonByName, username, domainName)
	return scanPersonRow(row)
}

func scanPersonRow(row *sql.Row) (*domain.Person, error) {
	var p domain.Person
	var lastFetched sql.NullTime
	err := row.Scan(
		&p.Id,
		&p.Username,
		&p.Domain,
		&p.ActorURI,
		&p.InboxURI,
		&p.PublicKeyPem,
		&p.PrivateKeyPem,
		&p.Local,
		&p.BotAccount,
		&p.Banned,
		&lastFetched,
		&p.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastFetched.Valid {
		p.LastFetchedAt = lastFetched.Time
	}
	return &p, nil
}

// Local users hold the login state of local persons
const (
	sqlInsertLocalUser            = `INSERT INTO local_users(id, person_id, admin, token_hash, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlSelectLocalUserByTokenHash = `SELECT id, person_id, admin, token_hash, created_at FROM local_users WHERE token_hash = ?`
	sqlCountLocalUsers            = `SELECT count(*) FROM local_users`
)

func (db *DB) CreateLocalUser(ctx context.Context, u *domain.LocalUser) error {
	if u.Id == uuid.Nil {
		u.Id = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertLocalUser, u.Id.String(), u.PersonId.String(), u.Admin, u.TokenHash, u.CreatedAt)
		return err
	})
}

// LocalUserByTokenHash resolves an API token hash to the local user owning it.
func (db *DB) LocalUserByTokenHash(ctx context.Context, tokenHash string) (*domain.LocalUser, error) {
	row := db.db.QueryRowContext(ctx, sqlSelectLocalUserByTokenHash, tokenHash)
	return scanLocalUserRow(row)
}

// HasLocalUsers reports whether any local user exists, used for the first-run
// admin bootstrap.
func (db *DB) HasLocalUsers(ctx context.Context) (bool, error) {
	var n int
	if err := db.db.QueryRowContext(ctx, sqlCountLocalUsers).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanLocalUserRow(row *sql.Row) (*domain.LocalUser, error) {
	var u domain.LocalUser
	err := row.Scan(&u.Id, &u.PersonId, &u.Admin, &u.TokenHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
