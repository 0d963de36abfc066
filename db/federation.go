package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Nothing4You/lemmy/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// Received activities ledger
const (
	sqlInsertReceivedActivity = `INSERT INTO received_activities(ap_id, received_at) VALUES (?, ?)`
	sqlPruneReceivedActivity  = `DELETE FROM received_activities WHERE received_at < ?`
)

// InsertReceivedActivity records an inbound activity id. It returns true when
// the id was new and false when a row for it already existed, which is how
// duplicate deliveries are detected. The primary key on ap_id makes the
// check and the insert a single atomic statement.
func (db *DB) InsertReceivedActivity(ctx context.Context, apId string) (bool, error) {
	_, err := db.db.ExecContext(ctx, sqlInsertReceivedActivity, apId, time.Now())
	if err != nil {
		var serr *sqlite.Error
		if errors.As(err, &serr) {
			switch serr.Code() {
			case sqlitelib.SQLITE_CONSTRAINT, sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlitelib.SQLITE_CONSTRAINT_UNIQUE:
				return false, nil
			}
		}
		return false, err
	}
	return true, nil
}

// PruneReceivedActivities drops ledger entries received before the cutoff and
// returns how many were removed.
func (db *DB) PruneReceivedActivities(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.db.ExecContext(ctx, sqlPruneReceivedActivity, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		db.log.Info("pruned received activities", zap.Int64("count", n))
	}
	return n, nil
}

// Local site settings, a single row keyed by id = 1
const (
	sqlUpsertLocalSite = `INSERT INTO local_site(id, private_instance, post_upvotes, post_downvotes, comment_upvotes, comment_downvotes) VALUES (1, ?, ?, ?, ?, ?)
                        ON CONFLICT(id) DO UPDATE SET private_instance = excluded.private_instance,
                        post_upvotes = excluded.post_upvotes, post_downvotes = excluded.post_downvotes,
                        comment_upvotes = excluded.comment_upvotes, comment_downvotes = excluded.comment_downvotes`
	sqlSelectLocalSite = `SELECT private_instance, post_upvotes, post_downvotes, comment_upvotes, comment_downvotes FROM local_site WHERE id = 1`
)

// ReadLocalSite returns the instance settings row. When no row has been
// written yet the documented defaults apply, so a missing row is not an
// error.
func (db *DB) ReadLocalSite(ctx context.Context) (domain.LocalSite, error) {
	row := db.db.QueryRowContext(ctx, sqlSelectLocalSite)
	var s domain.LocalSite
	err := row.Scan(&s.PrivateInstance, &s.PostUpvotes, &s.PostDownvotes, &s.CommentUpvotes, &s.CommentDownvotes)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultLocalSite(), nil
	}
	if err != nil {
		return domain.LocalSite{}, err
	}
	return s, nil
}

// SaveLocalSite writes the instance settings row, creating it on first use.
func (db *DB) SaveLocalSite(ctx context.Context, s domain.LocalSite) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertLocalSite,
			s.PrivateInstance,
			string(s.PostUpvotes),
			string(s.PostDownvotes),
			string(s.CommentUpvotes),
			string(s.CommentDownvotes),
		)
		return err
	})
}

// Modlog queries
const (
	sqlInsertAdminPurgeCommunity = `INSERT INTO admin_purge_community(id, admin_person_id, reason, created_at) VALUES (?, ?, ?, ?)`
	sqlSelectAdminPurges         = `SELECT id, admin_person_id, reason, created_at FROM admin_purge_community ORDER BY created_at DESC LIMIT ?`

	sqlInsertModRemovePost = `INSERT INTO mod_remove_post(id, mod_person_id, post_id, reason, removed, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectModRemovePost = `SELECT id, mod_person_id, post_id, reason, removed, created_at FROM mod_remove_post WHERE post_id = ? ORDER BY created_at DESC`

	sqlInsertModRemoveComment = `INSERT INTO mod_remove_comment(id, mod_person_id, comment_id, reason, removed, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectModRemoveComment = `SELECT id, mod_person_id, comment_id, reason, removed, created_at FROM mod_remove_comment WHERE comment_id = ? ORDER BY created_at DESC`

	sqlInsertModRemoveCommunity = `INSERT INTO mod_remove_community(id, mod_person_id, community_id, reason, removed, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectModRemoveCommunity = `SELECT id, mod_person_id, community_id, reason, removed, created_at FROM mod_remove_community WHERE community_id = ? ORDER BY created_at DESC`
)

// CreateAdminPurgeCommunity writes the modlog entry left behind after a
// community purge. The community id is gone at that point, only the admin and
// the reason survive.
func (db *DB) CreateAdminPurgeCommunity(ctx context.Context, entry *domain.AdminPurgeCommunity) error {
	if entry.Id == uuid.Nil {
		entry.Id = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAdminPurgeCommunity, entry.Id.String(), entry.AdminPersonId.String(), entry.Reason, entry.CreatedAt)
		return err
	})
}

func (db *DB) AdminPurges(ctx context.Context, limit int) ([]domain.AdminPurgeCommunity, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectAdminPurges, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AdminPurgeCommunity
	for rows.Next() {
		var e domain.AdminPurgeCommunity
		if err := rows.Scan(&e.Id, &e.AdminPersonId, &e.Reason, &e.CreatedAt); err != nil {
			return entries, err
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return entries, err
	}
	return entries, nil
}

func (db *DB) CreateModRemovePost(ctx context.Context, entry *domain.ModRemovePost) error {
	if entry.Id == uuid.Nil {
		entry.Id = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertModRemovePost, entry.Id.String(), entry.ModPersonId.String(), entry.PostId.String(), entry.Reason, entry.Removed, entry.CreatedAt)
		return err
	})
}

func (db *DB) ModRemovePostEntries(ctx context.Context, postId uuid.UUID) ([]domain.ModRemovePost, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectModRemovePost, postId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.ModRemovePost
	for rows.Next() {
		var e domain.ModRemovePost
		if err := rows.Scan(&e.Id, &e.ModPersonId, &e.PostId, &e.Reason, &e.Removed, &e.CreatedAt); err != nil {
			return entries, err
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return entries, err
	}
	return entries, nil
}

func (db *DB) CreateModRemoveComment(ctx context.Context, entry *domain.ModRemoveComment) error {
	if entry.Id == uuid.Nil {
		entry.Id = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertModRemoveComment, entry.Id.String(), entry.ModPersonId.String(), entry.CommentId.String(), entry.Reason, entry.Removed, entry.CreatedAt)
		return err
	})
}

func (db *DB) ModRemoveCommentEntries(ctx context.Context, commentId uuid.UUID) ([]domain.ModRemoveComment, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectModRemoveComment, commentId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.ModRemoveComment
	for rows.Next() {
		var e domain.ModRemoveComment
		if err := rows.Scan(&e.Id, &e.ModPersonId, &e.CommentId, &e.Reason, &e.Removed, &e.CreatedAt); err != nil {
			return entries, err
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return entries, err
	}
	return entries, nil
}

func (db *DB) CreateModRemoveCommunity(ctx context.Context, entry *domain.ModRemoveCommunity) error {
	if entry.Id == uuid.Nil {
		entry.Id = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertModRemoveCommunity, entry.Id.String(), entry.ModPersonId.String(), entry.CommunityId.String(), entry.Reason, entry.Removed, entry.CreatedAt)
		return err
	})
}

func (db *DB) ModRemoveCommunityEntries(ctx context.Context, communityId uuid.UUID) ([]domain.ModRemoveCommunity, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectModRemoveCommunity, communityId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.ModRemoveCommunity
	for rows.Next() {
		var e domain.ModRemoveCommunity
		if err := rows.Scan(&e.Id, &e.ModPersonId, &e.CommunityId, &e.Reason, &e.Removed, &e.CreatedAt); err != nil {
			return entries, err
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return entries, err
	}
	return entries, nil
}
