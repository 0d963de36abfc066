package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Nothing4You/lemmy/domain"
	"github.com/google/uuid"
)

// Posts queries
const (
	sqlInsertPost = `INSERT INTO posts(id, ap_id, community_id, creator_id, name, body, url, removed, deleted, local, created_at)
                        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdatePostContent = `UPDATE posts SET name = ?, body = ?, url = ?, updated_at = ? WHERE id = ?`
	sqlUpdatePostRemoved = `UPDATE posts SET removed = ? WHERE id = ?`
	sqlUpdatePostDeleted = `UPDATE posts SET deleted = ? WHERE id = ?`

	sqlSelectPostCols         = `id, ap_id, community_id, creator_id, name, body, url, removed, deleted, local, created_at, updated_at`
	sqlSelectPostByApId       = `SELECT ` + sqlSelectPostCols + ` FROM posts WHERE ap_id = ?`
	sqlSelectPostById         = `SELECT ` + sqlSelectPostCols + ` FROM posts WHERE id = ?`
	sqlSelectPostsByCommunity = `SELECT ` + sqlSelectPostCols + ` FROM posts WHERE community_id = ? AND removed = 0 AND deleted = 0 ORDER BY created_at DESC LIMIT ?`
)

// CreatePost inserts a post row. A zero Id is replaced with a fresh uuid.
func (db *DB) CreatePost(ctx context.Context, p *domain.Post) error {
	if p.Id == uuid.Nil {
		p.Id = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertPost,
			p.Id.String(),
			p.ApId,
			p.CommunityId.String(),
			p.CreatorId.String(),
			p.Name,
			p.Body,
			p.Url,
			p.Removed,
			p.Deleted,
			p.Local,
			p.CreatedAt,
		)
		return err
	})
}

// UpdatePostContent replaces the editable fields of a post and stamps
// updated_at.
func (db *DB) UpdatePostContent(ctx context.Context, p *domain.Post) error {
	now := time.Now()
	p.UpdatedAt = &now
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdatePostContent, p.Name, p.Body, p.Url, now, p.Id.String())
		return err
	})
}

func (db *DB) SetPostRemoved(ctx context.Context, id uuid.UUID, removed bool) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdatePostRemoved, removed, id.String())
		return err
	})
}

func (db *DB) SetPostDeleted(ctx context.Context, id uuid.UUID, deleted bool) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdatePostDeleted, deleted, id.String())
		return err
	})
}

func (db *DB) PostByApId(ctx context.Context, apId string) (*domain.Post, error) {
	row := db.db.QueryRowContext(ctx, sqlSelectPostByApId, apId)
	return scanPostRow(row)
}

func (db *DB) PostById(ctx context.Context, id uuid.UUID) (*domain.Post, error) {
	row := db.db.QueryRowContext(ctx, sqlSelectPostById, id.String())
	return scanPostRow(row)
}

// RecentPostsByCommunity returns the newest visible posts of a community,
// used by the community feeds.
func (db *DB) RecentPostsByCommunity(ctx context.Context, communityId uuid.UUID, limit int) ([]domain.Post, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectPostsByCommunity, communityId.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		var p domain.Post
		var updated sql.NullTime
		if err := rows.Scan(&p.Id, &p.ApId, &p.CommunityId, &p.CreatorId, &p.Name, &p.Body, &p.Url, &p.Removed, &p.Deleted, &p.Local, &p.CreatedAt, &updated); err != nil {
			return posts, err
		}
		if updated.Valid {
			t := updated.Time
			p.UpdatedAt = &t
		}
		posts = append(posts, p)
	}
	if err = rows.Err(); err != nil {
		return posts, err
	}
	return posts, nil
}

func scanPostRow(row *sql.Row) (*domain.Post, error) {
	var p domain.Post
	var updated sql.NullTime
	err := row.Scan(
		&p.Id,
		&p.ApId,
		&p.CommunityId,
		&p.CreatorId,
		&p.Name,
		&p.Body,
		&p.Url,
		&p.Removed,
		&p.Deleted,
		&p.Local,
		&p.CreatedAt,
		&updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if updated.Valid {
		t := updated.Time
		p.UpdatedAt = &t
	}
	return &p, nil
}

// Comments queries
const (
	sqlInsertComment = `INSERT INTO comments(id, ap_id, post_id, creator_id, content, removed, deleted, local, created_at)
                        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateCommentContent = `UPDATE comments SET content = ?, updated_at = ? WHERE id = ?`
	sqlUpdateCommentRemoved = `UPDATE comments SET removed = ? WHERE id = ?`
	sqlUpdateCommentDeleted = `UPDATE comments SET deleted = ? WHERE id = ?`

	sqlSelectCommentCols   = `id, ap_id, post_id, creator_id, content, removed, deleted, local, created_at, updated_at`
	sqlSelectCommentByApId = `SELECT ` + sqlSelectCommentCols + ` FROM comments WHERE ap_id = ?`
	sqlSelectCommentById   = `SELECT ` + sqlSelectCommentCols + ` FROM comments WHERE id = ?`
)

// CreateComment inserts a comment row. A zero Id is replaced with a fresh
// uuid.
func (db *DB) CreateComment(ctx context.Context, c *domain.Comment) error {
	if c.Id == uuid.Nil {
		c.Id = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertComment,
			c.Id.String(),
			c.ApId,
			c.PostId.String(),
			c.CreatorId.String(),
			c.Content,
			c.Removed,
			c.Deleted,
			c.Local,
			c.CreatedAt,
		)
		return err
	})
}

// UpdateCommentContent replaces the body of a comment and stamps updated_at.
func (db *DB) UpdateCommentContent(ctx context.Context, c *domain.Comment) error {
	now := time.Now()
	c.UpdatedAt = &now
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateCommentContent, c.Content, now, c.Id.String())
		return err
	})
}

func (db *DB) SetCommentRemoved(ctx context.Context, id uuid.UUID, removed bool) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateCommentRemoved, removed, id.String())
		return err
	})
}

func (db *DB) SetCommentDeleted(ctx context.Context, id uuid.UUID, deleted bool) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateCommentDeleted, deleted, id.String())
		return err
	})
}

func (db *DB) CommentByApId(ctx context.Context, apId string) (*domain.Comment, error) {
	row := db.db.QueryRowContext(ctx, sqlSelectCommentByApId, apId)
	return scanCommentRow(row)
}

func (db *DB) CommentById(ctx context.Context, id uuid.UUID) (*domain.Comment, error) {
	row := db.db.QueryRowContext(ctx, sqlSelectCommentById, id.String())
	return scanCommentRow(row)
}

func scanCommentRow(row *sql.Row) (*domain.Comment, error) {
	var c domain.Comment
	var updated sql.NullTime
	err := row.Scan(
		&c.Id,
		&c.ApId,
		&c.PostId,
		&c.CreatorId,
		&c.Content,
		&c.Removed,
		&c.Deleted,
		&c.Local,
		&c.CreatedAt,
		&updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if updated.Valid {
		t := updated.Time
		c.UpdatedAt = &t
	}
	return &c, nil
}

// Votes queries. One row per (person, object kind, object), so applying a
// vote twice leaves a single row and undoing an absent vote deletes nothing.
const (
	sqlUpsertVote = `INSERT INTO votes(id, person_id, object_kind, object_id, score, created_at) VALUES (?, ?, ?, ?, ?, ?)
                        ON CONFLICT(person_id, object_kind, object_id) DO UPDATE SET score = excluded.score`
	sqlDeleteVote        = `DELETE FROM votes WHERE person_id = ? AND object_kind = ? AND object_id = ?`
	sqlSelectVote        = `SELECT person_id, object_kind, object_id, score, created_at FROM votes WHERE person_id = ? AND object_kind = ? AND object_id = ?`
	sqlSelectObjectScore = `SELECT coalesce(sum(score), 0) FROM votes WHERE object_kind = ? AND object_id = ?`
)

// UpsertVote applies a vote, replacing any previous vote by the same person
// on the same object.
func (db *DB) UpsertVote(ctx context.Context, v *domain.Vote) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertVote,
			uuid.New().String(),
			v.PersonId.String(),
			string(v.ObjectKind),
			v.ObjectId.String(),
			v.Score,
			v.CreatedAt,
		)
		return err
	})
}

// DeleteVote removes a person's vote on an object. Deleting a vote that does
// not exist is not an error.
func (db *DB) DeleteVote(ctx context.Context, personId uuid.UUID, kind domain.ObjectKind, objectId uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteVote, personId.String(), string(kind), objectId.String())
		return err
	})
}

func (db *DB) VoteByPersonAndObject(ctx context.Context, personId uuid.UUID, kind domain.ObjectKind, objectId uuid.UUID) (*domain.Vote, error) {
	row := db.db.QueryRowContext(ctx, sqlSelectVote, personId.String(), string(kind), objectId.String())
	var v domain.Vote
	err := row.Scan(&v.PersonId, &v.ObjectKind, &v.ObjectId, &v.Score, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ObjectScore sums the votes on an object.
func (db *DB) ObjectScore(ctx context.Context, kind domain.ObjectKind, objectId uuid.UUID) (int64, error) {
	var score int64
	if err := db.db.QueryRowContext(ctx, sqlSelectObjectScore, string(kind), objectId.String()).Scan(&score); err != nil {
		return 0, err
	}
	return score, nil
}
