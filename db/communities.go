package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Nothing4You/lemmy/domain"
	"github.com/google/uuid"
)

// Communities queries
const (
	sqlInsertCommunity = `INSERT INTO communities(id, name, title, domain, actor_uri, inbox_uri, public_key_pem, private_key_pem, local, removed, deleted, last_fetched_at, created_at)
                        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateCommunityByURI    = `UPDATE communities SET title = ?, inbox_uri = ?, public_key_pem = ?, last_fetched_at = ? WHERE actor_uri = ?`
	sqlUpdateCommunityState    = `UPDATE communities SET removed = ?, deleted = ? WHERE id = ?`
	sqlSelectCommunityCols     = `id, name, title, domain, actor_uri, inbox_uri, public_key_pem, private_key_pem, local, removed, deleted, last_fetched_at, created_at`
	sqlSelectCommunityByURI    = `SELECT ` + sqlSelectCommunityCols + ` FROM communities WHERE actor_uri = ?`
	sqlSelectCommunityById     = `SELECT ` + sqlSelectCommunityCols + ` FROM communities WHERE id = ?`
	sqlSelectLocalCommunity    = `SELECT ` + sqlSelectCommunityCols + ` FROM communities WHERE name = ? AND local = 1`
	sqlSelectCommunityByName   = `SELECT ` + sqlSelectCommunityCols + ` FROM communities WHERE name = ? AND domain = ?`
	sqlSelectLocalCommunityAll = `SELECT ` + sqlSelectCommunityCols + ` FROM communities WHERE local = 1 ORDER BY created_at ASC`
)

// CreateCommunity inserts a community row. A zero Id is replaced with a fresh
// uuid.
func (db *DB) CreateCommunity(ctx context.Context, c *domain.Community) error {
	if c.Id == uuid.Nil {
		c.Id = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertCommunity,
			c.Id.String(),
			c.Name,
			c.Title,
			c.Domain,
			c.ActorURI,
			c.InboxURI,
			c.PublicKeyPem,
			c.PrivateKeyPem,
			c.Local,
			c.Removed,
			c.Deleted,
			c.LastFetchedAt,
			c.CreatedAt,
		)
		return err
	})
}

// RefreshCommunity updates the mutable fields of a cached remote community.
func (db *DB) RefreshCommunity(ctx context.Context, c *domain.Community) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateCommunityByURI,
			c.Title,
			c.InboxURI,
			c.PublicKeyPem,
			c.LastFetchedAt,
			c.ActorURI,
		)
		return err
	})
}

// SetCommunityState flips the moderation state flags of a community.
func (db *DB) SetCommunityState(ctx context.Context, id uuid.UUID, removed, deleted bool) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateCommunityState, removed, deleted, id.String())
		return err
	})
}

func (db *DB) CommunityByActorURI(ctx context.Context, uri string) (*domain.Community, error) {
	row := db.db.QueryRowContext(ctx, sqlSelectCommunityByURI, uri)
	return scanCommunityRow(row)
}

func (db *DB) CommunityById(ctx context.Context, id uuid.UUID) (*domain.Community, error) {
	row := db.db.QueryRowContext(ctx, sqlSelectCommunityById, id.String())
	return scanCommunityRow(row)
}

// LocalCommunityByName looks up a local community by name.
func (db *DB) LocalCommunityByName(ctx context.Context, name string) (*domain.Community, error) {
	row := db.db.QueryRowContext(ctx, sqlSelectLocalCommunity, name)
	return scanCommunityRow(row)
}

// CommunityByNameAndDomain looks a community up by handle parts, matching
// remote communities this instance has already cached.
func (db *DB) CommunityByNameAndDomain(ctx context.Context, name, domainName string) (*domain.Community, error) {
	row := db.db.QueryRowContext(ctx, sqlSelectCommunityByName, name, domainName)
	return scanCommunityRow(row)
}

func (db *DB) LocalCommunities(ctx context.Context) ([]domain.Community, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectLocalCommunityAll)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var communities []domain.Community
	for rows.Next() {
		var c domain.Community
		var lastFetched sql.NullTime
		if err := rows.Scan(&c.Id, &c.Name, &c.Title, &c.Domain, &c.ActorURI, &c.InboxURI, &c.PublicKeyPem, &c.PrivateKeyPem, &c.Local, &c.Removed, &c.Deleted, &lastFetched, &c.CreatedAt); err != nil {
			return communities, err
		}
		if lastFetched.Valid {
			c.LastFetchedAt = lastFetched.Time
		}
		communities = append(communities, c)
	}
	if err = rows.Err(); err != nil {
		return communities, err
	}
	return communities, nil
}

func scanCommunityRow(row *sql.Row) (*domain.Community, error) {
	var c domain.Community
	var lastFetched sql.NullTime
	err := row.Scan(
		&c.Id,
		&c.Name,
		&c.Title,
		&c.Domain,
		&c.ActorURI,
		&c.InboxURI,
		&c.PublicKeyPem,
		&c.PrivateKeyPem,
		&c.Local,
		&c.Removed,
		&c.Deleted,
		&lastFetched,
		&c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastFetched.Valid {
		c.LastFetchedAt = lastFetched.Time
	}
	return &c, nil
}

// Community follows
const (
	sqlInsertCommunityFollow = `INSERT INTO community_follows(id, community_id, person_id, created_at) VALUES (?, ?, ?, ?)
                        ON CONFLICT(community_id, person_id) DO NOTHING`
	sqlSelectFollowerInboxes = `SELECT DISTINCT persons.inbox_uri FROM community_follows
                        INNER JOIN persons ON persons.id = community_follows.person_id
                        WHERE community_follows.community_id = ? AND persons.local = 0`
)

func (db *DB) CreateCommunityFollow(ctx context.Context, communityId, personId uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertCommunityFollow, uuid.New().String(), communityId.String(), personId.String(), time.Now())
		return err
	})
}

// CommunityFollowerInboxes returns the distinct inboxes of remote followers of
// a community. These are the destinations announced activities go to.
func (db *DB) CommunityFollowerInboxes(ctx context.Context, communityId uuid.UUID) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowerInboxes, communityId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var inboxes []string
	for rows.Next() {
		var inbox string
		if err := rows.Scan(&inbox); err != nil {
			return inboxes, err
		}
		inboxes = append(inboxes, inbox)
	}
	if err = rows.Err(); err != nil {
		return inboxes, err
	}
	return inboxes, nil
}

// Community moderators
const (
	sqlInsertCommunityModerator = `INSERT INTO community_moderators(id, community_id, person_id, created_at) VALUES (?, ?, ?, ?)
                        ON CONFLICT(community_id, person_id) DO NOTHING`
	sqlCountCommunityModerator = `SELECT count(*) FROM community_moderators WHERE community_id = ? AND person_id = ?`
)

func (db *DB) CreateCommunityModerator(ctx context.Context, communityId, personId uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertCommunityModerator, uuid.New().String(), communityId.String(), personId.String(), time.Now())
		return err
	})
}

// IsCommunityModerator reports whether a person holds a moderator entry in the
// community.
func (db *DB) IsCommunityModerator(ctx context.Context, communityId, personId uuid.UUID) (bool, error) {
	var n int
	if err := db.db.QueryRowContext(ctx, sqlCountCommunityModerator, communityId.String(), personId.String()).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// Community bans
const (
	sqlInsertCommunityBan = `INSERT INTO community_bans(id, community_id, person_id, reason, created_at) VALUES (?, ?, ?, ?, ?)
                        ON CONFLICT(community_id, person_id) DO UPDATE SET reason = excluded.reason`
	sqlDeleteCommunityBan = `DELETE FROM community_bans WHERE community_id = ? AND person_id = ?`
	sqlCountCommunityBan  = `SELECT count(*) FROM community_bans WHERE community_id = ? AND person_id = ?`
)

func (db *DB) CreateCommunityBan(ctx context.Context, b *domain.CommunityBan) error {
	if b.Id == uuid.Nil {
		b.Id = uuid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertCommunityBan, b.Id.String(), b.CommunityId.String(), b.PersonId.String(), b.Reason, b.CreatedAt)
		return err
	})
}

func (db *DB) DeleteCommunityBan(ctx context.Context, communityId, personId uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteCommunityBan, communityId.String(), personId.String())
		return err
	})
}

// IsPersonBannedFromCommunity reports whether a ban row exists for the person
// in the community.
func (db *DB) IsPersonBannedFromCommunity(ctx context.Context, communityId, personId uuid.UUID) (bool, error) {
	var n int
	if err := db.db.QueryRowContext(ctx, sqlCountCommunityBan, communityId.String(), personId.String()).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// Community images
const (
	sqlInsertCommunityImage  = `INSERT INTO community_images(id, community_id, url, created_at) VALUES (?, ?, ?, ?)`
	sqlSelectCommunityImages = `SELECT id, community_id, url, created_at FROM community_images WHERE community_id = ? ORDER BY created_at ASC`
)

func (db *DB) CreateCommunityImage(ctx context.Context, img *domain.CommunityImage) error {
	if img.Id == uuid.Nil {
		img.Id = uuid.New()
	}
	if img.CreatedAt.IsZero() {
		img.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertCommunityImage, img.Id.String(), img.CommunityId.String(), img.Url, img.CreatedAt)
		return err
	})
}

func (db *DB) CommunityImages(ctx context.Context, communityId uuid.UUID) ([]domain.CommunityImage, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectCommunityImages, communityId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []domain.CommunityImage
	for rows.Next() {
		var img domain.CommunityImage
		if err := rows.Scan(&img.Id, &img.CommunityId, &img.Url, &img.CreatedAt); err != nil {
			return images, err
		}
		images = append(images, img)
	}
	if err = rows.Err(); err != nil {
		return images, err
	}
	return images, nil
}

// Purge statements remove a community and everything hanging off it
const (
	sqlDeleteCommunityVotes = `DELETE FROM votes WHERE (object_kind = 'post' AND object_id IN (SELECT id FROM posts WHERE community_id = ?))
                        OR (object_kind = 'comment' AND object_id IN (SELECT comments.id FROM comments INNER JOIN posts ON posts.id = comments.post_id WHERE posts.community_id = ?))`
	sqlDeleteCommunityComments   = `DELETE FROM comments WHERE post_id IN (SELECT id FROM posts WHERE community_id = ?)`
	sqlDeleteCommunityPosts      = `DELETE FROM posts WHERE community_id = ?`
	sqlDeleteCommunityFollows    = `DELETE FROM community_follows WHERE community_id = ?`
	sqlDeleteCommunityModerators = `DELETE FROM community_moderators WHERE community_id = ?`
	sqlDeleteCommunityBans       = `DELETE FROM community_bans WHERE community_id = ?`
	sqlDeleteCommunityImages     = `DELETE FROM community_images WHERE community_id = ?`
	sqlDeleteCommunity           = `DELETE FROM communities WHERE id = ?`
)

// PurgeCommunity deletes the community row together with its posts, comments,
// votes, follows, moderators, bans and images in one transaction. Unlike a
// removal this is irreversible.
func (db *DB) PurgeCommunity(ctx context.Context, id uuid.UUID) error {
	idStr := id.String()
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlDeleteCommunityVotes, idStr, idStr); err != nil {
			return err
		}
		if _, err := tx.Exec(sqlDeleteCommunityComments, idStr); err != nil {
			return err
		}
		if _, err := tx.Exec(sqlDeleteCommunityPosts, idStr); err != nil {
			return err
		}
		if _, err := tx.Exec(sqlDeleteCommunityFollows, idStr); err != nil {
			return err
		}
		if _, err := tx.Exec(sqlDeleteCommunityModerators, idStr); err != nil {
			return err
		}
		if _, err := tx.Exec(sqlDeleteCommunityBans, idStr); err != nil {
			return err
		}
		if _, err := tx.Exec(sqlDeleteCommunityImages, idStr); err != nil {
			return err
		}
		_, err := tx.Exec(sqlDeleteCommunity, idStr)
		return err
	})
}
