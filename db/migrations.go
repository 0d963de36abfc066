package db

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
)

const (
	// Local and cached remote persons
	sqlCreatePersonsTable = `CREATE TABLE IF NOT EXISTS persons (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		inbox_uri TEXT NOT NULL,
		public_key_pem TEXT,
		private_key_pem TEXT,
		local INTEGER DEFAULT 0,
		bot_account INTEGER DEFAULT 0,
		banned INTEGER DEFAULT 0,
		last_fetched_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(username, domain)
	)`

	sqlCreatePersonsIndices = `
		CREATE INDEX IF NOT EXISTS idx_persons_actor_uri ON persons(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_persons_domain ON persons(domain);
	`

	// Local and cached remote communities
	sqlCreateCommunitiesTable = `CREATE TABLE IF NOT EXISTS communities (
		id TEXT NOT NULL PRIMARY KEY,
		name TEXT NOT NULL,
		title TEXT,
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		inbox_uri TEXT NOT NULL,
		public_key_pem TEXT,
		private_key_pem TEXT,
		local INTEGER DEFAULT 0,
		removed INTEGER DEFAULT 0,
		deleted INTEGER DEFAULT 0,
		last_fetched_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(name, domain)
	)`

	sqlCreateCommunitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_communities_actor_uri ON communities(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_communities_domain ON communities(domain);
	`

	// Login state for local persons
	sqlCreateLocalUsersTable = `CREATE TABLE IF NOT EXISTS local_users (
		id TEXT NOT NULL PRIMARY KEY,
		person_id TEXT UNIQUE NOT NULL,
		admin INTEGER DEFAULT 0,
		token_hash TEXT UNIQUE NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	// Posts
	sqlCreatePostsTable = `CREATE TABLE IF NOT EXISTS posts (
		id TEXT NOT NULL PRIMARY KEY,
		ap_id TEXT UNIQUE NOT NULL,
		community_id TEXT NOT NULL,
		creator_id TEXT NOT NULL,
		name TEXT NOT NULL,
		body TEXT,
		url TEXT,
		removed INTEGER DEFAULT 0,
		deleted INTEGER DEFAULT 0,
		local INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP
	)`

	sqlCreatePostsIndices = `
		CREATE INDEX IF NOT EXISTS idx_posts_community_id ON posts(community_id);
		CREATE INDEX IF NOT EXISTS idx_posts_creator_id ON posts(creator_id);
		CREATE INDEX IF NOT EXISTS idx_posts_created_at ON posts(created_at DESC);
	`

	// Comments
	sqlCreateCommentsTable = `CREATE TABLE IF NOT EXISTS comments (
		id TEXT NOT NULL PRIMARY KEY,
		ap_id TEXT UNIQUE NOT NULL,
		post_id TEXT NOT NULL,
		creator_id TEXT NOT NULL,
		content TEXT NOT NULL,
		removed INTEGER DEFAULT 0,
		deleted INTEGER DEFAULT 0,
		local INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP
	)`

	sqlCreateCommentsIndices = `
		CREATE INDEX IF NOT EXISTS idx_comments_post_id ON comments(post_id);
		CREATE INDEX IF NOT EXISTS idx_comments_creator_id ON comments(creator_id);
	`

	// Votes, one row per person and object
	sqlCreateVotesTable = `CREATE TABLE IF NOT EXISTS votes (
		id TEXT NOT NULL PRIMARY KEY,
		person_id TEXT NOT NULL,
		object_kind TEXT NOT NULL,
		object_id TEXT NOT NULL,
		score INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(person_id, object_kind, object_id)
	)`

	sqlCreateVotesIndices = `
		CREATE INDEX IF NOT EXISTS idx_votes_object ON votes(object_kind, object_id);
	`

	// Community membership and moderation state
	sqlCreateCommunityFollowsTable = `CREATE TABLE IF NOT EXISTS community_follows (
		id TEXT NOT NULL PRIMARY KEY,
		community_id TEXT NOT NULL,
		person_id TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(community_id, person_id)
	)`

	sqlCreateCommunityFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_community_follows_community_id ON community_follows(community_id);
		CREATE INDEX IF NOT EXISTS idx_community_follows_person_id ON community_follows(person_id);
	`

	sqlCreateCommunityModeratorsTable = `CREATE TABLE IF NOT EXISTS community_moderators (
		id TEXT NOT NULL PRIMARY KEY,
		community_id TEXT NOT NULL,
		person_id TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(community_id, person_id)
	)`

	sqlCreateCommunityBansTable = `CREATE TABLE IF NOT EXISTS community_bans (
		id TEXT NOT NULL PRIMARY KEY,
		community_id TEXT NOT NULL,
		person_id TEXT NOT NULL,
		reason TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(community_id, person_id)
	)`

	sqlCreateCommunityImagesTable = `CREATE TABLE IF NOT EXISTS community_images (
		id TEXT NOT NULL PRIMARY KEY,
		community_id TEXT NOT NULL,
		url TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	// Dedup ledger for inbound activities. The primary key on ap_id is what
	// detects repeated deliveries of the same activity.
	sqlCreateReceivedActivitiesTable = `CREATE TABLE IF NOT EXISTS received_activities (
		ap_id TEXT NOT NULL PRIMARY KEY,
		received_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateReceivedActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_received_activities_received_at ON received_activities(received_at);
	`

	// Instance settings, a single row
	sqlCreateLocalSiteTable = `CREATE TABLE IF NOT EXISTS local_site (
		id INTEGER NOT NULL PRIMARY KEY CHECK (id = 1),
		private_instance INTEGER DEFAULT 0,
		post_upvotes TEXT DEFAULT 'All',
		post_downvotes TEXT DEFAULT 'All',
		comment_upvotes TEXT DEFAULT 'All',
		comment_downvotes TEXT DEFAULT 'All'
	)`

	// Modlog tables
	sqlCreateAdminPurgeCommunityTable = `CREATE TABLE IF NOT EXISTS admin_purge_community (
		id TEXT NOT NULL PRIMARY KEY,
		admin_person_id TEXT NOT NULL,
		reason TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateModRemovePostTable = `CREATE TABLE IF NOT EXISTS mod_remove_post (
		id TEXT NOT NULL PRIMARY KEY,
		mod_person_id TEXT NOT NULL,
		post_id TEXT NOT NULL,
		reason TEXT,
		removed INTEGER DEFAULT 1,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateModRemoveCommentTable = `CREATE TABLE IF NOT EXISTS mod_remove_comment (
		id TEXT NOT NULL PRIMARY KEY,
		mod_person_id TEXT NOT NULL,
		comment_id TEXT NOT NULL,
		reason TEXT,
		removed INTEGER DEFAULT 1,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateModRemoveCommunityTable = `CREATE TABLE IF NOT EXISTS mod_remove_community (
		id TEXT NOT NULL PRIMARY KEY,
		mod_person_id TEXT NOT NULL,
		community_id TEXT NOT NULL,
		reason TEXT,
		removed INTEGER DEFAULT 1,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`
)

// Migrate creates the schema. Every statement is idempotent so calling it on
// every startup is fine.
func (db *DB) Migrate(ctx context.Context) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		tables := []struct {
			name string
			ddl  string
		}{
			{"persons", sqlCreatePersonsTable},
			{"communities", sqlCreateCommunitiesTable},
			{"local_users", sqlCreateLocalUsersTable},
			{"posts", sqlCreatePostsTable},
			{"comments", sqlCreateCommentsTable},
			{"votes", sqlCreateVotesTable},
			{"community_follows", sqlCreateCommunityFollowsTable},
			{"community_moderators", sqlCreateCommunityModeratorsTable},
			{"community_bans", sqlCreateCommunityBansTable},
			{"community_images", sqlCreateCommunityImagesTable},
			{"received_activities", sqlCreateReceivedActivitiesTable},
			{"local_site", sqlCreateLocalSiteTable},
			{"admin_purge_community", sqlCreateAdminPurgeCommunityTable},
			{"mod_remove_post", sqlCreateModRemovePostTable},
			{"mod_remove_comment", sqlCreateModRemoveCommentTable},
			{"mod_remove_community", sqlCreateModRemoveCommunityTable},
		}
		for _, t := range tables {
			if err := db.createTableIfNotExists(tx, t.ddl, t.name); err != nil {
				return err
			}
		}

		indices := []string{
			sqlCreatePersonsIndices,
			sqlCreateCommunitiesIndices,
			sqlCreatePostsIndices,
			sqlCreateCommentsIndices,
			sqlCreateVotesIndices,
			sqlCreateCommunityFollowsIndices,
			sqlCreateReceivedActivitiesIndices,
		}
		for _, stmt := range indices {
			if _, err := tx.Exec(stmt); err != nil {
				db.log.Warn("failed to create indices", zap.Error(err))
			}
		}
		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	_, err := tx.Exec(createSQL)
	if err != nil {
		db.log.Error("error creating table", zap.String("table", tableName), zap.Error(err))
		return err
	}
	db.log.Debug("table created or already exists", zap.String("table", tableName))
	return nil
}
