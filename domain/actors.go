package domain

import (
	"github.com/google/uuid"
	"time"
)

// Person represents a local or remote account capable of issuing activities.
// Remote persons are cached copies refreshed from their home instance.
type Person struct {
	Id            uuid.UUID
	Username      string
	Domain        string
	ActorURI      string
	InboxURI      string
	PublicKeyPem  string
	PrivateKeyPem string // set for local persons only
	Local         bool
	BotAccount    bool
	Banned        bool // site-wide ban on the person's home instance
	LastFetchedAt time.Time
	CreatedAt     time.Time
}

// Community is the scope activities target. Like Person it can be local or a
// cached remote copy.
type Community struct {
	Id            uuid.UUID
	Name          string
	Title         string
	Domain        string
	ActorURI      string
	InboxURI      string
	PublicKeyPem  string
	PrivateKeyPem string // set for local communities only
	Local         bool
	Removed       bool
	Deleted       bool
	LastFetchedAt time.Time
	CreatedAt     time.Time
}

// CommunityFollow links a person to a community they subscribe to. For remote
// followers the person row carries the inbox outbound deliveries go to.
type CommunityFollow struct {
	Id          uuid.UUID
	CommunityId uuid.UUID
	PersonId    uuid.UUID
	CreatedAt   time.Time
}

// CommunityModerator grants a person moderation authority in one community.
type CommunityModerator struct {
	Id          uuid.UUID
	CommunityId uuid.UUID
	PersonId    uuid.UUID
	CreatedAt   time.Time
}

// CommunityBan excludes a person from a community. Banned persons fail
// authority verification for any activity targeting that community.
type CommunityBan struct {
	Id          uuid.UUID
	CommunityId uuid.UUID
	PersonId    uuid.UUID
	Reason      string
	CreatedAt   time.Time
}

// LocalUser carries the login-level state of a local person: admin flag and
// the hash of their API token.
type LocalUser struct {
	Id        uuid.UUID
	PersonId  uuid.UUID
	Admin     bool
	TokenHash string
	CreatedAt time.Time
}
