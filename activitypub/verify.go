package activitypub

import (
	"context"
	"errors"
	"fmt"

	"github.com/Nothing4You/lemmy/db"
	"github.com/Nothing4You/lemmy/domain"
	"github.com/google/uuid"
)

// ErrNotAuthorized marks an activity or request whose actor lacks authority
// for what it attempts. The pipeline turns it into a Rejected outcome, the
// HTTP layer into a 403.
var ErrNotAuthorized = errors.New("not authorized")

// Verifier answers whether an actor may act in a given scope. All checks
// consult live storage state, nothing is assumed from the activity itself.
type Verifier struct {
	db *db.DB
}

func NewVerifier(database *db.DB) *Verifier {
	return &Verifier{db: database}
}

// VerifyPersonInCommunity checks the actor's standing in the community the
// activity declares as its scope: site-banned and community-banned persons
// fail, as does any activity scoped to a removed or deleted community.
func (v *Verifier) VerifyPersonInCommunity(ctx context.Context, person *domain.Person, community *domain.Community) error {
	if person.Banned {
		return fmt.Errorf("%w: person %s is banned", ErrNotAuthorized, person.ActorURI)
	}
	if community.Removed || community.Deleted {
		return fmt.Errorf("%w: community %s is unavailable", ErrNotAuthorized, community.ActorURI)
	}
	banned, err := v.db.IsPersonBannedFromCommunity(ctx, community.Id, person.Id)
	if err != nil {
		return err
	}
	if banned {
		return fmt.Errorf("%w: person %s is banned from %s", ErrNotAuthorized, person.ActorURI, community.ActorURI)
	}
	return nil
}

// VerifyModAction checks removal authority: a moderator row in the
// community, or an actor from the community's own instance.
func (v *Verifier) VerifyModAction(ctx context.Context, person *domain.Person, community *domain.Community) error {
	isMod, err := v.db.IsCommunityModerator(ctx, community.Id, person.Id)
	if err != nil {
		return err
	}
	if isMod || person.Domain == community.Domain {
		return nil
	}
	return fmt.Errorf("%w: %s is not a moderator of %s", ErrNotAuthorized, person.ActorURI, community.ActorURI)
}

// VerifyDomainsMatch rejects activities whose id lives on a different host
// than their actor, which would let one instance speak for another.
func VerifyDomainsMatch(activityId, actorURI string) error {
	idDomain, err := extractDomain(activityId)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}
	actorDomain, err := extractDomain(actorURI)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}
	if idDomain != actorDomain {
		return fmt.Errorf("%w: activity from %s claims actor on %s", ErrNotAuthorized, idDomain, actorDomain)
	}
	return nil
}

// CheckBotAccount rejects automated accounts; their activities are not
// eligible for processing.
func CheckBotAccount(person *domain.Person) error {
	if person.BotAccount {
		return fmt.Errorf("%w: %s is a bot account", ErrNotAuthorized, person.ActorURI)
	}
	return nil
}

// verifyIsCreator checks that the person authored the object, the authority
// Update and Delete require.
func verifyIsCreator(person *domain.Person, obj *ResolvedObject) error {
	var creatorId uuid.UUID
	if obj.Post != nil {
		creatorId = obj.Post.CreatorId
	} else {
		creatorId = obj.Comment.CreatorId
	}
	if creatorId != person.Id {
		return fmt.Errorf("%w: %s did not create %s", ErrNotAuthorized, person.ActorURI, obj.ApId())
	}
	return nil
}
