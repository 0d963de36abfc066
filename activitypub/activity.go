package activitypub

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

const (
	// ActivityContext is the JSON-LD context stamped on outbound activities.
	ActivityContext = "https://www.w3.org/ns/activitystreams"

	// PublicAudience marks an activity as publicly addressed.
	PublicAudience = "https://www.w3.org/ns/activitystreams#Public"
)

// ActivityKind is the closed set of activity types the pipeline understands.
// Anything else is acknowledged at the transport layer and dropped there,
// it never reaches the pipeline.
type ActivityKind string

const (
	KindLike    ActivityKind = "Like"
	KindDislike ActivityKind = "Dislike"
	KindUndo    ActivityKind = "Undo"
	KindRemove  ActivityKind = "Remove"
	KindUpdate  ActivityKind = "Update"
	KindDelete  ActivityKind = "Delete"
)

// ParseKind maps a wire type string onto the closed kind set.
func ParseKind(s string) (ActivityKind, bool) {
	switch ActivityKind(s) {
	case KindLike, KindDislike, KindUndo, KindRemove, KindUpdate, KindDelete:
		return ActivityKind(s), true
	}
	return "", false
}

// Activity is the wire form of an ActivityPub activity. Object is kept raw
// because it can be a bare URI string or an embedded object depending on the
// activity type.
type Activity struct {
	Context  interface{}     `json:"@context,omitempty"`
	Id       string          `json:"id"`
	Type     string          `json:"type"`
	Actor    string          `json:"actor"`
	Object   json.RawMessage `json:"object,omitempty"`
	Audience string          `json:"audience,omitempty"`
	Summary  string          `json:"summary,omitempty"`
	To       []string        `json:"to,omitempty"`
	Cc       []string        `json:"cc,omitempty"`
}

// ParseActivity parses and minimally validates an inbound activity document.
// Id, type and actor must be present, and id and actor must be absolute URLs.
func ParseActivity(body []byte) (*Activity, error) {
	var act Activity
	if err := json.Unmarshal(body, &act); err != nil {
		return nil, fmt.Errorf("failed to parse activity: %w", err)
	}
	if act.Id == "" || act.Type == "" || act.Actor == "" {
		return nil, fmt.Errorf("activity missing required fields")
	}
	for _, iri := range []string{act.Id, act.Actor} {
		u, err := url.Parse(iri)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("activity carries invalid IRI %q", iri)
		}
	}
	return &act, nil
}

// ObjectId returns the URI of the activity's object, whether the object is a
// bare string or an embedded document with an id field.
func (a *Activity) ObjectId() string {
	if len(a.Object) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(a.Object, &s); err == nil {
		return s
	}
	var obj struct {
		Id string `json:"id"`
	}
	if err := json.Unmarshal(a.Object, &obj); err == nil {
		return obj.Id
	}
	return ""
}

// EmbeddedActivity unpacks the object as a nested activity, the shape Undo
// uses to reference what it is undoing.
func (a *Activity) EmbeddedActivity() (*Activity, error) {
	if len(a.Object) == 0 {
		return nil, fmt.Errorf("activity has no object")
	}
	var inner Activity
	if err := json.Unmarshal(a.Object, &inner); err != nil {
		return nil, fmt.Errorf("failed to parse embedded activity: %w", err)
	}
	if inner.Type == "" {
		return nil, fmt.Errorf("embedded activity missing type")
	}
	return &inner, nil
}

// NewActivityId mints an activity identifier under the local domain,
// e.g. "https://example.org/activities/like/3f6a...".
func NewActivityId(domainName string, kind ActivityKind) string {
	return fmt.Sprintf("https://%s/activities/%s/%s", domainName, strings.ToLower(string(kind)), uuid.New().String())
}

// mustMarshal marshals v to JSON, panicking on error
func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal: %v", err))
	}
	return b
}
