package gateway

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"code-review-service/internal/model"
)

var shaPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Wire shapes for the two recognized GitHub event payloads. Only the fields
// the pipeline consumes are declared.
type pushPayload struct {
	Ref        string `json:"ref"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
			Name  string `json:"name"`
		} `json:"owner"`
	} `json:"repository"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
	Commits []struct {
		ID        string    `json:"id"`
		Message   string    `json:"message"`
		Timestamp time.Time `json:"timestamp"`
		Author    struct {
			Name  string `json:"name"`
			Email string `json:"email"`
		} `json:"author"`
		Added    []string `json:"added"`
		Modified []string `json:"modified"`
		Removed  []string `json:"removed"`
	} `json:"commits"`
}

type pingPayload struct {
	HookID     int64 `json:"hook_id"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

// ParseEvent normalizes a verified webhook body. Unrecognized event kinds
// yield an Unsupported event rather than an error; only undecodable JSON is
// an error. Push commits with a malformed id are dropped, since the source
// API could never resolve them.
func ParseEvent(kind string, body []byte) (model.Event, error) {
	switch kind {
	case "push":
		var p pushPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return model.Event{}, fmt.Errorf("decoding push payload: %w", err)
		}

		owner := p.Repository.Owner.Login
		if owner == "" {
			owner = p.Repository.Owner.Name
		}

		ev := model.Event{
			Kind:    model.EventPush,
			RawKind: kind,
			Owner:   owner,
			Repo:    p.Repository.Name,
			Branch:  strings.TrimPrefix(p.Ref, "refs/heads/"),
			Pusher:  p.Pusher.Name,
		}
		for _, c := range p.Commits {
			if !shaPattern.MatchString(c.ID) {
				continue
			}
			ev.Commits = append(ev.Commits, model.PushCommit{
				ID:          c.ID,
				Message:     c.Message,
				AuthorName:  c.Author.Name,
				AuthorEmail: c.Author.Email,
				Timestamp:   c.Timestamp,
				Added:       c.Added,
				Modified:    c.Modified,
				Removed:     c.Removed,
			})
		}
		return ev, nil

	case "ping":
		var p pingPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return model.Event{}, fmt.Errorf("decoding ping payload: %w", err)
		}
		return model.Event{
			Kind:    model.EventPing,
			RawKind: kind,
			Owner:   p.Repository.Owner.Login,
			Repo:    p.Repository.Name,
			HookID:  p.HookID,
		}, nil

	default:
		if !json.Valid(body) {
			return model.Event{}, fmt.Errorf("invalid JSON body for event %q", kind)
		}
		return model.Event{Kind: model.EventUnsupported, RawKind: kind}, nil
	}
}
