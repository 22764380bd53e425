package model

import "time"

// CommitRecord is the stored unit of work for one commit, keyed by SHA.
// Fetch creates it, Analyze fills AnalysisSuggestion exactly once, Notify
// flips Pushed exactly once. Records are never deleted; they double as the
// audit trail of everything the service has reviewed.
type CommitRecord struct {
	SHA                string     `json:"sha"`
	AuthorName         string     `json:"author_name"`
	AuthorEmail        string     `json:"author_email"`
	CommitMessage      string     `json:"commit_message"`
	CommitTimestamp    time.Time  `json:"commit_timestamp"`
	CodeDiff           string     `json:"-"`
	HTMLURL            string     `json:"html_url"`
	AnalysisSuggestion *string    `json:"analysis_suggestion"`
	Pushed             bool       `json:"pushed"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Analyzed reports whether the record has left the raw state.
func (r *CommitRecord) Analyzed() bool {
	return r.AnalysisSuggestion != nil
}

// ShortSHA returns the abbreviated commit identifier used in logs and reports.
func (r *CommitRecord) ShortSHA() string {
	if len(r.SHA) < 8 {
		return r.SHA
	}
	return r.SHA[:8]
}

// RepositoryConfig holds per-repository settings managed by an operator.
// The pipeline only ever reads it.
type RepositoryConfig struct {
	ID                     int64
	Owner                  string
	Name                   string
	WebhookSecret          string
	SourceToken            string
	Enabled                bool
	NotificationWebhookURL string
	PromptTemplate         string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// EventKind classifies an inbound webhook event after parsing.
type EventKind string

const (
	EventPush        EventKind = "push"
	EventPing        EventKind = "ping"
	EventUnsupported EventKind = "unsupported"
)

// PushCommit is one commit as reported inside a push event payload.
type PushCommit struct {
	ID          string
	Message     string
	AuthorName  string
	AuthorEmail string
	Timestamp   time.Time
	Added       []string
	Modified    []string
	Removed     []string
}

// Event is the normalized form of a verified webhook request.
type Event struct {
	Kind      EventKind
	RawKind   string
	Owner     string
	Repo      string
	Branch    string
	Pusher    string
	Commits   []PushCommit
	HookID    int64
}
