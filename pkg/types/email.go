package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors returned by every registry, store and index implementation
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// Category is the AI-assigned classification of a message
type Category string

const (
	CategoryInterested    Category = "interested"
	CategoryMeetingBooked Category = "meeting_booked"
	CategoryNotInterested Category = "not_interested"
	CategorySpam          Category = "spam"
	CategoryOutOfOffice   Category = "out_of_office"
	CategoryUncategorized Category = "uncategorized"
)

// Categories lists every valid category
var Categories = []Category{
	CategoryInterested,
	CategoryMeetingBooked,
	CategoryNotInterested,
	CategorySpam,
	CategoryOutOfOffice,
	CategoryUncategorized,
}

// ParseCategory normalizes s (case, surrounding space, inner spaces or dashes)
// and returns the matching category.
func ParseCategory(s string) (Category, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	for _, c := range Categories {
		if string(c) == norm {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// Account represents a monitored mailbox
type Account struct {
	ID        string     `json:"id" bson:"_id"`
	Email     string     `json:"email" bson:"email"`
	Password  string     `json:"-" bson:"password"`
	IMAPHost  string     `json:"imap_host" bson:"imap_host"`
	IMAPPort  int        `json:"imap_port" bson:"imap_port"`
	Secure    bool       `json:"secure" bson:"secure"`
	Folder    string     `json:"folder,omitempty" bson:"folder,omitempty"`
	Active    bool       `json:"active" bson:"active"`
	LastSync  *time.Time `json:"last_sync,omitempty" bson:"last_sync,omitempty"`
	CreatedAt time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" bson:"updated_at"`
}

// AccountFilter narrows registry lookups
type AccountFilter struct {
	ActiveOnly bool
}

// AccountPatch holds the account fields that may change after creation
type AccountPatch struct {
	Active   *bool
	LastSync *time.Time
}

// Label is a user-visible tag on a message
type Label struct {
	Name  string `json:"name" bson:"name"`
	Color string `json:"color" bson:"color"`
}

// Message represents an ingested email message
type Message struct {
	ID        string    `json:"id" bson:"_id"`
	AccountID string    `json:"account_id" bson:"account_id"`
	MessageID string    `json:"message_id" bson:"message_id"`
	Subject   string    `json:"subject" bson:"subject"`
	From      string    `json:"from" bson:"from"`
	To        []string  `json:"to" bson:"to"`
	Cc        []string  `json:"cc,omitempty" bson:"cc,omitempty"`
	Bcc       []string  `json:"bcc,omitempty" bson:"bcc,omitempty"`
	Date      time.Time `json:"date" bson:"date"`
	Body      string    `json:"body" bson:"body"`
	HTMLBody  string    `json:"html_body,omitempty" bson:"html_body,omitempty"`
	Folder    string    `json:"folder" bson:"folder"`
	IsRead    bool      `json:"is_read" bson:"is_read"`
	IsFlagged bool      `json:"is_flagged" bson:"is_flagged"`
	Labels    []Label   `json:"labels" bson:"labels"`
	Category  Category  `json:"category" bson:"category"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// MessagePatch holds the message fields that may change after ingestion
type MessagePatch struct {
	Category  *Category
	IsRead    *bool
	IsFlagged *bool
}

// Suggestion is the output of the categorization service
type Suggestion struct {
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

// SearchFilters narrows search index queries
type SearchFilters struct {
	AccountID string
	Folder    string
	Category  Category
	DateFrom  *time.Time
	DateTo    *time.Time
	IsRead    *bool
	IsFlagged *bool
	Text      string
}

// MessageSummary represents a search hit
type MessageSummary struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Folder    string    `json:"folder"`
	Subject   string    `json:"subject"`
	From      string    `json:"from"`
	Date      time.Time `json:"date"`
	Category  Category  `json:"category"`
	IsRead    bool      `json:"is_read"`
	IsFlagged bool      `json:"is_flagged"`
	Snippet   string    `json:"snippet"`
}
