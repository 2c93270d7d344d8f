package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Label values stored on Email.EmailLabel.
const (
	LabelInbox = "inbox"
	LabelSent  = "sent"
	LabelDraft = "draft"
)

// Recipient roles in email_recipients.
const (
	RoleTo      = "to"
	RoleCc      = "cc"
	RoleBcc     = "bcc"
	RoleReplyTo = "reply_to"
)

// Thread is a conversation of one account.
type Thread struct {
	ID              string     `db:"id" json:"id"`
	AccountID       string     `db:"account_id" json:"accountId"`
	Subject         string     `db:"subject" json:"subject"`
	LastMessageDate time.Time  `db:"last_message_date" json:"lastMessageDate"`
	ParticipantIDs  StringList `db:"participant_ids" json:"participantIds"`
	InboxStatus     bool       `db:"inbox_status" json:"inboxStatus"`
	SentStatus      bool       `db:"sent_status" json:"sentStatus"`
	DraftStatus     bool       `db:"draft_status" json:"draftStatus"`
	Done            bool       `db:"done" json:"done"`
}

// Email is one stored message, keyed by the provider message id.
type Email struct {
	ID                 string     `db:"id" json:"id"`
	ThreadID           string     `db:"thread_id" json:"threadId"`
	CreatedTime        time.Time  `db:"created_time" json:"createdTime"`
	LastModifiedTime   time.Time  `db:"last_modified_time" json:"lastModifiedTime"`
	SentAt             time.Time  `db:"sent_at" json:"sentAt"`
	ReceivedAt         time.Time  `db:"received_at" json:"receivedAt"`
	InternetMessageID  string     `db:"internet_message_id" json:"internetMessageId"`
	Subject            string     `db:"subject" json:"subject"`
	SysLabels          StringList `db:"sys_labels" json:"sysLabels"`
	Keywords           StringList `db:"keywords" json:"keywords"`
	SysClassifications StringList `db:"sys_classifications" json:"sysClassifications"`
	Sensitivity        string     `db:"sensitivity" json:"sensitivity"`
	FromID             string     `db:"from_id" json:"fromId"`
	HasAttachments     bool       `db:"has_attachments" json:"hasAttachments"`
	Body               string     `db:"body" json:"body"`
	BodySnippet        string     `db:"body_snippet" json:"bodySnippet"`
	InReplyTo          string     `db:"in_reply_to" json:"inReplyTo"`
	References         string     `db:"references_header" json:"references"`
	ThreadIndex        string     `db:"thread_index" json:"threadIndex"`
	NativeProperties   StringMap  `db:"native_properties" json:"nativeProperties"`
	FolderID           string     `db:"folder_id" json:"folderId"`
	Omitted            StringList `db:"omitted" json:"omitted"`
	EmailLabel         string     `db:"email_label" json:"emailLabel"`
}

// EmailAddress is a participant deduplicated per account by lower-cased address.
type EmailAddress struct {
	ID        string `db:"id" json:"id"`
	AccountID string `db:"account_id" json:"accountId"`
	Address   string `db:"address" json:"address"`
	Name      string `db:"name" json:"name"`
	Raw       string `db:"raw" json:"raw"`
}

type Attachment struct {
	ID        string `db:"id" json:"id"`
	EmailID   string `db:"email_id" json:"emailId"`
	Name      string `db:"name" json:"name"`
	MimeType  string `db:"mime_type" json:"mimeType"`
	Size      int    `db:"size" json:"size"`
	Inline    bool   `db:"inline" json:"inline"`
	ContentID string `db:"content_id" json:"contentId"`
}

// StringList is stored as a JSON array.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	return string(b), err
}

func (l *StringList) Scan(src any) error {
	return scanJSON(src, l)
}

// StringMap is stored as a JSON object.
type StringMap map[string]string

func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(m))
	return string(b), err
}

func (m *StringMap) Scan(src any) error {
	return scanJSON(src, m)
}

func scanJSON(src, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		return json.Unmarshal([]byte(v), dst)
	case []byte:
		return json.Unmarshal(v, dst)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
}
