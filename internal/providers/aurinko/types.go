package aurinko

import "time"

// EmailAddress is a participant as the provider reports it.
type EmailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
	Raw     string `json:"raw,omitempty"`
}

type EmailAttachment struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	MimeType        string `json:"mimeType"`
	Size            int    `json:"size"`
	Inline          bool   `json:"inline"`
	ContentID       string `json:"contentId,omitempty"`
	Content         string `json:"content,omitempty"`
	ContentLocation string `json:"contentLocation,omitempty"`
}

type EmailHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// EmailMessage is one record of the delta stream.
type EmailMessage struct {
	ID                   string            `json:"id"`
	ThreadID             string            `json:"threadId"`
	CreatedTime          time.Time         `json:"createdTime"`
	LastModifiedTime     time.Time         `json:"lastModifiedTime"`
	SentAt               time.Time         `json:"sentAt"`
	ReceivedAt           time.Time         `json:"receivedAt"`
	InternetMessageID    string            `json:"internetMessageId"`
	Subject              string            `json:"subject"`
	SysLabels            []string          `json:"sysLabels"`
	Keywords             []string          `json:"keywords"`
	SysClassifications   []string          `json:"sysClassifications"`
	Sensitivity          string            `json:"sensitivity"`
	MeetingMessageMethod string            `json:"meetingMessageMethod,omitempty"`
	From                 EmailAddress      `json:"from"`
	To                   []EmailAddress    `json:"to"`
	Cc                   []EmailAddress    `json:"cc"`
	Bcc                  []EmailAddress    `json:"bcc"`
	ReplyTo              []EmailAddress    `json:"replyTo"`
	HasAttachments       bool              `json:"hasAttachments"`
	Body                 string            `json:"body,omitempty"`
	BodySnippet          string            `json:"bodySnippet,omitempty"`
	Attachments          []EmailAttachment `json:"attachments"`
	InReplyTo            string            `json:"inReplyTo,omitempty"`
	References           string            `json:"references,omitempty"`
	ThreadIndex          string            `json:"threadIndex,omitempty"`
	InternetHeaders      []EmailHeader     `json:"internetHeaders"`
	NativeProperties     map[string]string `json:"nativeProperties"`
	FolderID             string            `json:"folderId,omitempty"`
	Omitted              []string          `json:"omitted"`
}

// SyncResponse is returned by the start/poll call. SyncUpdatedToken is only meaningful once Ready.
type SyncResponse struct {
	SyncUpdatedToken string `json:"syncUpdatedToken"`
	SyncDeletedToken string `json:"syncDeletedToken"`
	Ready            bool   `json:"ready"`
}

// SyncUpdatedResponse is one page of the delta stream.
type SyncUpdatedResponse struct {
	NextPageToken  string         `json:"nextPageToken,omitempty"`
	NextDeltaToken string         `json:"nextDeltaToken,omitempty"`
	Length         int            `json:"length"`
	Records        []EmailMessage `json:"records"`
}

// DeltaQuery selects a delta page. Exactly one field must be set.
type DeltaQuery struct {
	DeltaToken string
	PageToken  string
}

type Subscription struct {
	ID              int64  `json:"id"`
	Resource        string `json:"resource"`
	NotificationURL string `json:"notificationUrl"`
	Active          bool   `json:"active"`
	FailSince       string `json:"failSince,omitempty"`
	FailDescription string `json:"failDescription,omitempty"`
}

type SubscriptionList struct {
	Records   []Subscription `json:"records"`
	TotalSize int            `json:"totalSize"`
	Offset    int            `json:"offset"`
	Done      bool           `json:"done"`
}

// OutgoingMessage is the envelope accepted by SendMessage.
type OutgoingMessage struct {
	From       EmailAddress   `json:"from"`
	Subject    string         `json:"subject"`
	Body       string         `json:"body"`
	InReplyTo  string         `json:"inReplyTo,omitempty"`
	References string         `json:"references,omitempty"`
	ThreadID   string         `json:"threadId,omitempty"`
	To         []EmailAddress `json:"to"`
	Cc         []EmailAddress `json:"cc,omitempty"`
	Bcc        []EmailAddress `json:"bcc,omitempty"`
	ReplyTo    []EmailAddress `json:"replyTo,omitempty"`
}

// SentMessage carries the provider-assigned ids of a sent message.
type SentMessage struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

type AccountDetails struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// TokenExchange is the result of trading an authorization code for an access token.
type TokenExchange struct {
	AccountID   int64  `json:"accountId"`
	AccessToken string `json:"accessToken"`
	UserID      string `json:"userId"`
	UserSession string `json:"userSession"`
}
