package mapper

import (
	"errors"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/providers/aurinko"
)

// ErrInvalidRecord marks a provider record that can never be stored.
var ErrInvalidRecord = errors.New("invalid email record")

// Recipient is an address with its role on one email.
type Recipient struct {
	Role    string
	Address models.EmailAddress
}

// Record is one provider message flattened into rows. Address ids are assigned by the writer.
type Record struct {
	Email       models.Email
	From        *models.EmailAddress
	Recipients  []Recipient
	Attachments []models.Attachment
	Event       *Event
}

// Event is an outbox entry written in the same transaction as the email.
type Event struct {
	Subject string
	Type    string
	Payload []byte
	MsgID   string
}

// Normalize converts a provider message into rows for accountID.
func Normalize(accountID string, msg aurinko.EmailMessage) (*Record, error) {
	if strings.TrimSpace(msg.ID) == "" {
		return nil, errors.Join(ErrInvalidRecord, errors.New("missing message id"))
	}
	if strings.TrimSpace(msg.ThreadID) == "" {
		return nil, errors.Join(ErrInvalidRecord, errors.New("missing thread id"))
	}

	rec := &Record{
		Email: models.Email{
			ID:                 msg.ID,
			ThreadID:           msg.ThreadID,
			CreatedTime:        utc(msg.CreatedTime),
			LastModifiedTime:   utc(msg.LastModifiedTime),
			SentAt:             utc(msg.SentAt),
			ReceivedAt:         utc(msg.ReceivedAt),
			InternetMessageID:  msg.InternetMessageID,
			Subject:            msg.Subject,
			SysLabels:          models.StringList(msg.SysLabels),
			Keywords:           models.StringList(msg.Keywords),
			SysClassifications: models.StringList(msg.SysClassifications),
			Sensitivity:        msg.Sensitivity,
			HasAttachments:     msg.HasAttachments,
			Body:               msg.Body,
			BodySnippet:        msg.BodySnippet,
			InReplyTo:          msg.InReplyTo,
			References:         msg.References,
			ThreadIndex:        msg.ThreadIndex,
			NativeProperties:   models.StringMap(msg.NativeProperties),
			FolderID:           msg.FolderID,
			Omitted:            models.StringList(msg.Omitted),
			EmailLabel:         EmailLabel(msg.SysLabels),
		},
	}

	if from, ok := NormalizeAddress(accountID, msg.From); ok {
		rec.From = &from
	}

	seen := make(map[string]bool)
	addRole := func(role string, list []aurinko.EmailAddress) {
		for _, a := range list {
			addr, ok := NormalizeAddress(accountID, a)
			if !ok || seen[role+"|"+addr.Address] {
				continue
			}
			seen[role+"|"+addr.Address] = true
			rec.Recipients = append(rec.Recipients, Recipient{Role: role, Address: addr})
		}
	}
	addRole(models.RoleTo, msg.To)
	addRole(models.RoleCc, msg.Cc)
	addRole(models.RoleBcc, msg.Bcc)
	addRole(models.RoleReplyTo, msg.ReplyTo)

	for _, att := range msg.Attachments {
		if att.ID == "" {
			continue
		}
		rec.Attachments = append(rec.Attachments, models.Attachment{
			ID:        att.ID,
			EmailID:   msg.ID,
			Name:      att.Name,
			MimeType:  att.MimeType,
			Size:      att.Size,
			Inline:    att.Inline,
			ContentID: att.ContentID,
		})
	}

	return rec, nil
}

// NormalizeAddress lower-cases and trims the address, falling back to parsing Raw.
// It returns false when no address can be recovered.
func NormalizeAddress(accountID string, a aurinko.EmailAddress) (models.EmailAddress, bool) {
	address := strings.TrimSpace(a.Address)
	name := strings.TrimSpace(a.Name)

	if address == "" && a.Raw != "" {
		if parsed, err := mail.ParseAddress(a.Raw); err == nil {
			address = parsed.Address
			if name == "" {
				name = parsed.Name
			}
		}
	}
	if address == "" {
		return models.EmailAddress{}, false
	}

	return models.EmailAddress{
		AccountID: accountID,
		Address:   strings.ToLower(address),
		Name:      name,
		Raw:       a.Raw,
	}, true
}

// Flags are the thread-level booleans contributed by a set of labels.
type Flags struct {
	Inbox bool
	Sent  bool
	Draft bool
}

func (f Flags) Or(o Flags) Flags {
	return Flags{Inbox: f.Inbox || o.Inbox, Sent: f.Sent || o.Sent, Draft: f.Draft || o.Draft}
}

// LabelFlags maps provider system labels to thread flags.
func LabelFlags(labels []string) Flags {
	var f Flags
	for _, l := range labels {
		switch strings.ToLower(l) {
		case "inbox", "important":
			f.Inbox = true
		case "sent":
			f.Sent = true
		case "draft":
			f.Draft = true
		}
	}
	return f
}

// EmailLabel picks the single folder-like label of an email: sent, then draft, else inbox.
func EmailLabel(labels []string) string {
	f := LabelFlags(labels)
	switch {
	case f.Sent:
		return models.LabelSent
	case f.Draft:
		return models.LabelDraft
	default:
		return models.LabelInbox
	}
}

// Member is the part of a stored email that thread rollup reads.
type Member struct {
	SentAt    time.Time         `db:"sent_at"`
	SysLabels models.StringList `db:"sys_labels"`
}

// Rollup is the denormalized thread state derived from all of its emails.
type Rollup struct {
	LastMessageDate time.Time
	Flags           Flags
}

func RollupThread(members []Member) Rollup {
	var r Rollup
	for _, m := range members {
		if m.SentAt.After(r.LastMessageDate) {
			r.LastMessageDate = m.SentAt
		}
		r.Flags = r.Flags.Or(LabelFlags(m.SysLabels))
	}
	r.LastMessageDate = utc(r.LastMessageDate)
	return r
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC()
}
