package mailbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ainp/observability/metrics"
)

// Store is the durable mailbox. Writes are idempotent on envelope id, reads
// enforce the participant ACL.
type Store struct {
	db    *gorm.DB
	log   *slog.Logger
	nowFn func() time.Time
}

// NewStore constructs the mailbox store.
func NewStore(db *gorm.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, log: log, nowFn: time.Now}
}

// SetNowFunc overrides the wall clock, for tests.
func (s *Store) SetNowFunc(now func() time.Time) { s.nowFn = now }

// StoreParams describes one message to persist.
type StoreParams struct {
	EnvelopeID     string
	ConversationID string
	FromDID        string
	ToDID          string
	Subject        string
	Body           string
	Attachments    []string
}

// Put persists a message exactly once per envelope id. Redelivery of an
// already stored envelope returns the existing row with stored=false.
func (s *Store) Put(ctx context.Context, p StoreParams) (*Message, bool, error) {
	if p.EnvelopeID == "" {
		return nil, false, errors.New("envelope id required")
	}
	conversation := p.ConversationID
	if conversation == "" {
		conversation = conversationID(p.FromDID, p.ToDID)
	}
	msg := Message{
		ID:             uuid.New(),
		EnvelopeID:     p.EnvelopeID,
		ConversationID: conversation,
		FromDID:        p.FromDID,
		ToDID:          p.ToDID,
		Subject:        p.Subject,
		Body:           p.Body,
		CreatedAt:      s.nowFn().UTC(),
	}
	if len(p.Attachments) > 0 {
		raw, err := json.Marshal(p.Attachments)
		if err != nil {
			return nil, false, err
		}
		msg.Attachments = string(raw)
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "envelope_id"}}, DoNothing: true}).
		Create(&msg)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		var existing Message
		if err := s.db.WithContext(ctx).First(&existing, "envelope_id = ?", p.EnvelopeID).Error; err != nil {
			return nil, false, err
		}
		return &existing, false, nil
	}
	metrics.Broker().MailboxStore("stored")
	return &msg, true, nil
}

// InboxQuery selects a page of an owner's received messages.
type InboxQuery struct {
	Limit      int
	Cursor     string
	Label      string
	UnreadOnly bool
}

// Inbox returns the owner's received messages newest first, with the owner's
// flags joined in. Label and unread filters apply inside the query, before
// the limit, so filtered pages fill up. The returned cursor is empty on the
// last page.
func (s *Store) Inbox(ctx context.Context, owner string, q InboxQuery) ([]View, string, error) {
	limit := q.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	tx := s.db.WithContext(ctx).Model(&Message{}).
		Select("messages.*").
		Where("messages.to_did = ?", owner)
	if q.UnreadOnly || q.Label != "" {
		tx = tx.Joins("LEFT JOIN message_flags ON message_flags.message_id = messages.id AND message_flags.owner_did = ?", owner)
	}
	if q.UnreadOnly {
		tx = tx.Where("message_flags.read IS NULL OR message_flags.read = ?", false)
	}
	if q.Label != "" {
		encoded, err := json.Marshal(q.Label)
		if err != nil {
			return nil, "", err
		}
		tx = tx.Where("message_flags.labels LIKE ?", "%"+string(encoded)+"%")
	}
	if q.Cursor != "" {
		at, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", err
		}
		tx = tx.Where("(messages.created_at < ?) OR (messages.created_at = ? AND messages.id < ?)", at, at, id)
	}

	var rows []Message
	if err := tx.Order("messages.created_at DESC, messages.id DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, "", err
	}
	next := ""
	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[len(rows)-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}
	views, err := s.attachFlags(ctx, owner, rows)
	if err != nil {
		return nil, "", err
	}
	return views, next, nil
}

// Thread returns every message of a conversation oldest first. The reader
// must be a participant of the conversation.
func (s *Store) Thread(ctx context.Context, reader, conversationID string) ([]View, error) {
	var rows []Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrMessageNotFound
	}
	allowed := false
	for i := range rows {
		if rows[i].Participant(reader) {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, ErrForbidden
	}
	return s.attachFlags(ctx, reader, rows)
}

// Get returns a single message with the reader's flags, enforcing the ACL.
func (s *Store) Get(ctx context.Context, reader string, id uuid.UUID) (*View, error) {
	var msg Message
	if err := s.db.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	if !msg.Participant(reader) {
		return nil, ErrForbidden
	}
	views, err := s.attachFlags(ctx, reader, []Message{msg})
	if err != nil {
		return nil, err
	}
	return &views[0], nil
}

// MarkRead sets or clears the reader's read marker on a message.
func (s *Store) MarkRead(ctx context.Context, reader string, id uuid.UUID, read bool) error {
	if _, err := s.Get(ctx, reader, id); err != nil {
		return err
	}
	flag := Flag{MessageID: id, OwnerDID: reader, Read: read, UpdatedAt: s.nowFn().UTC()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}, {Name: "owner_did"}},
			DoUpdates: clause.AssignmentColumns([]string{"read", "updated_at"}),
		}).
		Create(&flag).Error
}

// SetLabels replaces the reader's label set on a message.
func (s *Store) SetLabels(ctx context.Context, reader string, id uuid.UUID, labels []string) error {
	view, err := s.Get(ctx, reader, id)
	if err != nil {
		return err
	}
	cleaned := make([]string, 0, len(labels))
	seen := map[string]struct{}{}
	for _, label := range labels {
		label = strings.TrimSpace(label)
		if label == "" {
			continue
		}
		if _, dup := seen[label]; dup {
			continue
		}
		seen[label] = struct{}{}
		cleaned = append(cleaned, label)
	}
	sort.Strings(cleaned)
	encoded := ""
	if len(cleaned) > 0 {
		raw, err := json.Marshal(cleaned)
		if err != nil {
			return err
		}
		encoded = string(raw)
	}
	flag := Flag{MessageID: id, OwnerDID: reader, Read: view.Read, Labels: encoded, UpdatedAt: s.nowFn().UTC()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}, {Name: "owner_did"}},
			DoUpdates: clause.AssignmentColumns([]string{"labels", "updated_at"}),
		}).
		Create(&flag).Error
}

func (s *Store) attachFlags(ctx context.Context, owner string, rows []Message) ([]View, error) {
	views := make([]View, 0, len(rows))
	if len(rows) == 0 {
		return views, nil
	}
	ids := make([]uuid.UUID, 0, len(rows))
	for i := range rows {
		ids = append(ids, rows[i].ID)
	}
	var flags []Flag
	err := s.db.WithContext(ctx).
		Where("owner_did = ? AND message_id IN ?", owner, ids).
		Find(&flags).Error
	if err != nil {
		return nil, err
	}
	byMessage := make(map[uuid.UUID]*Flag, len(flags))
	for i := range flags {
		byMessage[flags[i].MessageID] = &flags[i]
	}
	for i := range rows {
		view := View{Message: rows[i]}
		if flag, ok := byMessage[rows[i].ID]; ok {
			view.Read = flag.Read
			view.Labels = flag.LabelSet()
		}
		views = append(views, view)
	}
	return views, nil
}

// conversationID derives a stable id for a DID pair when the envelope did not
// carry one: both directions of a pair land in the same thread.
func conversationID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(a+"|"+b)).String()
}

func encodeCursor(at time.Time, id uuid.UUID) string {
	token := fmt.Sprintf("%s|%s", at.UTC().Format(time.RFC3339Nano), id)
	return base64.RawURLEncoding.EncodeToString([]byte(token))
}

func decodeCursor(cursor string) (time.Time, uuid.UUID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, uuid.Nil, ErrBadCursor
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, uuid.Nil, ErrBadCursor
	}
	at, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, uuid.Nil, ErrBadCursor
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return time.Time{}, uuid.Nil, ErrBadCursor
	}
	return at, id, nil
}
