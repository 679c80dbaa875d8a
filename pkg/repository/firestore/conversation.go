package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
	"github.com/secmon-lab/onboarder/pkg/domain/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type conversationDoc struct {
	CreatedAt time.Time `firestore:"CreatedAt"`
	UpdatedAt time.Time `firestore:"UpdatedAt"`
	Count     int       `firestore:"Count"`
}

type toolCallDoc struct {
	ID        string         `firestore:"ID"`
	Name      string         `firestore:"Name"`
	Arguments map[string]any `firestore:"Arguments"`
}

type toolResultDoc struct {
	CallID  string         `firestore:"CallID"`
	Name    string         `firestore:"Name"`
	Status  string         `firestore:"Status"`
	Payload map[string]any `firestore:"Payload"`
	Error   string         `firestore:"Error"`
}

type messageDoc struct {
	Seq        int            `firestore:"Seq"`
	Role       string         `firestore:"Role"`
	Content    string         `firestore:"Content"`
	ToolCall   *toolCallDoc   `firestore:"ToolCall"`
	ToolResult *toolResultDoc `firestore:"ToolResult"`
	CreatedAt  time.Time      `firestore:"CreatedAt"`
}

func toMessageDoc(seq int, m *model.Message) *messageDoc {
	d := &messageDoc{
		Seq:       seq,
		Role:      m.Role.String(),
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
	if m.ToolCall != nil {
		d.ToolCall = &toolCallDoc{
			ID:        string(m.ToolCall.ID),
			Name:      m.ToolCall.Name,
			Arguments: m.ToolCall.Arguments,
		}
	}
	if m.ToolResult != nil {
		d.ToolResult = &toolResultDoc{
			CallID:  string(m.ToolResult.CallID),
			Name:    m.ToolResult.Name,
			Status:  m.ToolResult.Status.String(),
			Payload: m.ToolResult.Payload,
			Error:   m.ToolResult.Error,
		}
	}
	return d
}

func (d *messageDoc) toModel() *model.Message {
	m := &model.Message{
		Role:      types.MessageRole(d.Role),
		Content:   d.Content,
		CreatedAt: d.CreatedAt,
	}
	if d.ToolCall != nil {
		m.ToolCall = &model.ToolCall{
			ID:        model.CallID(d.ToolCall.ID),
			Name:      d.ToolCall.Name,
			Arguments: d.ToolCall.Arguments,
		}
	}
	if d.ToolResult != nil {
		m.ToolResult = &model.ToolResult{
			CallID:  model.CallID(d.ToolResult.CallID),
			Name:    d.ToolResult.Name,
			Status:  types.ToolStatus(d.ToolResult.Status),
			Payload: d.ToolResult.Payload,
			Error:   d.ToolResult.Error,
		}
	}
	return m
}

// conversationRepository stores messages in conversations/{id}/messages
// with zero-padded sequence IDs. Appends run in a transaction so the
// sequence and the call/result pairing check see a consistent log.
type conversationRepository struct {
	client           *firestore.Client
	collectionPrefix string
}

func (r *conversationRepository) conversationRef(id model.ConversationID) *firestore.DocumentRef {
	return r.client.Collection(r.collectionPrefix + CollectionConversations).Doc(id.String())
}

func (r *conversationRepository) messages(id model.ConversationID) *firestore.CollectionRef {
	return r.conversationRef(id).Collection(CollectionMessages)
}

func (r *conversationRepository) Get(ctx context.Context, id model.ConversationID) (*model.Conversation, error) {
	if _, err := r.conversationRef(id).Get(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(model.ErrConversationNotFound, "conversation not found", goerr.V(model.ConversationIDKey, id))
		}
		return nil, goerr.Wrap(err, "failed to get conversation", goerr.V(model.ConversationIDKey, id))
	}

	snaps, err := r.messages(id).OrderBy("Seq", firestore.Asc).Documents(ctx).GetAll()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list messages", goerr.V(model.ConversationIDKey, id))
	}

	conv := model.NewConversation(id)
	for _, snap := range snaps {
		var d messageDoc
		if err := snap.DataTo(&d); err != nil {
			return nil, goerr.Wrap(err, "failed to unmarshal message", goerr.V(model.ConversationIDKey, id))
		}
		conv.Messages = append(conv.Messages, d.toModel())
	}
	return conv, nil
}

func (r *conversationRepository) Append(ctx context.Context, id model.ConversationID, msgs ...*model.Message) error {
	convRef := r.conversationRef(id)

	return r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		now := time.Now().UTC()
		conv := conversationDoc{CreatedAt: now}

		snap, err := tx.Get(convRef)
		if err != nil && status.Code(err) != codes.NotFound {
			return goerr.Wrap(err, "failed to get conversation", goerr.V(model.ConversationIDKey, id))
		}
		if err == nil {
			if err := snap.DataTo(&conv); err != nil {
				return goerr.Wrap(err, "failed to unmarshal conversation", goerr.V(model.ConversationIDKey, id))
			}
		}

		msgSnaps, err := tx.Documents(r.messages(id).OrderBy("Seq", firestore.Asc)).GetAll()
		if err != nil {
			return goerr.Wrap(err, "failed to list messages", goerr.V(model.ConversationIDKey, id))
		}
		existing := make([]*model.Message, 0, len(msgSnaps))
		for _, s := range msgSnaps {
			var d messageDoc
			if err := s.DataTo(&d); err != nil {
				return goerr.Wrap(err, "failed to unmarshal message")
			}
			existing = append(existing, d.toModel())
		}

		if err := model.ValidateAppend(existing, msgs...); err != nil {
			return goerr.Wrap(err, "failed to append messages", goerr.V(model.ConversationIDKey, id))
		}

		for i, m := range msgs {
			seq := len(existing) + i
			ref := r.messages(id).Doc(fmt.Sprintf("%08d", seq))
			if err := tx.Create(ref, toMessageDoc(seq, m)); err != nil {
				return goerr.Wrap(err, "failed to create message", goerr.V("seq", seq))
			}
		}

		conv.UpdatedAt = now
		conv.Count = len(existing) + len(msgs)
		if err := tx.Set(convRef, &conv); err != nil {
			return goerr.Wrap(err, "failed to update conversation", goerr.V(model.ConversationIDKey, id))
		}
		return nil
	})
}
