package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
	"github.com/secmon-lab/onboarder/pkg/domain/types"
	"go.etcd.io/bbolt"
)

// conversationRepository keeps one nested bucket per conversation with
// messages keyed by a big-endian sequence number.
type conversationRepository struct {
	db *bbolt.DB
}

type messageRecord struct {
	Role       string            `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolCall   *model.ToolCall   `json:"tool_call,omitempty"`
	ToolResult *model.ToolResult `json:"tool_result,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func readMessages(b *bbolt.Bucket) ([]*model.Message, error) {
	var msgs []*model.Message
	err := b.ForEach(func(k, v []byte) error {
		var rec messageRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return goerr.Wrap(err, "failed to decode message")
		}
		msgs = append(msgs, &model.Message{
			Role:       types.MessageRole(rec.Role),
			Content:    rec.Content,
			ToolCall:   rec.ToolCall,
			ToolResult: rec.ToolResult,
			CreatedAt:  rec.CreatedAt,
		})
		return nil
	})
	return msgs, err
}

func (r *conversationRepository) Get(ctx context.Context, id model.ConversationID) (*model.Conversation, error) {
	var conv *model.Conversation
	err := r.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations).Bucket([]byte(id))
		if b == nil {
			return goerr.Wrap(model.ErrConversationNotFound, "conversation not found", goerr.V(model.ConversationIDKey, id))
		}
		msgs, err := readMessages(b)
		if err != nil {
			return goerr.Wrap(err, "failed to read conversation", goerr.V(model.ConversationIDKey, id))
		}
		conv = &model.Conversation{ID: id, Messages: msgs}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (r *conversationRepository) Append(ctx context.Context, id model.ConversationID, msgs ...*model.Message) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketConversations).CreateBucketIfNotExists([]byte(id))
		if err != nil {
			return goerr.Wrap(err, "failed to create conversation bucket", goerr.V(model.ConversationIDKey, id))
		}

		existing, err := readMessages(b)
		if err != nil {
			return goerr.Wrap(err, "failed to read conversation", goerr.V(model.ConversationIDKey, id))
		}
		if err := model.ValidateAppend(existing, msgs...); err != nil {
			return goerr.Wrap(err, "failed to append messages", goerr.V(model.ConversationIDKey, id))
		}

		for _, m := range msgs {
			seq, err := b.NextSequence()
			if err != nil {
				return goerr.Wrap(err, "failed to allocate message sequence")
			}
			data, err := json.Marshal(&messageRecord{
				Role:       m.Role.String(),
				Content:    m.Content,
				ToolCall:   m.ToolCall,
				ToolResult: m.ToolResult,
				CreatedAt:  m.CreatedAt,
			})
			if err != nil {
				return goerr.Wrap(err, "failed to encode message")
			}
			if err := b.Put(seqKey(seq), data); err != nil {
				return goerr.Wrap(err, "failed to put message")
			}
		}
		return nil
	})
}
