package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewMessageStore_SelectsVariant(t *testing.T) {
	s, err := NewMessageStore(BackendDynamoDB, &fakeDynamo{}, "messages", nil)
	require.NoError(t, err)
	require.IsType(t, &DynamoMessageStore{}, s)

	s, err = NewMessageStore(BackendMemory, nil, "", nil)
	require.NoError(t, err)
	require.IsType(t, &MemoryMessageStore{}, s)

	_, err = NewMessageStore("firestore", nil, "", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown message backend")
}

func TestNewMessageStore_DynamoRequiresTable(t *testing.T) {
	_, err := NewMessageStore(BackendDynamoDB, &fakeDynamo{}, "", nil)
	require.Error(t, err)
}

func TestNewStoryStore_SelectsVariant(t *testing.T) {
	s, err := NewStoryStore(BackendMemory, nil, nil)
	require.NoError(t, err)
	require.IsType(t, &MemoryStoryStore{}, s)

	_, err = NewStoryStore(BackendPostgres, nil, nil)
	require.Error(t, err)

	_, err = NewStoryStore("mysql", nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown story backend")
}

func TestMessageStores_RejectSameReservedKeys(t *testing.T) {
	dynamo := &fakeDynamo{}
	stores := map[string]MessageStore{
		"memory":   NewMemoryMessageStore(),
		"dynamodb": mustNewStore(t, dynamo),
	}
	inputs := []map[string]any{
		{"updatedAt": "x", "PK": "y"},
		{"SK": "z"},
		{"conversationId": "other", "title": "ok"},
	}

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, in := range inputs {
				require.ErrorIs(t, s.SaveConversationMetadata(ctx, "abc", in), ErrReservedKey)
			}
			require.NoError(t, s.SaveConversationMetadata(ctx, "abc", map[string]any{"title": "Trip"}))
		})
	}
	require.NotNil(t, dynamo.lastUpdate)
	require.NotContains(t, dynamo.lastUpdate.ExpressionAttributeNames, "PK")

	_, err := stores["memory"].GetConversationMetadata(context.Background(), "abc")
	require.NoError(t, err)
}

func TestCheckMetadataKeys_ReportsFirstSortedKey(t *testing.T) {
	err := checkMetadataKeys(map[string]any{"updatedAt": 1, "PK": 2, "title": 3})
	require.ErrorIs(t, err, ErrReservedKey)
	require.Contains(t, err.Error(), `"PK"`)
	require.NoError(t, checkMetadataKeys(nil))
}
