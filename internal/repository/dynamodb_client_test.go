package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

type fakeDynamo struct {
	getOut      *dynamodb.GetItemOutput
	getErr      error
	putErr      error
	updateErr   error
	queryPages  []*dynamodb.QueryOutput
	queryErr    error
	batchOuts   []*dynamodb.BatchWriteItemOutput
	batchErr    error
	queryCalls  int
	lastGetIn   *dynamodb.GetItemInput
	lastPutIn   *dynamodb.PutItemInput
	lastUpdate  *dynamodb.UpdateItemInput
	queryInputs []*dynamodb.QueryInput
	batchInputs []*dynamodb.BatchWriteItemInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetIn = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutIn = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdate = in
	return &dynamodb.UpdateItemOutput{}, f.updateErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queryInputs = append(f.queryInputs, in)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.queryPages) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	idx := min(f.queryCalls, len(f.queryPages)-1)
	f.queryCalls++
	return f.queryPages[idx], nil
}

func (f *fakeDynamo) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.batchInputs = append(f.batchInputs, in)
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	if len(f.batchOuts) == 0 {
		return &dynamodb.BatchWriteItemOutput{}, nil
	}
	idx := min(len(f.batchInputs)-1, len(f.batchOuts)-1)
	return f.batchOuts[idx], nil
}

var fixedNow = time.Date(2026, 2, 27, 12, 0, 0, 0, time.UTC)

func mustNewStore(t *testing.T, db *fakeDynamo) *DynamoMessageStore {
	t.Helper()
	s, err := NewDynamoMessageStore(db, "test-table")
	require.NoError(t, err)
	s.now = func() time.Time { return fixedNow }
	s.backoff = 0
	return s
}

func makeMessageItem(t *testing.T, convID, id string, ts time.Time, text string) map[string]types.AttributeValue {
	t.Helper()
	item, err := attributevalue.MarshalMap(messageRecord{
		PK:             convPK(convID),
		SK:             msgSK(ts, id),
		ID:             id,
		ConversationID: convID,
		Payload:        map[string]any{"text": text},
		CreatedAt:      ts,
	})
	require.NoError(t, err)
	return item
}

func keyItem(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func TestNewDynamoMessageStore_NilAPI(t *testing.T) {
	_, err := NewDynamoMessageStore(nil, "test-table")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestNewDynamoMessageStore_EmptyTableName(t *testing.T) {
	_, err := NewDynamoMessageStore(&fakeDynamo{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}

func TestSaveMessage_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)

	msg, err := s.SaveMessage(context.Background(), "abc", map[string]any{"text": "hi"})
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)
	require.Equal(t, "abc", msg.ConversationID)
	require.Equal(t, fixedNow, msg.CreatedAt)

	item := db.lastPutIn.Item
	require.Equal(t, "CONV#abc", item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, msgSK(fixedNow, msg.ID), item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *db.lastPutIn.ConditionExpression)

	payload := item["payload"].(*types.AttributeValueMemberM).Value
	require.Equal(t, "hi", payload["text"].(*types.AttributeValueMemberS).Value)
}

func TestSaveMessage_DynamoError(t *testing.T) {
	db := &fakeDynamo{putErr: errors.New("ProvisionedThroughputExceededException")}
	s := mustNewStore(t, db)
	_, err := s.SaveMessage(context.Background(), "abc", map[string]any{"text": "hi"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "SaveMessage")
}

func TestGetMessages_ReordersDescendingResultsToChronological(t *testing.T) {
	db := &fakeDynamo{queryPages: []*dynamodb.QueryOutput{{
		Items: []map[string]types.AttributeValue{
			makeMessageItem(t, "abc", "m2", fixedNow.Add(time.Minute), "newer"),
			makeMessageItem(t, "abc", "m1", fixedNow, "older"),
		},
	}}}
	s := mustNewStore(t, db)

	msgs, err := s.GetMessages(context.Background(), "abc", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "older", msgs[0].Payload["text"])
	require.Equal(t, "newer", msgs[1].Payload["text"])
	require.False(t, msgs[1].CreatedAt.Before(msgs[0].CreatedAt))
}

func TestGetMessages_QueryShape(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)
	_, err := s.GetMessages(context.Background(), "abc", 50)
	require.NoError(t, err)

	in := db.queryInputs[0]
	require.Equal(t, msgKeyCondition, *in.KeyConditionExpression)
	require.False(t, *in.ScanIndexForward)
	require.Equal(t, int32(50), *in.Limit)
	require.Equal(t, "CONV#abc", in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value)
}

func TestGetMessages_EmptyResult(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{})
	msgs, err := s.GetMessages(context.Background(), "abc", 20)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestGetMessages_InvalidLimit(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{})
	_, err := s.GetMessages(context.Background(), "abc", 0)
	require.ErrorIs(t, err, errInvalidLimit)
}

func TestGetMessages_QueryError(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{queryErr: errors.New("ResourceNotFoundException")})
	_, err := s.GetMessages(context.Background(), "abc", 20)
	require.Error(t, err)
	require.Contains(t, err.Error(), "GetMessages")
}

func TestGetMessages_MalformedItem(t *testing.T) {
	db := &fakeDynamo{queryPages: []*dynamodb.QueryOutput{{
		Items: []map[string]types.AttributeValue{keyItem("CONV#abc", "MSG#ts")},
	}}}
	s := mustNewStore(t, db)
	_, err := s.GetMessages(context.Background(), "abc", 20)
	require.Error(t, err)
	require.Contains(t, err.Error(), `"id"`)
}

func TestSaveConversationMetadata_BuildsMergeUpdate(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)

	err := s.SaveConversationMetadata(context.Background(), "abc", map[string]any{
		"title":        "Weekend plans",
		"participants": []any{"u1", "u2"},
	})
	require.NoError(t, err)

	in := db.lastUpdate
	require.Equal(t, "CONV#abc", in.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, skMeta, in.Key["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, metaUpdatePrefix+", #k0 = :v0, #k1 = :v1", *in.UpdateExpression)
	require.Equal(t, "participants", in.ExpressionAttributeNames["#k0"])
	require.Equal(t, "title", in.ExpressionAttributeNames["#k1"])
	require.Equal(t, "Weekend plans", in.ExpressionAttributeValues[":v1"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, fixedNow.Format(time.RFC3339Nano), in.ExpressionAttributeValues[":updatedAt"].(*types.AttributeValueMemberS).Value)
}

func TestSaveConversationMetadata_ReservedKey(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)
	err := s.SaveConversationMetadata(context.Background(), "abc", map[string]any{"PK": "x"})
	require.ErrorIs(t, err, ErrReservedKey)
	require.Contains(t, err.Error(), `"PK"`)
	require.Nil(t, db.lastUpdate)
}

func TestSaveConversationMetadata_DynamoError(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{updateErr: errors.New("internal server error")})
	err := s.SaveConversationMetadata(context.Background(), "abc", map[string]any{"title": "x"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "SaveConversationMetadata")
}

func TestGetConversationMetadata_HappyPath(t *testing.T) {
	item := keyItem("CONV#abc", skMeta)
	item["conversationId"] = &types.AttributeValueMemberS{Value: "abc"}
	item["updatedAt"] = &types.AttributeValueMemberS{Value: fixedNow.Format(time.RFC3339Nano)}
	item["title"] = &types.AttributeValueMemberS{Value: "Weekend plans"}
	item["unread"] = &types.AttributeValueMemberN{Value: "3"}
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}}
	s := mustNewStore(t, db)

	meta, err := s.GetConversationMetadata(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, "abc", meta.ConversationID)
	require.True(t, fixedNow.Equal(meta.UpdatedAt))
	require.Equal(t, map[string]any{"title": "Weekend plans", "unread": float64(3)}, meta.Metadata)
	require.True(t, *db.lastGetIn.ConsistentRead)
}

func TestGetConversationMetadata_NotFound(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	_, err := s.GetConversationMetadata(context.Background(), "abc")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetConversationMetadata_GetItemError(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{getErr: errors.New("boom")})
	_, err := s.GetConversationMetadata(context.Background(), "abc")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
	require.Contains(t, err.Error(), "GetConversationMetadata")
}

func TestDeleteConversation_PaginatesAndDeletesMetaLast(t *testing.T) {
	page1 := &dynamodb.QueryOutput{
		Items: []map[string]types.AttributeValue{
			keyItem("CONV#abc", skMeta),
			keyItem("CONV#abc", msgSK(fixedNow, "m1")),
		},
		LastEvaluatedKey: keyItem("CONV#abc", msgSK(fixedNow, "m1")),
	}
	page2 := &dynamodb.QueryOutput{
		Items: []map[string]types.AttributeValue{keyItem("CONV#abc", msgSK(fixedNow.Add(time.Second), "m2"))},
	}
	db := &fakeDynamo{queryPages: []*dynamodb.QueryOutput{page1, page2}}
	s := mustNewStore(t, db)

	require.NoError(t, s.DeleteConversation(context.Background(), "abc"))
	require.Len(t, db.queryInputs, 2)
	require.Len(t, db.batchInputs, 1)

	reqs := db.batchInputs[0].RequestItems["test-table"]
	require.Len(t, reqs, 3)
	last := reqs[len(reqs)-1].DeleteRequest.Key["SK"].(*types.AttributeValueMemberS).Value
	require.Equal(t, skMeta, last)
}

func TestDeleteConversation_ChunksBatches(t *testing.T) {
	items := make([]map[string]types.AttributeValue, 0, 30)
	for i := 0; i < 30; i++ {
		items = append(items, keyItem("CONV#abc", msgSK(fixedNow, fmt.Sprintf("m%02d", i))))
	}
	db := &fakeDynamo{queryPages: []*dynamodb.QueryOutput{{Items: items}}}
	s := mustNewStore(t, db)

	require.NoError(t, s.DeleteConversation(context.Background(), "abc"))
	require.Len(t, db.batchInputs, 2)
	require.Len(t, db.batchInputs[0].RequestItems["test-table"], maxBatchWrite)
	require.Len(t, db.batchInputs[1].RequestItems["test-table"], 5)
}

func TestDeleteConversation_RetriesUnprocessedItems(t *testing.T) {
	unprocessed := []types.WriteRequest{{DeleteRequest: &types.DeleteRequest{Key: keyItem("CONV#abc", skMeta)}}}
	db := &fakeDynamo{
		queryPages: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{keyItem("CONV#abc", skMeta)}}},
		batchOuts: []*dynamodb.BatchWriteItemOutput{
			{UnprocessedItems: map[string][]types.WriteRequest{"test-table": unprocessed}},
			{},
		},
	}
	s := mustNewStore(t, db)

	require.NoError(t, s.DeleteConversation(context.Background(), "abc"))
	require.Len(t, db.batchInputs, 2)
}

func TestDeleteConversation_GivesUpOnPersistentUnprocessedItems(t *testing.T) {
	unprocessed := []types.WriteRequest{{DeleteRequest: &types.DeleteRequest{Key: keyItem("CONV#abc", skMeta)}}}
	db := &fakeDynamo{
		queryPages: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{keyItem("CONV#abc", skMeta)}}},
		batchOuts: []*dynamodb.BatchWriteItemOutput{
			{UnprocessedItems: map[string][]types.WriteRequest{"test-table": unprocessed}},
		},
	}
	s := mustNewStore(t, db)

	err := s.DeleteConversation(context.Background(), "abc")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unprocessed")
	require.Len(t, db.batchInputs, maxBatchAttempts)
}

func TestDeleteConversation_NothingToDelete(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)
	require.NoError(t, s.DeleteConversation(context.Background(), "abc"))
	require.Empty(t, db.batchInputs)
}

func TestDeleteConversation_BatchError(t *testing.T) {
	db := &fakeDynamo{
		queryPages: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{keyItem("CONV#abc", skMeta)}}},
		batchErr:   errors.New("boom"),
	}
	s := mustNewStore(t, db)
	err := s.DeleteConversation(context.Background(), "abc")
	require.Error(t, err)
	require.Contains(t, err.Error(), "DeleteConversation")
}

func TestArchiveOldMessages_QueriesRangeAndCounts(t *testing.T) {
	cutoff := fixedNow.Add(-30 * 24 * time.Hour)
	db := &fakeDynamo{queryPages: []*dynamodb.QueryOutput{{
		Items: []map[string]types.AttributeValue{
			keyItem("CONV#abc", msgSK(cutoff.Add(-2*time.Hour), "m1")),
			keyItem("CONV#abc", msgSK(cutoff.Add(-time.Hour), "m2")),
		},
	}}}
	s := mustNewStore(t, db)

	n, err := s.ArchiveOldMessages(context.Background(), "abc", cutoff)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	in := db.queryInputs[0]
	require.Equal(t, rangeKeyCondition, *in.KeyConditionExpression)
	require.Equal(t, skPrefixMsg, in.ExpressionAttributeValues[":lo"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, skPrefixMsg+cutoff.Format(skTimeLayout), in.ExpressionAttributeValues[":hi"].(*types.AttributeValueMemberS).Value)
	require.Len(t, db.batchInputs[0].RequestItems["test-table"], 2)
}

func TestArchiveOldMessages_QueryError(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{queryErr: errors.New("boom")})
	n, err := s.ArchiveOldMessages(context.Background(), "abc", fixedNow)
	require.Error(t, err)
	require.Zero(t, n)
	require.Contains(t, err.Error(), "ArchiveOldMessages")
}

func TestMsgSK_SortsChronologically(t *testing.T) {
	base := time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)
	times := []time.Time{
		base.Add(time.Second),
		base,
		base.Add(100 * time.Millisecond),
		base.Add(time.Nanosecond),
		base.Add(-time.Hour),
	}
	keys := make([]string, 0, len(times))
	for _, ts := range times {
		keys = append(keys, msgSK(ts, "id"))
	}
	sort.Strings(keys)
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	for i, ts := range times {
		require.Equal(t, msgSK(ts, "id"), keys[i])
	}
}

func TestMsgSK_CutoffBoundKeepsMessageAtCutoff(t *testing.T) {
	ts := time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)
	bound := skPrefixMsg + ts.Format(skTimeLayout)
	require.Greater(t, msgSK(ts, "id"), bound)
	require.Less(t, msgSK(ts.Add(-time.Nanosecond), "id"), bound)
}

func TestConvPK(t *testing.T) {
	require.Equal(t, "CONV#my-conv", convPK("my-conv"))
}
