package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"friendhub/internal/domain"
)

const (
	skPrefixMsg = "MSG#"
	skMeta      = "META#"

	// Fixed width so that lexical SK order is chronological order.
	skTimeLayout = "2006-01-02T15:04:05.000000000Z"

	// BatchWriteItem accepts at most 25 requests per call.
	maxBatchWrite     = 25
	maxBatchAttempts  = 5
	attrConversation  = "conversationId"
	attrUpdatedAt     = "updatedAt"
	attrPartitionKey  = "PK"
	attrSortKey       = "SK"
	metaUpdatePrefix  = "SET #updatedAt = :updatedAt, #conversationId = :conversationId"
	msgKeyCondition   = "PK = :pk AND begins_with(SK, :prefix)"
	rangeKeyCondition = "PK = :pk AND SK BETWEEN :lo AND :hi"
)

var reservedMetaAttrs = map[string]bool{
	attrPartitionKey: true,
	attrSortKey:      true,
	attrConversation: true,
	attrUpdatedAt:    true,
}

// dynamodbAPI is the minimal DynamoDB interface required by DynamoMessageStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// messageRecord is the DynamoDB item shape of a message.
type messageRecord struct {
	PK             string         `dynamodbav:"PK"`
	SK             string         `dynamodbav:"SK"`
	ID             string         `dynamodbav:"id"`
	ConversationID string         `dynamodbav:"conversationId"`
	Payload        map[string]any `dynamodbav:"payload"`
	CreatedAt      time.Time      `dynamodbav:"createdAt"`
}

// DynamoMessageStore keeps conversations in a single DynamoDB table: one META#
// item per conversation plus one MSG# item per message, all under CONV#<id>.
type DynamoMessageStore struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
	backoff   time.Duration
}

// NewDynamoMessageStore creates the durable message store.
func NewDynamoMessageStore(api dynamodbAPI, tableName string) (*DynamoMessageStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoMessageStore{
		api:       api,
		tableName: tableName,
		now:       time.Now,
		backoff:   50 * time.Millisecond,
	}, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// msgSK returns the sort key for a message created at ts.
func msgSK(ts time.Time, id string) string {
	return skPrefixMsg + ts.UTC().Format(skTimeLayout) + "#" + id
}

// SaveMessage appends a message with a server-assigned id and timestamp.
func (c *DynamoMessageStore) SaveMessage(ctx context.Context, conversationID string, payload map[string]any) (domain.Message, error) {
	msg := domain.Message{
		ID:             newID(),
		ConversationID: conversationID,
		Payload:        payload,
		CreatedAt:      c.now().UTC(),
	}
	item, err := attributevalue.MarshalMap(messageRecord{
		PK:             convPK(conversationID),
		SK:             msgSK(msg.CreatedAt, msg.ID),
		ID:             msg.ID,
		ConversationID: conversationID,
		Payload:        payload,
		CreatedAt:      msg.CreatedAt,
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: SaveMessage marshal: %w", err)
	}

	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: SaveMessage: %w", err)
	}
	return msg, nil
}

// GetMessages returns up to limit of the most recent messages, oldest first.
func (c *DynamoMessageStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, errInvalidLimit
	}

	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String(msgKeyCondition),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Read newest first so LIMIT keeps the most recent messages.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetMessages query: %w", err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: GetMessages unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SaveConversationMetadata upserts the META# item. Each metadata key is a
// top-level attribute, so keys not mentioned in metadata are kept.
func (c *DynamoMessageStore) SaveConversationMetadata(ctx context.Context, conversationID string, metadata map[string]any) error {
	names := map[string]string{
		"#updatedAt":      attrUpdatedAt,
		"#conversationId": attrConversation,
	}
	values := map[string]types.AttributeValue{
		":updatedAt":      &types.AttributeValueMemberS{Value: c.now().UTC().Format(time.RFC3339Nano)},
		":conversationId": &types.AttributeValueMemberS{Value: conversationID},
	}

	if err := checkMetadataKeys(metadata); err != nil {
		return err
	}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var expr strings.Builder
	expr.WriteString(metaUpdatePrefix)
	for i, k := range keys {
		av, err := attributevalue.Marshal(metadata[k])
		if err != nil {
			return fmt.Errorf("repository: SaveConversationMetadata marshal %q: %w", k, err)
		}
		name := fmt.Sprintf("#k%d", i)
		value := fmt.Sprintf(":v%d", i)
		names[name] = k
		values[value] = av
		fmt.Fprintf(&expr, ", %s = %s", name, value)
	}

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       metaKey(conversationID),
		UpdateExpression:          aws.String(expr.String()),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("repository: SaveConversationMetadata: %w", err)
	}
	return nil
}

// GetConversationMetadata returns ErrNotFound when no META# item exists.
func (c *DynamoMessageStore) GetConversationMetadata(ctx context.Context, conversationID string) (domain.ConversationMeta, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            metaKey(conversationID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ConversationMeta{}, fmt.Errorf("repository: GetConversationMetadata get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ConversationMeta{}, ErrNotFound
	}

	meta := domain.ConversationMeta{ConversationID: conversationID, Metadata: map[string]any{}}
	if raw, err := strAttr(out.Item, attrUpdatedAt); err == nil {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return domain.ConversationMeta{}, fmt.Errorf("repository: GetConversationMetadata decode updatedAt: %w", err)
		}
		meta.UpdatedAt = ts
	}

	rest := make(map[string]types.AttributeValue, len(out.Item))
	for k, v := range out.Item {
		if !reservedMetaAttrs[k] {
			rest[k] = v
		}
	}
	if err := attributevalue.UnmarshalMap(rest, &meta.Metadata); err != nil {
		return domain.ConversationMeta{}, fmt.Errorf("repository: GetConversationMetadata unmarshal: %w", err)
	}
	return meta, nil
}

// DeleteConversation removes every item of the conversation partition.
// Messages are deleted before the META# item so a partial failure leaves the
// conversation discoverable for a retry.
func (c *DynamoMessageStore) DeleteConversation(ctx context.Context, conversationID string) error {
	keys, err := c.queryKeys(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: convPK(conversationID)},
		},
		ProjectionExpression: aws.String("PK, SK"),
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteConversation: %w", err)
	}

	sort.SliceStable(keys, func(i, j int) bool {
		return !isMetaKey(keys[i]) && isMetaKey(keys[j])
	})
	if err := c.batchDelete(ctx, keys); err != nil {
		return fmt.Errorf("repository: DeleteConversation: %w", err)
	}
	return nil
}

// ArchiveOldMessages deletes messages created strictly before olderThan.
func (c *DynamoMessageStore) ArchiveOldMessages(ctx context.Context, conversationID string, olderThan time.Time) (int, error) {
	keys, err := c.queryKeys(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String(rangeKeyCondition),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":lo": &types.AttributeValueMemberS{Value: skPrefixMsg},
			// A message created exactly at olderThan sorts after this bound
			// because of its "#<id>" suffix, so it is kept.
			":hi": &types.AttributeValueMemberS{Value: skPrefixMsg + olderThan.UTC().Format(skTimeLayout)},
		},
		ProjectionExpression: aws.String("PK, SK"),
	})
	if err != nil {
		return 0, fmt.Errorf("repository: ArchiveOldMessages: %w", err)
	}
	if err := c.batchDelete(ctx, keys); err != nil {
		return 0, fmt.Errorf("repository: ArchiveOldMessages: %w", err)
	}
	return len(keys), nil
}

func (c *DynamoMessageStore) queryKeys(ctx context.Context, in *dynamodb.QueryInput) ([]map[string]types.AttributeValue, error) {
	var keys []map[string]types.AttributeValue
	p := dynamodb.NewQueryPaginator(c.api, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query: %w", err)
		}
		for _, item := range page.Items {
			keys = append(keys, map[string]types.AttributeValue{
				attrPartitionKey: item[attrPartitionKey],
				attrSortKey:      item[attrSortKey],
			})
		}
	}
	return keys, nil
}

// batchDelete deletes keys in chunks, resubmitting unprocessed items a
// bounded number of times.
func (c *DynamoMessageStore) batchDelete(ctx context.Context, keys []map[string]types.AttributeValue) error {
	for start := 0; start < len(keys); start += maxBatchWrite {
		end := min(start+maxBatchWrite, len(keys))
		pending := make([]types.WriteRequest, 0, end-start)
		for _, key := range keys[start:end] {
			pending = append(pending, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: key}})
		}

		for attempt := 1; len(pending) > 0; attempt++ {
			if attempt > maxBatchAttempts {
				return fmt.Errorf("batch write: %d items still unprocessed after %d attempts", len(pending), maxBatchAttempts)
			}
			if attempt > 1 && c.backoff > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Duration(attempt-1) * c.backoff):
				}
			}
			out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]types.WriteRequest{c.tableName: pending},
			})
			if err != nil {
				return fmt.Errorf("batch write: %w", err)
			}
			pending = nil
			if out != nil {
				pending = out.UnprocessedItems[c.tableName]
			}
		}
	}
	return nil
}

func metaKey(conversationID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPartitionKey: &types.AttributeValueMemberS{Value: convPK(conversationID)},
		attrSortKey:      &types.AttributeValueMemberS{Value: skMeta},
	}
}

func isMetaKey(key map[string]types.AttributeValue) bool {
	sk, ok := key[attrSortKey].(*types.AttributeValueMemberS)
	return ok && sk.Value == skMeta
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	if _, err := strAttr(item, "id"); err != nil {
		return domain.Message{}, err
	}
	var rec messageRecord
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ID:             rec.ID,
		ConversationID: rec.ConversationID,
		Payload:        rec.Payload,
		CreatedAt:      rec.CreatedAt,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}
