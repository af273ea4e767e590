package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"welfare-agent/internal/domain"
)

const (
	skMeta            = "META#"
	skPrefixMsg       = "MSG#"
	skPrefixUserCtx   = "UCTX#"
	defaultTurnTTL    = 30 * 24 * time.Hour
	defaultContextTTL = 7 * 24 * time.Hour

	// Fixed width so that lexical SK order is chronological.
	sortableTime = "2006-01-02T15:04:05.000000Z"
	// TransactWriteItems accepts at most 100 actions.
	maxTransactItems = 100
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoStore keeps everything for a thread in one partition:
//
//	PK=CONV#<thread>  SK=META#                 thread record
//	PK=CONV#<thread>  SK=MSG#<time>#<turn id>  turns
//	PK=CONV#<thread>  SK=UCTX#<user>           cached user context
//
// Retention is enforced by the table's TTL attribute "ttl", so Sweep is a
// no-op here.
type DynamoStore struct {
	api        dynamodbAPI
	tableName  string
	turnTTL    time.Duration
	contextTTL time.Duration
	now        func() time.Time
}

type DynamoOption func(*DynamoStore)

// WithTTL sets how long turns and user contexts live before DynamoDB expires them.
func WithTTL(turns, contexts time.Duration) DynamoOption {
	return func(s *DynamoStore) {
		if turns > 0 {
			s.turnTTL = turns
		}
		if contexts > 0 {
			s.contextTTL = contexts
		}
	}
}

func NewDynamoStore(api dynamodbAPI, tableName string, opts ...DynamoOption) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	s := &DynamoStore{
		api:        api,
		tableName:  tableName,
		turnTTL:    defaultTurnTTL,
		contextTTL: defaultContextTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// convPK returns the DynamoDB partition key for a thread.
func convPK(threadID string) string {
	return "CONV#" + threadID
}

func msgSK(t domain.Turn) string {
	return skPrefixMsg + t.CreatedAt.UTC().Format(sortableTime) + "#" + t.ID
}

func (s *DynamoStore) ttl(d time.Duration) string {
	return strconv.FormatInt(s.now().Add(d).Unix(), 10)
}

func (s *DynamoStore) CreateThread(ctx context.Context, t domain.Thread) error {
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: convPK(t.ID)},
			"SK":        &types.AttributeValueMemberS{Value: skMeta},
			"threadId":  &types.AttributeValueMemberS{Value: t.ID},
			"createdAt": &types.AttributeValueMemberS{Value: t.CreatedAt.UTC().Format(time.RFC3339Nano)},
			"ttl":       &types.AttributeValueMemberN{Value: s.ttl(s.turnTTL)},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var cond *types.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return ErrThreadExists
		}
		return fmt.Errorf("repository: CreateThread: %w", err)
	}
	return nil
}

func (s *DynamoStore) ThreadExists(ctx context.Context, threadID string) (bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(threadID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead:       aws.Bool(true),
		ProjectionExpression: aws.String("PK"),
	})
	if err != nil {
		return false, fmt.Errorf("repository: ThreadExists get item: %w", err)
	}
	return out != nil && len(out.Item) > 0, nil
}

// RecentTurns reads newest first so the limit keeps the latest context,
// then returns them oldest first.
func (s *DynamoStore) RecentTurns(ctx context.Context, threadID string, limit int) ([]domain.Turn, error) {
	in := s.turnQuery(threadID)
	in.ScanIndexForward = aws.Bool(false)
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}
	out, err := s.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: RecentTurns query: %w", err)
	}
	turns, err := itemsToTurns(out.Items)
	if err != nil {
		return nil, fmt.Errorf("repository: RecentTurns unmarshal: %w", err)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// ListTurns pages through the whole partition; threads are short enough
// that slicing in memory is cheaper than a second count query.
func (s *DynamoStore) ListTurns(ctx context.Context, threadID string, limit, offset int) ([]domain.Turn, int, error) {
	var all []domain.Turn
	in := s.turnQuery(threadID)
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, 0, fmt.Errorf("repository: ListTurns query: %w", err)
		}
		turns, err := itemsToTurns(out.Items)
		if err != nil {
			return nil, 0, fmt.Errorf("repository: ListTurns unmarshal: %w", err)
		}
		all = append(all, turns...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return page(all, limit, offset), len(all), nil
}

func (s *DynamoStore) turnQuery(threadID string) *dynamodb.QueryInput {
	return &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(threadID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ConsistentRead: aws.Bool(true),
	}
}

// AppendTurns writes all turns in one transaction so a question is never
// stored without its answer.
func (s *DynamoStore) AppendTurns(ctx context.Context, turns ...domain.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	if err := validTurns(turns); err != nil {
		return err
	}
	if len(turns) > maxTransactItems {
		return fmt.Errorf("repository: AppendTurns: at most %d turns per call", maxTransactItems)
	}
	items := make([]types.TransactWriteItem, 0, len(turns))
	for _, t := range turns {
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(s.tableName),
				Item:                s.turnItem(t),
				ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
			},
		})
	}
	if _, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return fmt.Errorf("repository: AppendTurns: %w", err)
	}
	return nil
}

func (s *DynamoStore) GetUserContext(ctx context.Context, threadID, userID string) (*domain.UserContext, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(threadID)},
			"SK": &types.AttributeValueMemberS{Value: skPrefixUserCtx + userID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetUserContext get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	raw, err := strAttr(out.Item, "data")
	if err != nil {
		return nil, fmt.Errorf("repository: GetUserContext: %w", err)
	}
	var uc domain.UserContext
	if err := json.Unmarshal([]byte(raw), &uc); err != nil {
		return nil, fmt.Errorf("repository: GetUserContext decode: %w", err)
	}
	return &uc, nil
}

func (s *DynamoStore) UpsertUserContext(ctx context.Context, uc domain.UserContext) error {
	raw, err := json.Marshal(uc)
	if err != nil {
		return fmt.Errorf("repository: UpsertUserContext encode: %w", err)
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: convPK(uc.ThreadID)},
			"SK":        &types.AttributeValueMemberS{Value: skPrefixUserCtx + uc.UserID},
			"data":      &types.AttributeValueMemberS{Value: string(raw)},
			"fetchedAt": &types.AttributeValueMemberS{Value: uc.FetchedAt.UTC().Format(time.RFC3339Nano)},
			"ttl":       &types.AttributeValueMemberN{Value: s.ttl(s.contextTTL)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: UpsertUserContext: %w", err)
	}
	return nil
}

// Sweep does nothing: the table's TTL already expires old items.
func (s *DynamoStore) Sweep(context.Context, time.Time, time.Time) (SweepResult, error) {
	return SweepResult{}, nil
}

func (s *DynamoStore) Ping(ctx context.Context) error {
	out, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.tableName)})
	if err != nil {
		return fmt.Errorf("repository: describe table: %w", err)
	}
	if out.Table != nil && out.Table.TableStatus != types.TableStatusActive && out.Table.TableStatus != types.TableStatusUpdating {
		return fmt.Errorf("repository: table %s is %s", s.tableName, out.Table.TableStatus)
	}
	return nil
}

func (s *DynamoStore) Close() error { return nil }

func (s *DynamoStore) turnItem(t domain.Turn) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: convPK(t.ThreadID)},
		"SK":        &types.AttributeValueMemberS{Value: msgSK(t)},
		"turnId":    &types.AttributeValueMemberS{Value: t.ID},
		"threadId":  &types.AttributeValueMemberS{Value: t.ThreadID},
		"role":      &types.AttributeValueMemberS{Value: t.Role},
		"content":   &types.AttributeValueMemberS{Value: t.Content},
		"createdAt": &types.AttributeValueMemberS{Value: t.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":       &types.AttributeValueMemberN{Value: s.ttl(s.turnTTL)},
	}
	if t.UserID != "" {
		item["userId"] = &types.AttributeValueMemberS{Value: t.UserID}
	}
	if t.Language != "" {
		item["language"] = &types.AttributeValueMemberS{Value: t.Language}
	}
	return item
}

func itemsToTurns(items []map[string]types.AttributeValue) ([]domain.Turn, error) {
	turns := make([]domain.Turn, 0, len(items))
	for _, item := range items {
		t, err := itemToTurn(item)
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	id, err := strAttr(item, "turnId")
	if err != nil {
		return domain.Turn{}, err
	}
	threadID, err := strAttr(item, "threadId")
	if err != nil {
		return domain.Turn{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Turn{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Turn{}, err
	}
	created, err := strAttr(item, "createdAt")
	if err != nil {
		return domain.Turn{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: parse createdAt: %w", err)
	}
	userID, _ := strAttr(item, "userId")     // optional
	language, _ := strAttr(item, "language") // optional

	return domain.Turn{
		ID:        id,
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		UserID:    userID,
		Language:  language,
		CreatedAt: ts,
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

var _ Store = (*DynamoStore)(nil)
