// Package dynamodb implements cache.Storage on a single DynamoDB table with
// a string partition key "pk" and a string sort key "sk".
//
// DynamoDB items are limited to 400 KB. Put rejects larger entries with
// cache.ErrEntryTooLarge before calling the service, so large images and
// downloads are served from the network but never cached.
package dynamodb

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/jmgilman/go/errors"

	"github.com/always-cache/offline-cache/cache"
)

// registry is the pk under which partition names are stored.
const registry = "#partitions"

const (
	maxItemSize = 400 * 1024
	// attribute names, seq and stored_at
	itemOverhead = 64
)

// Client is the subset of *dynamodb.Client used by Storage.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Config defines the configuration options for the DynamoDB storage.
type Config struct {
	Table string
}

// Storage keeps every partition as an item collection. Items carry a
// monotonic "seq" attribute; Keys sorts on it, and an overwrite gets a new
// seq which moves the key to the newest position.
type Storage struct {
	client Client
	table  string
	now    func() time.Time
	last   atomic.Int64
}

type item struct {
	PK       string `dynamodbav:"pk"`
	SK       string `dynamodbav:"sk"`
	Seq      int64  `dynamodbav:"seq"`
	StoredAt int64  `dynamodbav:"stored_at,omitempty"`
	Bytes    []byte `dynamodbav:"bytes,omitempty"`
}

// New returns a Storage using the given client and table.
func New(client Client, config *Config) (*Storage, error) {
	if client == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "dynamodb storage: nil client")
	}
	if config == nil || config.Table == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "dynamodb storage: table name required")
	}
	return &Storage{
		client: client,
		table:  config.Table,
		now:    time.Now,
	}, nil
}

// CreateTable creates the table layout Storage expects.
func CreateTable(ctx context.Context, client *dynamodb.Client, table string) error {
	_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("pk"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("sk"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("pk"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("sk"), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	return err
}

// nextSeq returns a strictly increasing sequence number based on the clock.
func (s *Storage) nextSeq() int64 {
	for {
		last := s.last.Load()
		next := s.now().UnixNano()
		if next <= last {
			next = last + 1
		}
		if s.last.CompareAndSwap(last, next) {
			return next
		}
	}
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

func (s *Storage) Open(ctx context.Context, name string) (cache.Partition, error) {
	if err := s.ensure(ctx, name); err != nil {
		return nil, cache.StorageError(err, "open", name)
	}
	return &partition{storage: s, name: name}, nil
}

func (s *Storage) ensure(ctx context.Context, name string) error {
	ok, err := s.exists(ctx, name)
	if err != nil || ok {
		return err
	}
	av, err := attributevalue.MarshalMap(item{PK: registry, SK: name, Seq: s.nextSeq()})
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	})
	return err
}

func (s *Storage) exists(ctx context.Context, name string) (bool, error) {
	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(registry, name),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, err
	}
	return output.Item != nil, nil
}

func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	ok, err := s.exists(ctx, name)
	if err != nil {
		return false, cache.StorageError(err, "has", name)
	}
	return ok, nil
}

func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	items, err := s.query(ctx, name)
	if err != nil {
		return false, cache.StorageError(err, "delete", name)
	}
	for _, it := range items {
		if _, err := s.deleteItem(ctx, name, it.SK); err != nil {
			return false, cache.StorageError(err, "delete", name)
		}
	}
	existed, err := s.deleteItem(ctx, registry, name)
	if err != nil {
		return false, cache.StorageError(err, "delete", name)
	}
	return existed, nil
}

func (s *Storage) Names(ctx context.Context) ([]string, error) {
	items, err := s.query(ctx, registry)
	if err != nil {
		return nil, cache.StorageError(err, "names", "")
	}
	names := make([]string, 0, len(items))
	for _, it := range items {
		names = append(names, it.SK)
	}
	return names, nil
}

func (s *Storage) Close() error {
	return nil
}

func (s *Storage) deleteItem(ctx context.Context, pk, sk string) (bool, error) {
	output, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.table),
		Key:          key(pk, sk),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, err
	}
	return len(output.Attributes) > 0, nil
}

// query returns all items of the collection pk ordered by seq.
func (s *Storage) query(ctx context.Context, pk string) ([]item, error) {
	items := make([]item, 0)
	var start map[string]types.AttributeValue
	for {
		output, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("pk = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: pk},
			},
			ProjectionExpression: aws.String("pk, sk, seq"),
			ConsistentRead:       aws.Bool(true),
			ExclusiveStartKey:    start,
		})
		if err != nil {
			return nil, err
		}
		page := make([]item, 0, len(output.Items))
		if err := attributevalue.UnmarshalListOfMaps(output.Items, &page); err != nil {
			return nil, err
		}
		items = append(items, page...)
		if len(output.LastEvaluatedKey) == 0 {
			break
		}
		start = output.LastEvaluatedKey
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	return items, nil
}

type partition struct {
	storage *Storage
	name    string
}

func (p *partition) Name() string {
	return p.name
}

func (p *partition) Match(ctx context.Context, k string) (cache.Entry, bool, error) {
	entry := cache.Entry{Key: k}
	output, err := p.storage.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(p.storage.table),
		Key:            key(p.name, k),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return entry, false, cache.StorageError(err, "match", p.name)
	}
	if output.Item == nil {
		return entry, false, nil
	}
	var it item
	if err := attributevalue.UnmarshalMap(output.Item, &it); err != nil {
		return entry, false, cache.StorageError(err, "match", p.name)
	}
	entry.StoredAt = time.Unix(0, it.StoredAt)
	entry.Bytes = it.Bytes
	return entry, true, nil
}

func (p *partition) Put(ctx context.Context, entry cache.Entry) error {
	if size := len(p.name) + len(entry.Key) + len(entry.Bytes) + itemOverhead; size > maxItemSize {
		return fmt.Errorf("%w: %d bytes for %s", cache.ErrEntryTooLarge, size, entry.Key)
	}
	if err := p.storage.ensure(ctx, p.name); err != nil {
		return cache.StorageError(err, "put", p.name)
	}
	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = p.storage.now()
	}
	av, err := attributevalue.MarshalMap(item{
		PK:       p.name,
		SK:       entry.Key,
		Seq:      p.storage.nextSeq(),
		StoredAt: storedAt.UnixNano(),
		Bytes:    entry.Bytes,
	})
	if err != nil {
		return cache.StorageError(err, "put", p.name)
	}
	if _, err := p.storage.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(p.storage.table),
		Item:      av,
	}); err != nil {
		return cache.StorageError(err, "put", p.name)
	}
	return nil
}

func (p *partition) Delete(ctx context.Context, k string) (bool, error) {
	existed, err := p.storage.deleteItem(ctx, p.name, k)
	if err != nil {
		return false, cache.StorageError(err, "delete", p.name)
	}
	return existed, nil
}

func (p *partition) Keys(ctx context.Context) ([]string, error) {
	items, err := p.storage.query(ctx, p.name)
	if err != nil {
		return nil, cache.StorageError(err, "keys", p.name)
	}
	keys := make([]string, 0, len(items))
	for _, it := range items {
		keys = append(keys, it.SK)
	}
	return keys, nil
}
