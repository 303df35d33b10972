package ddb

import (
	"context"
	"errors"
	"guildsync/internal/types"
	"iter"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbTypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/goccy/go-json"
)

// Store keeps one item per guild (PK=GUILD#<key>, SK=CONFIG). The payload is stored as a JSON
// string so numbers keep their JSON type on the way back.
type Store struct {
	table string
	cli   *dynamodb.Client
}

type documentItem struct {
	PK            string `dynamodbav:"PK"`
	SK            string `dynamodbav:"SK"`
	Key           string `dynamodbav:"key"`
	SchemaVersion int    `dynamodbav:"schema_version"`
	Version       int64  `dynamodbav:"ver"`
	Payload       string `dynamodbav:"payload"`
	LastModified  string `dynamodbav:"last_modified"`
	Deleted       bool   `dynamodbav:"deleted"`
}

// NewStore creates the table if it does not exist yet.
func NewStore(ctx context.Context, table string, cli *dynamodb.Client) (*Store, error) {
	if err := createTableIfNotExists(ctx, cli, table); err != nil {
		return nil, types.Err(types.ErrIOFailure, err, "")
	}
	return &Store{table: table, cli: cli}, nil
}

func (s *Store) Read(ctx context.Context, key types.ConfigKey) (*types.Document, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	out, err := s.cli.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.table,
		ConsistentRead: awsBool(true),
		Key: map[string]ddbTypes.AttributeValue{
			"PK": &ddbTypes.AttributeValueMemberS{Value: pkGuild(key)},
			"SK": &ddbTypes.AttributeValueMemberS{Value: skConfig()},
		},
	})
	if err != nil {
		return nil, types.Err(types.ErrIOFailure, err, "ddb read %s", key)
	}
	if out.Item == nil {
		return nil, types.ErrNotFound
	}
	var item documentItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, types.Err(types.ErrIOFailure, err, "ddb decode %s", key)
	}
	doc, err := item.document()
	if err != nil {
		return nil, types.Err(types.ErrIOFailure, err, "ddb decode %s", key)
	}
	return doc, nil
}

// Write puts the whole item under a version condition: the item must not exist when
// prevVersion is 0, otherwise its ver attribute must equal prevVersion.
func (s *Store) Write(ctx context.Context, doc types.Document, prevVersion int64) error {
	if err := doc.Key.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(doc.Payload)
	if err != nil {
		return types.Err(types.ErrIOFailure, err, "ddb encode %s", doc.Key)
	}
	av, err := attributevalue.MarshalMap(documentItem{
		PK:            pkGuild(doc.Key),
		SK:            skConfig(),
		Key:           string(doc.Key),
		SchemaVersion: doc.SchemaVersion,
		Version:       doc.Version,
		Payload:       string(payload),
		LastModified:  doc.LastModified.UTC().Format(time.RFC3339Nano),
		Deleted:       doc.Deleted,
	})
	if err != nil {
		return types.Err(types.ErrIOFailure, err, "ddb encode %s", doc.Key)
	}

	in := &dynamodb.PutItemInput{
		TableName: &s.table,
		Item:      av,
	}
	if prevVersion == 0 {
		in.ConditionExpression = awsString("attribute_not_exists(PK)")
	} else {
		in.ConditionExpression = awsString("#ver = :prev")
		in.ExpressionAttributeNames = map[string]string{"#ver": "ver"}
		in.ExpressionAttributeValues = map[string]ddbTypes.AttributeValue{
			":prev": &ddbTypes.AttributeValueMemberN{Value: strconv.FormatInt(prevVersion, 10)},
		}
	}
	if _, err = s.cli.PutItem(ctx, in); err != nil {
		var cc *ddbTypes.ConditionalCheckFailedException
		if errors.As(err, &cc) {
			return types.Err(types.ErrPrecondition, nil, "%s: expected version %d", doc.Key, prevVersion)
		}
		return types.Err(types.ErrIOFailure, err, "ddb write %s", doc.Key)
	}
	return nil
}

// ListKeys scans the table page by page, projecting only the partition key.
func (s *Store) ListKeys(ctx context.Context) iter.Seq2[types.ConfigKey, error] {
	return func(yield func(types.ConfigKey, error) bool) {
		p := dynamodb.NewScanPaginator(s.cli, &dynamodb.ScanInput{
			TableName:                 &s.table,
			ProjectionExpression:      awsString("PK"),
			FilterExpression:          awsString("SK = :sk"),
			ExpressionAttributeValues: map[string]ddbTypes.AttributeValue{":sk": &ddbTypes.AttributeValueMemberS{Value: skConfig()}},
		})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				yield("", types.Err(types.ErrIOFailure, err, "ddb scan %s", s.table))
				return
			}
			for _, item := range page.Items {
				var pk struct {
					PK string `dynamodbav:"PK"`
				}
				if err := attributevalue.UnmarshalMap(item, &pk); err != nil {
					yield("", types.Err(types.ErrIOFailure, err, "ddb scan %s", s.table))
					return
				}
				key, err := parseGuildKey(pk.PK)
				if err != nil {
					continue
				}
				if !yield(key, nil) {
					return
				}
			}
		}
	}
}

func (s *Store) Close() error { return nil }

func (it documentItem) document() (*types.Document, error) {
	payload := types.Payload{}
	if it.Payload != "" {
		if err := json.Unmarshal([]byte(it.Payload), &payload); err != nil {
			return nil, err
		}
	}
	var modified time.Time
	if it.LastModified != "" {
		t, err := time.Parse(time.RFC3339Nano, it.LastModified)
		if err != nil {
			return nil, err
		}
		modified = t
	}
	return &types.Document{
		Key:           types.ConfigKey(it.Key),
		SchemaVersion: it.SchemaVersion,
		Version:       it.Version,
		Payload:       payload,
		LastModified:  modified,
		Deleted:       it.Deleted,
	}, nil
}
