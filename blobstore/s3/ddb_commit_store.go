package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hupe1980/fastkv/blobstore"
)

// DDBCommitStore stores blobs in S3 and publishes checkpoints through a
// DynamoDB commit table.
//
// S3 has no compare-and-swap, so two processes checkpointing the same prefix
// could both overwrite CURRENT. Here every write of CURRENT appends the next
// version to the table with a conditional PutItem. The loser of a race gets
// ErrConcurrentModification and the newer checkpoint stays published.
// Reads of CURRENT return the checkpoint named by the highest version.
//
// Table schema:
//   - Partition key: base_uri (string), the S3 location of the store
//   - Sort key: version (number), increasing per commit
//
// Create the table with:
//
//	aws dynamodb create-table \
//	  --table-name fastkv-commits \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=base_uri,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DDBCommitStore struct {
	*Store
	ddb     DDBClient
	table   string
	baseURI string
	now     func() time.Time
}

// DDBClient is the subset of the DynamoDB API the commit store uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// ErrConcurrentModification is returned when another process committed a
// checkpoint between reading and writing the commit version.
var ErrConcurrentModification = errors.New("s3: concurrent checkpoint commit")

// Commit is one entry of the commit table.
type Commit struct {
	Version     uint64
	Checkpoint  string
	CommittedAt time.Time
}

// NewDDBCommitStore wraps an S3 store. baseURI, usually "s3://bucket/prefix",
// partitions the table so stores can share it.
func NewDDBCommitStore(store *Store, ddb DDBClient, table, baseURI string) *DDBCommitStore {
	return &DDBCommitStore{
		Store:   store,
		ddb:     ddb,
		table:   table,
		baseURI: baseURI,
		now:     time.Now,
	}
}

// Open opens a blob. CURRENT is served from the commit table.
func (s *DDBCommitStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if name != blobstore.CurrentName {
		return s.Store.Open(ctx, name)
	}
	c, err := s.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if c.Version == 0 {
		return nil, blobstore.ErrNotFound
	}
	return blobstore.NewBytesBlob([]byte(c.Checkpoint)), nil
}

// Put writes a blob. Writing CURRENT commits the next version.
func (s *DDBCommitStore) Put(ctx context.Context, name string, data []byte) error {
	if name != blobstore.CurrentName {
		return s.Store.Put(ctx, name, data)
	}
	c, err := s.Latest(ctx)
	if err != nil {
		return err
	}
	return s.commit(ctx, c.Version+1, string(data))
}

// Delete removes a blob. The commit history of CURRENT is never deleted.
func (s *DDBCommitStore) Delete(ctx context.Context, name string) error {
	if name == blobstore.CurrentName {
		return nil
	}
	return s.Store.Delete(ctx, name)
}

// Latest returns the newest commit. Version is zero before the first one.
func (s *DDBCommitStore) Latest(ctx context.Context) (Commit, error) {
	resp, err := s.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: s.baseURI},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return Commit{}, fmt.Errorf("s3: query commit table: %w", err)
	}
	if len(resp.Items) == 0 {
		return Commit{}, nil
	}
	return parseCommit(resp.Items[0])
}

func parseCommit(item map[string]types.AttributeValue) (Commit, error) {
	versionAttr, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return Commit{}, errors.New("s3: commit item without version")
	}
	cpAttr, ok := item["checkpoint"].(*types.AttributeValueMemberS)
	if !ok {
		return Commit{}, errors.New("s3: commit item without checkpoint")
	}
	version, err := strconv.ParseUint(versionAttr.Value, 10, 64)
	if err != nil {
		return Commit{}, fmt.Errorf("s3: commit version: %w", err)
	}

	c := Commit{Version: version, Checkpoint: cpAttr.Value}
	if at, ok := item["committed_at"].(*types.AttributeValueMemberS); ok {
		c.CommittedAt, _ = time.Parse(time.RFC3339Nano, at.Value)
	}
	return c, nil
}

func (s *DDBCommitStore) commit(ctx context.Context, version uint64, checkpoint string) error {
	_, err := s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"base_uri":     &types.AttributeValueMemberS{Value: s.baseURI},
			"version":      &types.AttributeValueMemberN{Value: strconv.FormatUint(version, 10)},
			"checkpoint":   &types.AttributeValueMemberS{Value: checkpoint},
			"committed_at": &types.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339Nano)},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrConcurrentModification
		}
		return fmt.Errorf("s3: commit version %d: %w", version, err)
	}
	return nil
}
