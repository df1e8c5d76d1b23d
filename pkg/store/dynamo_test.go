package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpost-run/outpost/pkg/errdefs"
	"github.com/outpost-run/outpost/pkg/types"
)

// fakeDynamo implements DynamoAPI with pluggable behavior per call.
type fakeDynamo struct {
	putItem    func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error)
	getItem    func(*dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error)
	updateItem func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error)
	query      func(*dynamodb.QueryInput) (*dynamodb.QueryOutput, error)
	scan       func(*dynamodb.ScanInput) (*dynamodb.ScanOutput, error)
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	return f.putItem(in)
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return f.getItem(in)
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	return f.updateItem(in)
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	return f.query(in)
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	return f.scan(in)
}

func testConfig() DynamoConfig {
	return DynamoConfig{
		DispatchTable:    "outpost-dispatches",
		IdempotencyTable: "outpost-idempotency",
		TaskARNIndex:     "task-arn-index",
		UserIndex:        "user-started-index",
	}
}

func TestIdempotencyPK(t *testing.T) {
	assert.Equal(t, "user-1#retry-abc", idempotencyPK("user-1", "retry-abc"))
}

func TestDynamoCreateConditional(t *testing.T) {
	t.Run("put carries existence guard", func(t *testing.T) {
		var captured *dynamodb.PutItemInput
		fake := &fakeDynamo{
			putItem: func(in *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
				captured = in
				return &dynamodb.PutItemOutput{}, nil
			},
		}
		s := NewDynamoStore(fake, testConfig())

		require.NoError(t, s.Create(context.Background(), newDispatch("d-1", "user-1")))
		require.NotNil(t, captured)
		assert.Equal(t, "attribute_not_exists(dispatch_id)", *captured.ConditionExpression)
		assert.Equal(t, "outpost-dispatches", *captured.TableName)
	})

	t.Run("condition failure maps to conflict", func(t *testing.T) {
		fake := &fakeDynamo{
			putItem: func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
				return nil, &ddbtypes.ConditionalCheckFailedException{}
			},
		}
		s := NewDynamoStore(fake, testConfig())

		err := s.Create(context.Background(), newDispatch("d-1", "user-1"))
		assert.True(t, errdefs.IsConflict(err))
	})
}

func TestDynamoCreateIdempotencyMap(t *testing.T) {
	d := newDispatch("d-1", "user-1")
	d.IdempotencyKey = "retry-abc"

	t.Run("best effort degrades to success", func(t *testing.T) {
		calls := 0
		fake := &fakeDynamo{
			putItem: func(in *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
				calls++
				if *in.TableName == "outpost-idempotency" {
					return nil, errors.New("throttled")
				}
				return &dynamodb.PutItemOutput{}, nil
			},
		}
		s := NewDynamoStore(fake, testConfig())

		assert.NoError(t, s.Create(context.Background(), d))
		assert.Equal(t, 2, calls)
	})

	t.Run("strict mode fails the create", func(t *testing.T) {
		fake := &fakeDynamo{
			putItem: func(in *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
				if *in.TableName == "outpost-idempotency" {
					return nil, errors.New("throttled")
				}
				return &dynamodb.PutItemOutput{}, nil
			},
		}
		cfg := testConfig()
		cfg.StrictIdempotency = true
		s := NewDynamoStore(fake, cfg)

		err := s.Create(context.Background(), d)
		assert.True(t, errdefs.IsKind(err, errdefs.KindServiceUnavailable))
	})
}

func TestDynamoUpdateStatusConflictReread(t *testing.T) {
	current := newDispatch("d-1", "user-1")
	current.Status = types.StatusCancelled
	current.Version = 2
	item, err := attributevalue.MarshalMap(current)
	require.NoError(t, err)

	fake := &fakeDynamo{
		updateItem: func(in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
			assert.Equal(t, "#version = :expected", *in.ConditionExpression)
			return nil, &ddbtypes.ConditionalCheckFailedException{}
		},
		getItem: func(*dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: item}, nil
		},
	}
	s := NewDynamoStore(fake, testConfig())

	_, err = s.UpdateStatus(context.Background(), "d-1", 1, types.StatusRunning, types.StatusPatch{TaskARN: "arn:task/abc"})
	require.Error(t, err)

	var e *errdefs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errdefs.KindConflict, e.Kind)
	assert.Equal(t, int64(1), e.ExpectedVersion)
	assert.Equal(t, int64(2), e.CurrentVersion)
}

func TestDynamoUpdateStatusReturnsNewRecord(t *testing.T) {
	updated := newDispatch("d-1", "user-1")
	updated.Status = types.StatusRunning
	updated.Version = 2
	updated.TaskARN = "arn:task/abc"
	attrs, err := attributevalue.MarshalMap(updated)
	require.NoError(t, err)

	fake := &fakeDynamo{
		updateItem: func(in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
			assert.Contains(t, *in.UpdateExpression, "#status = :status")
			assert.Contains(t, *in.UpdateExpression, "#task_arn = :task_arn")
			return &dynamodb.UpdateItemOutput{Attributes: attrs}, nil
		},
	}
	s := NewDynamoStore(fake, testConfig())

	got, err := s.UpdateStatus(context.Background(), "d-1", 1, types.StatusRunning, types.StatusPatch{TaskARN: "arn:task/abc"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "arn:task/abc", got.TaskARN)
}

func TestDynamoFindByIdempotencyDegradesToMiss(t *testing.T) {
	fake := &fakeDynamo{
		getItem: func(*dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
			return nil, errors.New("table unavailable")
		},
	}
	s := NewDynamoStore(fake, testConfig())

	got, err := s.FindByIdempotency(context.Background(), "user-1", "retry-abc")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestCursorRoundTrip(t *testing.T) {
	key := map[string]ddbtypes.AttributeValue{
		"dispatch_id": &ddbtypes.AttributeValueMemberS{Value: "d-1"},
		"user_id":     &ddbtypes.AttributeValueMemberS{Value: "user-1"},
		"started_at":  &ddbtypes.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
	}

	cursor, err := encodeCursor(key)
	require.NoError(t, err)
	require.NotEmpty(t, cursor)

	decoded, err := decodeCursor(cursor)
	require.NoError(t, err)
	require.Len(t, decoded, len(key))
	for k, v := range key {
		want := v.(*ddbtypes.AttributeValueMemberS).Value
		got, ok := decoded[k].(*ddbtypes.AttributeValueMemberS)
		require.True(t, ok, "attribute %s", k)
		assert.Equal(t, want, got.Value)
	}
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := decodeCursor("!!not base64!!")
	assert.Error(t, err)
}
