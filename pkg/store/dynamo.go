package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/outpost-run/outpost/pkg/errdefs"
	"github.com/outpost-run/outpost/pkg/log"
	"github.com/outpost-run/outpost/pkg/types"
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoStore implements Store on DynamoDB. The dispatch table is keyed by
// dispatch_id with GSIs on (user_id, started_at) and task_arn; the
// idempotency table is keyed by "{user_id}#{idempotency_key}" with a TTL
// attribute.
type DynamoStore struct {
	client           DynamoAPI
	dispatchTable    string
	idempotencyTable string
	taskARNIndex     string
	userIndex        string
	strictIdempotent bool
	logger           zerolog.Logger
	now              func() time.Time
}

// DynamoConfig names the tables and indexes the store operates on.
type DynamoConfig struct {
	DispatchTable    string
	IdempotencyTable string
	TaskARNIndex     string
	UserIndex        string

	// StrictIdempotency makes an idempotency-map write failure fail the
	// create instead of degrading to a logged warning.
	StrictIdempotency bool
}

// NewDynamoStore creates a DynamoDB-backed dispatch store.
func NewDynamoStore(client DynamoAPI, cfg DynamoConfig) *DynamoStore {
	return &DynamoStore{
		client:           client,
		dispatchTable:    cfg.DispatchTable,
		idempotencyTable: cfg.IdempotencyTable,
		taskARNIndex:     cfg.TaskARNIndex,
		userIndex:        cfg.UserIndex,
		strictIdempotent: cfg.StrictIdempotency,
		logger:           log.WithComponent("store"),
		now:              time.Now,
	}
}

type idempotencyItem struct {
	Key        string `dynamodbav:"idempotency_pk"`
	DispatchID string `dynamodbav:"dispatch_id"`
	ExpiresAt  int64  `dynamodbav:"expires_at"`
}

func idempotencyPK(userID, key string) string {
	return userID + "#" + key
}

func (s *DynamoStore) Create(ctx context.Context, d *types.Dispatch) error {
	now := s.now().UTC()
	d.Status = types.StatusPending
	d.Version = 1
	if d.StartedAt.IsZero() {
		d.StartedAt = now
	}
	if d.ExpiresAt == 0 {
		d.ExpiresAt = now.AddDate(0, 0, types.RetentionDays).Unix()
	}

	item, err := attributevalue.MarshalMap(d)
	if err != nil {
		return errdefs.Internal(err, "failed to marshal dispatch %s", d.DispatchID)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.dispatchTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(dispatch_id)"),
	})
	if err != nil {
		var ccf *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return errdefs.Conflict("dispatch %s already exists", d.DispatchID)
		}
		return errdefs.Unavailable(err, "failed to create dispatch %s", d.DispatchID)
	}

	if d.IdempotencyKey != "" {
		if err := s.putIdempotency(ctx, d); err != nil {
			if s.strictIdempotent {
				return errdefs.Unavailable(err, "idempotency map write failed for dispatch %s", d.DispatchID)
			}
			s.logger.Warn().Err(err).
				Str("dispatch_id", d.DispatchID).
				Msg("idempotency map write failed; replays within the window will miss")
		}
	}
	return nil
}

func (s *DynamoStore) putIdempotency(ctx context.Context, d *types.Dispatch) error {
	item, err := attributevalue.MarshalMap(idempotencyItem{
		Key:        idempotencyPK(d.UserID, d.IdempotencyKey),
		DispatchID: d.DispatchID,
		ExpiresAt:  s.now().Add(types.IdempotencyWindow).Unix(),
	})
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.idempotencyTable),
		Item:      item,
	})
	return err
}

func (s *DynamoStore) Get(ctx context.Context, dispatchID string) (*types.Dispatch, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.dispatchTable),
		Key:            dispatchKey(dispatchID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, errdefs.Unavailable(err, "failed to get dispatch %s", dispatchID)
	}
	if out.Item == nil {
		return nil, errdefs.NotFound("dispatch not found: %s", dispatchID)
	}

	var d types.Dispatch
	if err := attributevalue.UnmarshalMap(out.Item, &d); err != nil {
		return nil, errdefs.Internal(err, "failed to unmarshal dispatch %s", dispatchID)
	}
	return &d, nil
}

func (s *DynamoStore) FindByIdempotency(ctx context.Context, userID, key string) (*types.Dispatch, error) {
	pk, err := attributevalue.MarshalMap(map[string]string{"idempotency_pk": idempotencyPK(userID, key)})
	if err != nil {
		return nil, nil
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.idempotencyTable),
		Key:       pk,
	})
	if err != nil {
		// Map unavailable degrades to a miss; the caller creates fresh.
		s.logger.Warn().Err(err).Msg("idempotency map lookup failed")
		return nil, nil
	}
	if out.Item == nil {
		return nil, nil
	}

	var mapping idempotencyItem
	if err := attributevalue.UnmarshalMap(out.Item, &mapping); err != nil {
		return nil, nil
	}
	// The TTL sweep lags; treat lapsed mappings as misses.
	if mapping.ExpiresAt <= s.now().Unix() {
		return nil, nil
	}

	d, err := s.Get(ctx, mapping.DispatchID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return d, nil
}

func (s *DynamoStore) FindByTaskARN(ctx context.Context, taskARN string) (*types.Dispatch, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.dispatchTable),
		IndexName:              aws.String(s.taskARNIndex),
		KeyConditionExpression: aws.String("task_arn = :arn"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":arn": &ddbtypes.AttributeValueMemberS{Value: taskARN},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return nil, errdefs.Unavailable(err, "task_arn index query failed")
	}
	if len(out.Items) == 0 {
		return nil, nil
	}

	var d types.Dispatch
	if err := attributevalue.UnmarshalMap(out.Items[0], &d); err != nil {
		return nil, errdefs.Internal(err, "failed to unmarshal dispatch for task arn %s", taskARN)
	}
	return &d, nil
}

func (s *DynamoStore) UpdateStatus(ctx context.Context, dispatchID string, expectedVersion int64, newStatus types.DispatchStatus, patch types.StatusPatch) (*types.Dispatch, error) {
	names := map[string]string{"#status": "status", "#version": "version"}
	values := map[string]ddbtypes.AttributeValue{
		":status":   &ddbtypes.AttributeValueMemberS{Value: string(newStatus)},
		":newv":     &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", expectedVersion+1)},
		":expected": &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", expectedVersion)},
	}
	sets := []string{"#status = :status", "#version = :newv"}

	addStr := func(attr, val string) {
		if val == "" {
			return
		}
		placeholder := ":" + attr
		names["#"+attr] = attr
		values[placeholder] = &ddbtypes.AttributeValueMemberS{Value: val}
		sets = append(sets, "#"+attr+" = "+placeholder)
	}
	addStr("task_arn", patch.TaskARN)
	addStr("workspace_id", patch.WorkspaceID)
	addStr("artifacts_url", patch.ArtifactsURL)
	addStr("error_message", patch.ErrorMessage)
	addStr("stopped_reason", patch.StoppedReason)
	if patch.EndedAt != nil {
		addStr("ended_at", patch.EndedAt.UTC().Format(time.RFC3339Nano))
	}
	if patch.ExitCode != nil {
		names["#exit_code"] = "exit_code"
		values[":exit_code"] = &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", *patch.ExitCode)}
		sets = append(sets, "#exit_code = :exit_code")
	}

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.dispatchTable),
		Key:                       dispatchKey(dispatchID),
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       aws.String("#version = :expected"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ReturnValues:              ddbtypes.ReturnValueAllNew,
	})
	if err != nil {
		var ccf *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			current, readErr := s.Get(ctx, dispatchID)
			if readErr != nil {
				return nil, readErr
			}
			return nil, errdefs.VersionConflict(expectedVersion, current.Version)
		}
		return nil, errdefs.Unavailable(err, "failed to update dispatch %s", dispatchID)
	}

	var d types.Dispatch
	if err := attributevalue.UnmarshalMap(out.Attributes, &d); err != nil {
		return nil, errdefs.Internal(err, "failed to unmarshal updated dispatch %s", dispatchID)
	}
	return &d, nil
}

func (s *DynamoStore) MarkCompleted(ctx context.Context, dispatchID string, expectedVersion int64, patch types.StatusPatch) (*types.Dispatch, error) {
	return s.UpdateStatus(ctx, dispatchID, expectedVersion, types.StatusCompleted, stampTerminal(patch, s.now().UTC()))
}

func (s *DynamoStore) MarkFailed(ctx context.Context, dispatchID string, expectedVersion int64, patch types.StatusPatch) (*types.Dispatch, error) {
	return s.UpdateStatus(ctx, dispatchID, expectedVersion, types.StatusFailed, stampTerminal(patch, s.now().UTC()))
}

func (s *DynamoStore) ListByUser(ctx context.Context, userID string, opts ListOptions) ([]*types.Dispatch, string, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.dispatchTable),
		IndexName:              aws.String(s.userIndex),
		KeyConditionExpression: aws.String("user_id = :uid"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":uid": &ddbtypes.AttributeValueMemberS{Value: userID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}

	var filters []string
	names := map[string]string{}
	if opts.Status != "" {
		names["#status"] = "status"
		input.ExpressionAttributeValues[":status"] = &ddbtypes.AttributeValueMemberS{Value: string(opts.Status)}
		filters = append(filters, "#status = :status")
	}
	i := 0
	for k, v := range opts.Tags {
		namePlaceholder := fmt.Sprintf("#tag%d", i)
		valuePlaceholder := fmt.Sprintf(":tag%d", i)
		names["#tags"] = "tags"
		names[namePlaceholder] = k
		input.ExpressionAttributeValues[valuePlaceholder] = &ddbtypes.AttributeValueMemberS{Value: v}
		filters = append(filters, fmt.Sprintf("#tags.%s = %s", namePlaceholder, valuePlaceholder))
		i++
	}
	if len(filters) > 0 {
		input.FilterExpression = aws.String(strings.Join(filters, " AND "))
		input.ExpressionAttributeNames = names
	}

	if opts.Cursor != "" {
		startKey, err := decodeCursor(opts.Cursor)
		if err != nil {
			return nil, "", errdefs.Validation("invalid cursor")
		}
		input.ExclusiveStartKey = startKey
	}

	out, err := s.client.Query(ctx, input)
	if err != nil {
		return nil, "", errdefs.Unavailable(err, "failed to list dispatches for user %s", userID)
	}

	items := make([]*types.Dispatch, 0, len(out.Items))
	for _, raw := range out.Items {
		var d types.Dispatch
		if err := attributevalue.UnmarshalMap(raw, &d); err != nil {
			return nil, "", errdefs.Internal(err, "failed to unmarshal dispatch listing")
		}
		items = append(items, &d)
	}

	next := ""
	if len(out.LastEvaluatedKey) > 0 {
		next, err = encodeCursor(out.LastEvaluatedKey)
		if err != nil {
			return nil, "", errdefs.Internal(err, "failed to encode paging cursor")
		}
	}
	return items, next, nil
}

func (s *DynamoStore) CountActiveByUser(ctx context.Context, userID string) (int, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.dispatchTable),
		IndexName:              aws.String(s.userIndex),
		KeyConditionExpression: aws.String("user_id = :uid"),
		FilterExpression:       aws.String("#status IN (:pending, :running)"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":uid":     &ddbtypes.AttributeValueMemberS{Value: userID},
			":pending": &ddbtypes.AttributeValueMemberS{Value: string(types.StatusPending)},
			":running": &ddbtypes.AttributeValueMemberS{Value: string(types.StatusRunning)},
		},
		Select: ddbtypes.SelectCount,
	})
	if err != nil {
		return 0, errdefs.Unavailable(err, "failed to count active dispatches for user %s", userID)
	}
	return int(out.Count), nil
}

func (s *DynamoStore) Metrics(ctx context.Context, since time.Duration) (*types.DispatchMetrics, error) {
	cutoff := s.now().UTC().Add(-since).Format(time.RFC3339Nano)

	metrics := &types.DispatchMetrics{
		ByStatus: make(map[types.DispatchStatus]int),
		ByAgent:  make(map[types.AgentKind]types.AgentDispatchMetrics),
	}
	durations := make(map[types.AgentKind]float64)

	var startKey map[string]ddbtypes.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(s.dispatchTable),
			FilterExpression: aws.String("started_at >= :cutoff"),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":cutoff": &ddbtypes.AttributeValueMemberS{Value: cutoff},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, errdefs.Unavailable(err, "failed to scan dispatch metrics")
		}

		for _, raw := range out.Items {
			var d types.Dispatch
			if err := attributevalue.UnmarshalMap(raw, &d); err != nil {
				continue
			}
			accumulate(metrics, durations, &d)
		}

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	finalizeDurations(metrics, durations)
	return metrics, nil
}

func accumulate(m *types.DispatchMetrics, durations map[types.AgentKind]float64, d *types.Dispatch) {
	m.Total++
	m.ByStatus[d.Status]++

	agent := m.ByAgent[d.AgentKind]
	agent.Total++
	switch d.Status {
	case types.StatusCompleted:
		agent.Completed++
	case types.StatusFailed, types.StatusTimeout:
		agent.Failed++
	}
	if d.EndedAt != nil {
		durations[d.AgentKind] += float64(d.EndedAt.Sub(d.StartedAt).Milliseconds())
	}
	m.ByAgent[d.AgentKind] = agent
}

func finalizeDurations(m *types.DispatchMetrics, durations map[types.AgentKind]float64) {
	for kind, agent := range m.ByAgent {
		finished := agent.Completed + agent.Failed
		if finished > 0 {
			agent.AvgDurationMS = durations[kind] / float64(finished)
		}
		m.ByAgent[kind] = agent
	}
}

func dispatchKey(dispatchID string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"dispatch_id": &ddbtypes.AttributeValueMemberS{Value: dispatchID},
	}
}

// cursorKey is the serializable subset of a DynamoDB paging key. All three
// attributes of the user index key schema are strings on the wire.
type cursorKey map[string]string

func encodeCursor(key map[string]ddbtypes.AttributeValue) (string, error) {
	flat := make(cursorKey, len(key))
	for name, av := range key {
		s, ok := av.(*ddbtypes.AttributeValueMemberS)
		if !ok {
			return "", fmt.Errorf("unexpected paging key attribute type for %s", name)
		}
		flat[name] = s.Value
	}
	raw, err := json.Marshal(flat)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

func decodeCursor(cursor string) (map[string]ddbtypes.AttributeValue, error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, err
	}
	var flat cursorKey
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, err
	}
	key := make(map[string]ddbtypes.AttributeValue, len(flat))
	for name, value := range flat {
		key[name] = &ddbtypes.AttributeValueMemberS{Value: value}
	}
	return key, nil
}
