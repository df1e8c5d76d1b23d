package status

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/rs/zerolog"

	"github.com/outpost-run/outpost/pkg/errdefs"
	"github.com/outpost-run/outpost/pkg/log"
	"github.com/outpost-run/outpost/pkg/store"
	"github.com/outpost-run/outpost/pkg/types"
)

// maxLogLimit caps one log page; it is also the backend's page ceiling.
const maxLogLimit = 1000

const defaultLogLimit = 100

// LogsAPI is the subset of the CloudWatch Logs client the tracker uses.
type LogsAPI interface {
	GetLogEvents(ctx context.Context, params *cloudwatchlogs.GetLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.GetLogEventsOutput, error)
}

// Options narrow a status read.
type Options struct {
	// SkipLogs short-circuits the log fetch entirely.
	SkipLogs bool
	// LogOffset is the opaque continuation token from a previous page.
	LogOffset string
	// LogLimit caps the page size; clamped to [1, 1000].
	LogLimit int
}

// Result is one status observation: the record, derived progress, and an
// optional page of container logs.
type Result struct {
	Dispatch  *types.Dispatch `json:"dispatch"`
	Progress  int             `json:"progress"`
	Logs      []types.LogLine `json:"logs,omitempty"`
	LogOffset string          `json:"log_offset,omitempty"`
}

// Tracker serves the dispatch status read path.
type Tracker struct {
	store    store.Store
	logs     LogsAPI
	logGroup string
	logger   zerolog.Logger
}

// NewTracker creates a status tracker. logs may be nil when no log group is
// configured; log pages are then always empty.
func NewTracker(st store.Store, logs LogsAPI, logGroup string) *Tracker {
	return &Tracker{
		store:    st,
		logs:     logs,
		logGroup: logGroup,
		logger:   log.WithComponent("status"),
	}
}

// Status reads a dispatch record and, unless skipped, one page of its
// container logs. A log-fetch failure degrades to an empty page; the record
// itself is authoritative and always returned.
func (t *Tracker) Status(ctx context.Context, dispatchID, userID string, opts Options) (*Result, error) {
	d, err := t.store.Get(ctx, dispatchID)
	if err != nil {
		return nil, err
	}
	if d.UserID != userID {
		return nil, errdefs.Authorization("dispatch %s does not belong to caller", dispatchID)
	}

	res := &Result{
		Dispatch: d,
		Progress: types.Progress(d.Status),
	}

	if opts.SkipLogs || t.logs == nil || t.logGroup == "" || d.TaskARN == "" {
		return res, nil
	}

	limit := opts.LogLimit
	if limit <= 0 {
		limit = defaultLogLimit
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}

	input := &cloudwatchlogs.GetLogEventsInput{
		LogGroupName:  aws.String(t.logGroup),
		LogStreamName: aws.String("dispatch/" + d.DispatchID),
		Limit:         aws.Int32(int32(limit)),
		StartFromHead: aws.Bool(true),
	}
	if opts.LogOffset != "" {
		input.NextToken = aws.String(opts.LogOffset)
	}

	out, err := t.logs.GetLogEvents(ctx, input)
	if err != nil {
		t.logger.Warn().Err(err).
			Str("dispatch_id", dispatchID).
			Msg("Log fetch failed; returning status without logs")
		return res, nil
	}

	res.Logs = make([]types.LogLine, 0, len(out.Events))
	for _, ev := range out.Events {
		res.Logs = append(res.Logs, types.LogLine{
			Timestamp: time.UnixMilli(aws.ToInt64(ev.Timestamp)).UTC(),
			Message:   aws.ToString(ev.Message),
		})
	}
	res.LogOffset = aws.ToString(out.NextForwardToken)
	return res, nil
}
