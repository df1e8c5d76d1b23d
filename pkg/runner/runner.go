package runner

import (
	"context"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/rs/zerolog"

	"github.com/outpost-run/outpost/pkg/config"
	"github.com/outpost-run/outpost/pkg/errdefs"
	"github.com/outpost-run/outpost/pkg/log"
	"github.com/outpost-run/outpost/pkg/types"
)

// mainContainer is the container name the env overrides target.
const mainContainer = "worker"

// ECSAPI is the subset of the ECS client the runner uses.
type ECSAPI interface {
	RunTask(ctx context.Context, params *ecs.RunTaskInput, optFns ...func(*ecs.Options)) (*ecs.RunTaskOutput, error)
	StopTask(ctx context.Context, params *ecs.StopTaskInput, optFns ...func(*ecs.Options)) (*ecs.StopTaskOutput, error)
}

// SecretsAPI is the subset of the Secrets Manager client the runner uses.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Runner launches one-shot agent containers as ECS tasks.
type Runner struct {
	ecs     ECSAPI
	secrets SecretsAPI
	cfg     config.Config
	logger  zerolog.Logger
}

// New creates a runner bound to the cluster and network placement in cfg.
func New(ecsClient ECSAPI, secrets SecretsAPI, cfg config.Config) *Runner {
	return &Runner{
		ecs:     ecsClient,
		secrets: secrets,
		cfg:     cfg,
		logger:  log.WithComponent("runner"),
	}
}

// Launch starts the container task for a dispatch and returns the task ARN.
// The dispatch id is embedded three ways (env var, task group, tag) so the
// reconciler can recover it from any event shape.
func (r *Runner) Launch(ctx context.Context, d *types.Dispatch) (string, error) {
	agent, ok := r.cfg.Agents[d.AgentKind]
	if !ok {
		return "", errdefs.Validation("no agent configured for kind %s", d.AgentKind)
	}

	env, err := r.buildEnv(ctx, d, agent)
	if err != nil {
		return "", err
	}

	override := ecstypes.ContainerOverride{
		Name:        aws.String(mainContainer),
		Environment: env,
	}
	taskOverride := &ecstypes.TaskOverride{
		ContainerOverrides: []ecstypes.ContainerOverride{override},
	}
	if d.Resources != nil {
		if d.Resources.CPUUnits > 0 {
			taskOverride.Cpu = aws.String(strconv.Itoa(d.Resources.CPUUnits))
		}
		if d.Resources.MemoryMB > 0 {
			taskOverride.Memory = aws.String(strconv.Itoa(d.Resources.MemoryMB))
		}
	}

	assignIP := ecstypes.AssignPublicIpDisabled
	if r.cfg.AssignPublicIP {
		assignIP = ecstypes.AssignPublicIpEnabled
	}

	out, err := r.ecs.RunTask(ctx, &ecs.RunTaskInput{
		Cluster:        aws.String(r.cfg.ECSCluster),
		TaskDefinition: aws.String(agent.TaskDefinition),
		LaunchType:     ecstypes.LaunchTypeFargate,
		Count:          aws.Int32(1),
		Group:          aws.String("dispatch:" + d.DispatchID),
		StartedBy:      aws.String(d.DispatchID),
		Overrides:      taskOverride,
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        r.cfg.Subnets,
				SecurityGroups: r.cfg.SecurityGroups,
				AssignPublicIp: assignIP,
			},
		},
		Tags: []ecstypes.Tag{
			{Key: aws.String("dispatch_id"), Value: aws.String(d.DispatchID)},
			{Key: aws.String("agent_kind"), Value: aws.String(string(d.AgentKind))},
			{Key: aws.String("user_id"), Value: aws.String(d.UserID)},
		},
	})
	if err != nil {
		return "", errdefs.Unavailable(err, "task failed to start: RunTask error")
	}

	if len(out.Failures) > 0 {
		f := out.Failures[0]
		return "", errdefs.Internal(nil, "task failed to start: %s (%s)",
			aws.ToString(f.Reason), aws.ToString(f.Detail))
	}
	if len(out.Tasks) == 0 || aws.ToString(out.Tasks[0].TaskArn) == "" {
		return "", errdefs.Internal(nil, "task failed to start: no task ARN returned")
	}

	arn := aws.ToString(out.Tasks[0].TaskArn)
	r.logger.Info().
		Str("dispatch_id", d.DispatchID).
		Str("task_arn", arn).
		Str("agent", string(d.AgentKind)).
		Msg("Launched dispatch task")
	return arn, nil
}

// Stop requests termination of a running task.
func (r *Runner) Stop(ctx context.Context, taskARN, reason string) error {
	_, err := r.ecs.StopTask(ctx, &ecs.StopTaskInput{
		Cluster: aws.String(r.cfg.ECSCluster),
		Task:    aws.String(taskARN),
		Reason:  aws.String(reason),
	})
	if err != nil {
		return errdefs.Unavailable(err, "failed to stop task %s", taskARN)
	}
	return nil
}

// buildEnv assembles the container environment contract plus resolved
// secrets. A secret that cannot be fetched fails the launch; a half-
// configured agent container is worse than a failed dispatch.
func (r *Runner) buildEnv(ctx context.Context, d *types.Dispatch, agent config.AgentConfig) ([]ecstypes.KeyValuePair, error) {
	modelID := d.ModelID
	if modelID == "" {
		modelID = agent.DefaultModelID
	}

	env := []ecstypes.KeyValuePair{
		kv("DISPATCH_ID", d.DispatchID),
		kv("TASK", d.Task),
		kv("WORKSPACE_INIT_MODE", string(d.WorkspaceInitMode)),
		kv("TIMEOUT_SECONDS", strconv.Itoa(d.TimeoutSeconds)),
		kv("MODEL_ID", modelID),
	}
	if d.RepoURL != "" {
		env = append(env, kv("REPO_URL", d.RepoURL))
	}
	if d.Branch != "" {
		env = append(env, kv("BRANCH", d.Branch))
	}

	names := append(append([]string{}, agent.Secrets...), d.AdditionalSecrets...)
	for _, name := range names {
		val, err := r.secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
			SecretId: aws.String(name),
		})
		if err != nil {
			return nil, errdefs.Unavailable(err, "failed to resolve secret %s", name)
		}
		env = append(env, kv(envNameForSecret(name), aws.ToString(val.SecretString)))
	}
	return env, nil
}

func kv(name, value string) ecstypes.KeyValuePair {
	return ecstypes.KeyValuePair{Name: aws.String(name), Value: aws.String(value)}
}

// envNameForSecret maps a secret path like outpost/claude/api-key to an
// environment variable name like OUTPOST_CLAUDE_API_KEY.
func envNameForSecret(name string) string {
	out := make([]rune, 0, len(name))
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z':
			out = append(out, c-'a'+'A')
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
