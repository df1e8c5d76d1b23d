// Package runner launches dispatch containers as one-shot ECS Fargate tasks
// and stops them on cancellation. It owns the container environment contract
// and secret resolution; it never tracks task state, which is the
// reconciler's job.
package runner
