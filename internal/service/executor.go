// Package service wires validation, monitoring and the sandbox lifecycle
// into the single entry point that turns an approved command into a runtime
// exec call.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cyberange/sandboxd/internal/docker"
	"github.com/cyberange/sandboxd/internal/logx"
	"github.com/cyberange/sandboxd/internal/model"
	"github.com/cyberange/sandboxd/internal/monitor"
	"github.com/cyberange/sandboxd/internal/policy"
)

const (
	// DefaultTimeout bounds general tool runs.
	DefaultTimeout = 5 * time.Minute
	// longRunningTimeout is the ceiling for the small set of tools that
	// legitimately run longer (crackers, exploitation frameworks).
	longRunningTimeout = 30 * time.Minute
)

// longRunningTools may request a timeout above the general ceiling.
var longRunningTools = map[string]bool{
	"hashcat": true,
	"john":    true,
	"hydra":   true,
	"medusa":  true,
}

// Executor is the execution connector: the only code path from an untrusted
// command string to a runtime exec call. Every step is fail-closed.
type Executor struct {
	validator *policy.Validator
	monitor   *monitor.Monitor
	engine    docker.Engine

	scratchDir string
}

func NewExecutor(validator *policy.Validator, mon *monitor.Monitor, engine docker.Engine, scratchDir string) *Executor {
	if scratchDir == "" {
		scratchDir = policy.DefaultScratchDir
	}
	return &Executor{
		validator:  validator,
		monitor:    mon,
		engine:     engine,
		scratchDir: scratchDir,
	}
}

// Execute authorizes, validates and runs one command inside the container.
// A timeout expiry is a failed ExecutionResult, not an error: the result is
// still recorded and returned so no audit data is lost.
func (e *Executor) Execute(ctx context.Context, userID, command, containerID string, timeout time.Duration) (*model.ExecutionResult, error) {
	logger := logx.LoggerWithRequestID(ctx).With("component", "executor", "user_id", userID, "container_id", containerID)

	decision := e.monitor.Authorize(ctx, userID, command, containerID)
	if !decision.Allowed {
		logger.Warn("execution rejected by security monitor", "reason", decision.Reason, "threat_level", string(decision.ThreatLevel))
		if decision.Breakout {
			return nil, fmt.Errorf("%w: %s", ErrBreakoutDetected, decision.Reason)
		}
		return nil, fmt.Errorf("%w: %s", ErrSecurityRejected, decision.Reason)
	}

	validation := e.validator.Validate(command)
	if !validation.Approved {
		logger.Warn("execution rejected by validator", "reason", validation.Reason)
		e.monitor.Record(ctx, &model.SecurityEvent{
			UserID:      userID,
			ContainerID: containerID,
			Command:     command,
			Action:      model.ActionBlocked,
			Detail:      "validation: " + validation.Reason,
		})
		return nil, fmt.Errorf("%w: %s", ErrValidationRejected, validation.Reason)
	}

	if containerID == "" {
		e.recordOutcome(ctx, userID, command, containerID, "no container specified")
		return nil, fmt.Errorf("%w: no container specified", ErrContainerNotFound)
	}

	info, err := e.engine.InspectContainer(ctx, containerID)
	if err != nil {
		if docker.IsNotFound(err) {
			// A cleanup sweep may have raced this call; that is a normal,
			// reportable failure.
			e.recordOutcome(ctx, userID, command, containerID, "container not found")
			return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, containerID)
		}
		e.recordOutcome(ctx, userID, command, containerID, "runtime error: "+err.Error())
		return nil, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	if !info.Running() {
		e.recordOutcome(ctx, userID, command, containerID, "container not running")
		return nil, fmt.Errorf("%w: container %s is %s", ErrContainerNotFound, containerID, info.State)
	}

	timeout = clampTimeout(validation.Tool, timeout)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	raw, execErr := e.engine.Exec(execCtx, containerID, []string{"/bin/sh", "-c", command}, e.scratchDir)
	elapsed := time.Since(start)

	result := &model.ExecutionResult{
		Timestamp:   start.UTC(),
		Duration:    elapsed,
		ContainerID: containerID,
	}
	if raw != nil {
		result.Stdout = raw.Stdout
		result.Stderr = raw.Stderr
		result.ExitCode = raw.ExitCode
	}

	switch {
	case execErr == nil:
		result.Success = result.ExitCode == 0
		e.recordOutcome(ctx, userID, command, containerID, fmt.Sprintf("exit_code=%d", result.ExitCode))
		logger.Info("command executed", "tool", validation.Tool, "exit_code", result.ExitCode, "duration_ms", elapsed.Milliseconds())
		return result, nil

	case errors.Is(execErr, context.DeadlineExceeded):
		result.TimedOut = true
		result.ExitCode = -1
		e.recordOutcome(ctx, userID, command, containerID, fmt.Sprintf("timeout after %s", timeout))
		logger.Warn("command timed out", "tool", validation.Tool, "timeout", timeout.String())
		return result, nil

	case docker.IsNotFound(execErr):
		e.recordOutcome(ctx, userID, command, containerID, "container vanished during exec")
		return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, containerID)

	default:
		e.recordOutcome(ctx, userID, command, containerID, "exec failed: "+execErr.Error())
		return nil, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, execErr)
	}
}

func (e *Executor) recordOutcome(ctx context.Context, userID, command, containerID, detail string) {
	e.monitor.Record(ctx, &model.SecurityEvent{
		UserID:      userID,
		ContainerID: containerID,
		Command:     command,
		Action:      model.ActionMonitored,
		Detail:      detail,
	})
}

func clampTimeout(tool string, requested time.Duration) time.Duration {
	if requested <= 0 {
		return DefaultTimeout
	}
	ceiling := DefaultTimeout
	if longRunningTools[tool] {
		ceiling = longRunningTimeout
	}
	if requested > ceiling {
		return ceiling
	}
	return requested
}
