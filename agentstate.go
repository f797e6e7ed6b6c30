// Package agentstate provides a high-level façade over the core session,
// memory and artifact services. Most applications interact with this package
// by:
//  1. Creating an AgentState via New() (optionally overriding default
//     in-memory services)
//  2. Creating sessions and appending events through Sessions()
//  3. Ingesting finished sessions into Memory() for later recall
//
// All defaults are safe for local development and testing; production
// deployments typically supply a durable session store (Redis or SQLite via
// session.StoreConfig) and a structured logger.
package agentstate

import (
	"context"

	"github.com/hupe1980/agentstate/artifact"
	"github.com/hupe1980/agentstate/core"
	"github.com/hupe1980/agentstate/logging"
	"github.com/hupe1980/agentstate/memory"
	"github.com/hupe1980/agentstate/session"
)

// Options configures the AgentState instance.
type Options struct {
	// SessionConfig selects and configures the session backend. It is only
	// consulted when Sessions is nil.
	SessionConfig session.StoreConfig

	// Services (default to in-memory implementations if not provided).
	Sessions  core.SessionService
	Memory    core.MemoryService
	Artifacts core.ArtifactStore

	// Logger defaults to NoOp if nil.
	Logger logging.Logger
}

// AgentState aggregates the state services behind one handle.
type AgentState struct {
	sessions  core.SessionService
	memory    core.MemoryService
	artifacts core.ArtifactStore
	logger    logging.Logger
}

// New creates an AgentState with optional overrides. Any unset service is
// initialized from SessionConfig or with an in-memory implementation.
func New(optFns ...func(o *Options)) (*AgentState, error) {
	opts := Options{
		SessionConfig: session.DefaultStoreConfig(),
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	if opts.Sessions == nil {
		svc, err := session.New(opts.SessionConfig, opts.Logger)
		if err != nil {
			return nil, err
		}
		opts.Sessions = svc
	}
	if opts.Memory == nil {
		opts.Memory = memory.NewInMemoryService(opts.Logger)
	}
	if opts.Artifacts == nil {
		opts.Artifacts = artifact.NewInMemoryStore()
	}

	return &AgentState{
		sessions:  opts.Sessions,
		memory:    opts.Memory,
		artifacts: opts.Artifacts,
		logger:    opts.Logger,
	}, nil
}

// Sessions returns the configured session service.
func (a *AgentState) Sessions() core.SessionService { return a.sessions }

// Memory returns the configured memory service.
func (a *AgentState) Memory() core.MemoryService { return a.memory }

// Artifacts returns the configured artifact store.
func (a *AgentState) Artifacts() core.ArtifactStore { return a.artifacts }

// Logger returns the configured logger.
func (a *AgentState) Logger() logging.Logger { return a.logger }

// CallbackContext builds a delta-staging context over the session for the
// given invocation.
func (a *AgentState) CallbackContext(sess *core.Session, invocationID string) *core.CallbackContext {
	return core.NewCallbackContext(sess, invocationID, a.logger)
}

// ToolContext builds a tool-facing context wired to the configured memory
// and artifact services.
func (a *AgentState) ToolContext(sess *core.Session, invocationID, functionCallID string) *core.ToolContext {
	return core.NewToolContext(sess, invocationID, functionCallID, a.memory, a.artifacts, a.logger)
}

// IngestSession loads the session from the session service and snapshots it
// into the memory archive.
func (a *AgentState) IngestSession(ctx context.Context, appName, userID, sessionID string) error {
	sess, err := a.sessions.Get(ctx, appName, userID, sessionID)
	if err != nil {
		return err
	}
	return a.memory.AddSession(ctx, sess)
}
