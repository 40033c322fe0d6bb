// Package register implements agent self-registration and opaque-token
// authentication.
package register

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashita-ai/togi/internal/auth"
	"github.com/ashita-ai/togi/internal/model"
	"github.com/ashita-ai/togi/internal/storage"
)

// ErrInvalidToken is returned when a presented agent token matches no agent.
var ErrInvalidToken = errors.New("invalid agent token")

// ValidationError reports registration input the caller can correct.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// Service handles agent registration and bearer-token authentication.
type Service struct {
	db     *storage.DB
	pepper string
	logger *slog.Logger
}

// New creates a registration service. The pepper is mixed into every token
// digest and must stay stable for the lifetime of the agents table.
func New(db *storage.DB, pepper string, logger *slog.Logger) *Service {
	return &Service{db: db, pepper: pepper, logger: logger}
}

// Input is the validated input for a registration request.
type Input struct {
	Name      string
	HumanName string
}

// Result is returned on successful registration. Token is the raw bearer
// token; this is the only place it ever appears.
type Result struct {
	Agent model.Agent `json:"agent"`
	Token string      `json:"token"`
}

// Register creates a new agent identity and returns its bearer token.
func (s *Service) Register(ctx context.Context, input Input) (Result, error) {
	input.Name = strings.TrimSpace(input.Name)
	input.HumanName = strings.TrimSpace(input.HumanName)
	if err := model.ValidateName("name", input.Name); err != nil {
		return Result{}, &ValidationError{Err: err}
	}
	if err := model.ValidateName("human_name", input.HumanName); err != nil {
		return Result{}, &ValidationError{Err: err}
	}

	token, err := model.GenerateAgentToken()
	if err != nil {
		return Result{}, fmt.Errorf("register: %w", err)
	}

	agent, err := s.db.CreateAgent(ctx, model.Agent{
		Name:      input.Name,
		HumanName: input.HumanName,
		TokenHash: auth.HashAgentToken(token, s.pepper),
	})
	if err != nil {
		return Result{}, fmt.Errorf("register: create agent: %w", err)
	}

	s.logger.Info("register: agent registered", "agent_id", agent.ID, "name", agent.Name)
	return Result{Agent: agent, Token: token}, nil
}

// Authenticate resolves a raw bearer token to its agent. Last-activity
// bookkeeping happens off the request path.
func (s *Service) Authenticate(ctx context.Context, token string) (model.Agent, error) {
	if !strings.HasPrefix(token, model.AgentTokenPrefix) {
		return model.Agent{}, ErrInvalidToken
	}

	agent, err := s.db.GetAgentByTokenHash(ctx, auth.HashAgentToken(token, s.pepper))
	if errors.Is(err, storage.ErrNotFound) {
		return model.Agent{}, ErrInvalidToken
	}
	if err != nil {
		return model.Agent{}, fmt.Errorf("register: authenticate: %w", err)
	}

	go func() {
		if err := s.db.TouchLastActive(context.WithoutCancel(ctx), agent.ID); err != nil {
			s.logger.Warn("register: touch last active", "agent_id", agent.ID, "error", err)
		}
	}()

	return agent, nil
}
