package users

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	cgerr "github.com/choregarden/choregarden-core/pkg/errors"
	"github.com/choregarden/choregarden-core/pkg/metrics"
)

const tracerName = "github.com/choregarden/choregarden-core/pkg/users"

// Provisioning results recorded by [metrics.Metrics.UserProvisioned].
const (
	ResultExisting = "existing"
	ResultCreated  = "created"
	ResultRaced    = "raced"
)

// Identity is the subject and email asserted by a verified token.
type Identity struct {
	SubjectID string
	Email     string
}

// Provisioner reconciles external identities with local user rows. It is
// safe for concurrent use.
type Provisioner struct {
	repo    Repository
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// ProvisionerOption configures a [Provisioner].
type ProvisionerOption func(*Provisioner)

// WithMetrics records provisioning results on m.
func WithMetrics(m *metrics.Metrics) ProvisionerOption {
	return func(p *Provisioner) { p.metrics = m }
}

// NewProvisioner returns a provisioner over repo. A nil logger uses
// [slog.Default].
func NewProvisioner(repo Repository, logger *slog.Logger, opts ...ProvisionerOption) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provisioner{
		repo:   repo,
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetOrCreate returns the user for id.SubjectID, creating it with the email
// as display name when absent, and stamps last_login_at in both cases.
//
// Concurrent first logins for one subject converge on a single row: the
// loser of the insert race sees [cgerr.CodeAlreadyExists] and reloads the
// winner's row once.
func (p *Provisioner) GetOrCreate(ctx context.Context, id Identity) (*User, error) {
	ctx, span := p.startSpan(ctx, "GetOrCreate", id.SubjectID)

	u, result, err := p.findOrCreate(ctx, id)
	if err != nil {
		finishSpan(span, err)
		return nil, err
	}

	at, err := p.repo.TouchLastLogin(ctx, id.SubjectID)
	if err != nil {
		finishSpan(span, err)
		return nil, err
	}
	u.LastLoginAt = &at

	span.SetAttributes(attribute.String("users.result", result))
	finishSpan(span, nil)
	p.metrics.UserProvisioned(result)
	return u, nil
}

func (p *Provisioner) findOrCreate(ctx context.Context, id Identity) (*User, string, error) {
	if id.SubjectID == "" {
		return nil, "", cgerr.New(cgerr.CodeValidationRequired, "users: subject id is required")
	}

	u, err := p.repo.FindBySubjectID(ctx, id.SubjectID)
	if err != nil {
		return nil, "", err
	}
	if u != nil {
		return u, ResultExisting, nil
	}

	email := id.Email
	u, err = p.repo.Create(ctx, NewUser{
		SubjectID:   id.SubjectID,
		Email:       email,
		DisplayName: &email,
	})
	switch {
	case err == nil:
		p.logger.InfoContext(ctx, "created user", "email", id.Email, "subject", id.SubjectID)
		return u, ResultCreated, nil
	case !cgerr.HasCode(err, cgerr.CodeAlreadyExists):
		return nil, "", err
	}

	u, err = p.repo.FindBySubjectID(ctx, id.SubjectID)
	if err != nil {
		return nil, "", err
	}
	if u == nil {
		return nil, "", cgerr.Newf(cgerr.CodePersistence,
			"users: subject %q conflicted on insert but cannot be reloaded", id.SubjectID)
	}
	p.logger.DebugContext(ctx, "lost user creation race, reloaded", "subject", id.SubjectID)
	return u, ResultRaced, nil
}

// Register is the explicit registration operation. It is GetOrCreate under
// a name that states intent at the call site.
func (p *Provisioner) Register(ctx context.Context, id Identity) (*User, error) {
	return p.GetOrCreate(ctx, id)
}

// Lookup returns the user for subjectID, or (nil, nil) when none exists.
// It never creates a row.
func (p *Provisioner) Lookup(ctx context.Context, subjectID string) (*User, error) {
	ctx, span := p.startSpan(ctx, "Lookup", subjectID)
	u, err := p.repo.FindBySubjectID(ctx, subjectID)
	finishSpan(span, err)
	return u, err
}

// UpdateDisplayName sets the display name of an existing user. A blank name
// fails with [cgerr.CodeValidation] without touching the repository; an
// unknown subject fails with [cgerr.CodeUserNotFound].
func (p *Provisioner) UpdateDisplayName(ctx context.Context, subjectID, displayName string) (*User, error) {
	ctx, span := p.startSpan(ctx, "UpdateDisplayName", subjectID)

	name := strings.TrimSpace(displayName)
	if name == "" {
		err := cgerr.New(cgerr.CodeValidation, "users: display name must not be empty")
		finishSpan(span, err)
		return nil, err
	}

	u, err := p.repo.UpdateDisplayName(ctx, subjectID, name)
	if err == nil && u == nil {
		err = cgerr.Newf(cgerr.CodeUserNotFound, "users: no user with subject %q", subjectID)
	}
	finishSpan(span, err)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (p *Provisioner) startSpan(ctx context.Context, op, subjectID string) (context.Context, trace.Span) {
	ctx, span := p.tracer.Start(ctx, "users."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("users.subject_id", subjectID))
	return ctx, span
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
