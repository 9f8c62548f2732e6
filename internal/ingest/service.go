// Package ingest accepts 1F submissions and starts their group broadcast.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"ka-bot/internal/audit"
	"ka-bot/internal/delivery"
	"ka-bot/internal/metrics"
	"ka-bot/internal/requests"
)

var ErrValidation = errors.New("invalid submission")

// Ingestion outcomes used as metric labels.
const (
	OutcomeCreated   = "created"
	OutcomeDuplicate = "duplicate"
	OutcomeResent    = "resent"
	OutcomeInvalid   = "invalid"
)

// Service is the idempotency guard in front of the request store. An external
// id is stored at most once and broadcast until the group lane is delivered.
type Service struct {
	repo     requests.Repository
	tracker  *delivery.Tracker
	validate *validator.Validate
	audit    *audit.Service
	metrics  *metrics.Metrics
	log      *slog.Logger
}

type Options struct {
	PhonePrefix string
	Audit       *audit.Service
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

func NewService(repo requests.Repository, tracker *delivery.Tracker, opts Options) (*Service, error) {
	if opts.PhonePrefix == "" {
		opts.PhonePrefix = "+992"
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Get()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	prefix := opts.PhonePrefix
	if err := v.RegisterValidation("phone_prefix", func(fl validator.FieldLevel) bool {
		return strings.HasPrefix(strings.TrimSpace(fl.Field().String()), prefix)
	}); err != nil {
		return nil, fmt.Errorf("register phone validation: %w", err)
	}

	return &Service{
		repo:     repo,
		tracker:  tracker,
		validate: v,
		audit:    opts.Audit,
		metrics:  opts.Metrics,
		log:      opts.Logger,
	}, nil
}

// Submit stores sub once and broadcasts it unless the group already has it.
func (s *Service) Submit(ctx context.Context, sub Submission) (Ack, error) {
	if err := s.check(ctx, sub); err != nil {
		s.metrics.Ingested(OutcomeInvalid)
		return Ack{}, err
	}

	req, created, err := s.repo.CreateIfNotExists(ctx, sub.toNewRequest())
	if err != nil {
		return Ack{}, fmt.Errorf("store request %d: %w", sub.ID, err)
	}
	log := s.log.With("external_id", req.ExternalID)

	switch {
	case created:
		s.metrics.Ingested(OutcomeCreated)
		s.record(ctx, req)
		log.InfoContext(ctx, "request received")
	case req.SentToGroup:
		s.metrics.Ingested(OutcomeDuplicate)
		log.InfoContext(ctx, "duplicate submission; already in group", "status", req.Status)
		return ackFor(req), nil
	default:
		s.metrics.Ingested(OutcomeResent)
		log.InfoContext(ctx, "duplicate submission; group delivery still pending", "status", req.Status)
	}

	updated, out, err := s.tracker.DeliverGroup(ctx, req)
	if err != nil {
		// The request is stored; the scheduler picks up the pending lane.
		log.ErrorContext(ctx, "record group delivery", "err", err)
		return ackFor(req), nil
	}
	if !out.OK() {
		log.WarnContext(ctx, "group broadcast failed", "reason", out.Reason())
	}
	return ackFor(updated), nil
}

func (s *Service) check(ctx context.Context, sub Submission) error {
	err := s.validate.StructCtx(ctx, sub)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, describe(fe))
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(parts, "; "))
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Submission.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "phone_prefix":
		return field + " has an unsupported country code"
	case "gt":
		return field + " must be greater than " + fe.Param()
	default:
		return field + " failed " + fe.Tag()
	}
}

func (s *Service) record(ctx context.Context, req requests.Request) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, audit.ActionRequestCreated, audit.EntityRequest, strconv.FormatInt(req.ExternalID, 10), nil, map[string]any{
		"user_full_name": req.UserFullName,
		"car":            strings.TrimSpace(req.CarBrand + " " + req.CarModel),
	})
	if err != nil {
		s.log.WarnContext(ctx, "audit append failed", "err", err)
	}
}
