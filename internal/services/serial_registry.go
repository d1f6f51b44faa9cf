package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	apperrors "serialhub/internal/errors"
	"serialhub/internal/infrastructure"
	"serialhub/internal/security"
	"serialhub/internal/serial"
	"serialhub/internal/usage"
	"serialhub/pkg/contracts/domain"
)

const (
	DefaultRetryBackoff    = 250 * time.Millisecond
	DefaultBulkConcurrency = 8
	DefaultBulkMaxItems    = 500

	validCode = "VALID"
)

// RegistryConfig tunes the serial registry.
type RegistryConfig struct {
	EncryptSerials  bool
	RetryBackoff    time.Duration
	BulkConcurrency int
	BulkMaxItems    int
}

// RegistryDeps are the collaborators of a SerialRegistry.
type RegistryDeps struct {
	Serials   SerialRepository
	Clients   ClientRepository
	Tracker   UsageTracker
	Crypto    Crypto
	Validator *security.InputValidator
	Tokens    *security.OfflineTokenIssuer
	Metrics   *infrastructure.BusinessMetrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// CreateSerialInput describes a serial to issue. A nil Expiration issues a
// serial that never expires.
type CreateSerialInput struct {
	ClientID      uuid.UUID
	MaxUsageCount int
	Expiration    *time.Time
	IsDemo        bool
	Metadata      map[string]any
}

// BulkResult is the outcome of one item of CreateSerials.
type BulkResult struct {
	Index  int
	Serial *domain.Serial
	Err    error
}

// ValidateInput is one activation attempt.
type ValidateInput struct {
	SerialNumber string
	DeviceID     string
	DeviceInfo   map[string]string
	SourceIP     string
}

// UsageSummary reports seat usage after a validation.
type UsageSummary struct {
	Current int
	Max     int
}

// ValidationResult is the business outcome of ValidateSerial. Invalid
// serials are reported through Code and Reason, never as errors.
type ValidationResult struct {
	IsValid    bool
	Code       string
	Reason     string
	SerialID   *uuid.UUID
	IsDemo     bool
	Expiration *time.Time
	Refreshed  bool
	Usage      UsageSummary
}

// OfflineToken is a signed activation a device can verify without network.
type OfflineToken struct {
	Token  string
	Claims security.OfflineClaims
}

// SerialRegistry issues, validates and manages serials.
type SerialRegistry struct {
	serials   SerialRepository
	clients   ClientRepository
	tracker   UsageTracker
	crypto    Crypto
	validator *security.InputValidator
	tokens    *security.OfflineTokenIssuer
	metrics   *infrastructure.BusinessMetrics
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	cfg       RegistryConfig

	demo singleflight.Group
}

func NewSerialRegistry(deps RegistryDeps, cfg RegistryConfig) (*SerialRegistry, error) {
	switch {
	case deps.Serials == nil:
		return nil, errors.New("serial repository is required")
	case deps.Clients == nil:
		return nil, errors.New("client repository is required")
	case deps.Tracker == nil:
		return nil, errors.New("usage tracker is required")
	case deps.Crypto == nil:
		return nil, errors.New("crypto service is required")
	case deps.Tokens == nil:
		return nil, errors.New("offline token issuer is required")
	}
	if deps.Validator == nil {
		deps.Validator = security.NewInputValidator(security.DefaultValidationConfig(), deps.Logger)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.BulkConcurrency <= 0 {
		cfg.BulkConcurrency = DefaultBulkConcurrency
	}
	if cfg.BulkMaxItems <= 0 {
		cfg.BulkMaxItems = DefaultBulkMaxItems
	}

	return &SerialRegistry{
		serials:   deps.Serials,
		clients:   deps.Clients,
		tracker:   deps.Tracker,
		crypto:    deps.Crypto,
		validator: deps.Validator,
		tokens:    deps.Tokens,
		metrics:   deps.Metrics,
		logger:    infrastructure.WithComponent(deps.Logger, "serial_registry"),
		tracer:    otel.Tracer("serialhub/services"),
		now:       deps.Now,
		cfg:       cfg,
	}, nil
}

// CreateSerial issues a serial for an active client. Demo requests return
// the shared demo serial instead of issuing a new one.
func (r *SerialRegistry) CreateSerial(ctx context.Context, in CreateSerialInput) (*domain.Serial, error) {
	ctx, span := r.tracer.Start(ctx, "registry.create_serial")
	defer span.End()

	s, err := r.createSerial(ctx, in)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	infrastructure.RecordSerialsIssued(ctx, r.metrics, "single", 1)
	return s, nil
}

func (r *SerialRegistry) createSerial(ctx context.Context, in CreateSerialInput) (*domain.Serial, error) {
	if in.IsDemo {
		return r.ensureDemo(ctx)
	}

	client, err := r.clients.GetClient(ctx, in.ClientID)
	if err != nil {
		return nil, err
	}
	if !client.Active {
		return nil, apperrors.ErrClientInactive
	}

	payload := serial.Payload{
		MaxUsageCount: in.MaxUsageCount,
		ClientNumber:  client.ClientNumber,
		NeverExpires:  in.Expiration == nil,
	}
	if in.Expiration != nil {
		payload.Expiration = truncateDay(*in.Expiration)
	}

	now := r.now().UTC()
	s := &domain.Serial{
		ID:           uuid.New(),
		ClientID:     &client.ID,
		ClientNumber: client.ClientNumber,
		Metadata:     in.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	rev, err := r.issue(ctx, s, payload, 1, now)
	if err != nil {
		return nil, err
	}
	if err := r.serials.CreateSerial(ctx, s, rev); err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "serial issued",
		slog.String("serial_id", s.ID.String()),
		slog.String("serial", serial.Mask(s.SerialNumber)),
		slog.Int("client_number", s.ClientNumber),
		slog.Int("max_usage_count", s.MaxUsageCount))
	return s, nil
}

// CreateSerials issues every input with bounded parallelism. Results keep
// the input order; one failure does not stop the others.
func (r *SerialRegistry) CreateSerials(ctx context.Context, inputs []CreateSerialInput) ([]BulkResult, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: empty bulk request", apperrors.ErrInvalidPayload)
	}
	if len(inputs) > r.cfg.BulkMaxItems {
		return nil, fmt.Errorf("%w: bulk request of %d exceeds %d items", apperrors.ErrInvalidPayload, len(inputs), r.cfg.BulkMaxItems)
	}

	ctx, span := r.tracer.Start(ctx, "registry.create_serials",
		trace.WithAttributes(attribute.Int("items", len(inputs))))
	defer span.End()

	results := make([]BulkResult, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.BulkConcurrency)
	for i, in := range inputs {
		g.Go(func() error {
			s, err := r.createSerial(gctx, in)
			results[i] = BulkResult{Index: i, Serial: s, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	issued := 0
	for _, res := range results {
		if res.Err == nil {
			issued++
		}
	}
	infrastructure.RecordSerialsIssued(ctx, r.metrics, "bulk", issued)
	r.logger.InfoContext(ctx, "bulk issue finished",
		slog.Int("requested", len(inputs)),
		slog.Int("issued", issued))
	return results, nil
}

// ValidateSerial checks a serial and, when it is structurally and
// temporally valid, occupies a seat for the device.
func (r *SerialRegistry) ValidateSerial(ctx context.Context, in ValidateInput) (*ValidationResult, error) {
	ctx, span := r.tracer.Start(ctx, "registry.validate")
	defer span.End()

	res, err := r.validate(ctx, in)
	if err == nil {
		infrastructure.RecordValidation(ctx, r.metrics, validCode)
		return res, nil
	}

	outcome, ok := apperrors.ValidationOutcomeFor(err)
	if !ok {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		r.logger.ErrorContext(ctx, "serial validation failed", slog.String("error", err.Error()))
		return nil, err
	}

	res.IsValid = false
	res.Code = outcome.Code
	res.Reason = outcome.Reason
	span.SetAttributes(attribute.String("validation.code", outcome.Code))
	infrastructure.RecordValidation(ctx, r.metrics, outcome.Code)
	r.logger.InfoContext(ctx, "serial rejected",
		slog.String("serial", serial.Mask(serial.Normalize(in.SerialNumber))),
		slog.String("code", outcome.Code),
		slog.String("error", err.Error()))
	return res, nil
}

func (r *SerialRegistry) validate(ctx context.Context, in ValidateInput) (*ValidationResult, error) {
	res := &ValidationResult{}

	raw, err := serial.Parse(in.SerialNumber)
	if err != nil {
		return res, err
	}
	payload, err := serial.Decode(raw[:])
	if err != nil {
		return res, err
	}
	res.IsDemo = payload.IsDemo()
	if !payload.Unlimited() {
		res.Usage.Max = payload.MaxUsageCount
	}

	rev, err := r.lookupRevision(ctx, raw, payload)
	if err != nil {
		return res, err
	}
	res.SerialID = &rev.SerialID
	res.Expiration = rev.Expiration

	if err := r.verifyRevision(ctx, rev, raw); err != nil {
		return res, err
	}
	if rev.Superseded() {
		return res, apperrors.ErrSerialSuperseded
	}

	s, err := r.serials.GetSerial(ctx, rev.SerialID)
	if err != nil {
		return res, err
	}
	if s.Revoked() {
		return res, apperrors.ErrSerialRevoked
	}
	if payload.IsExpired(r.now()) {
		return res, apperrors.ErrSerialExpired
	}

	deviceID, err := r.validator.CheckDeviceID(ctx, in.DeviceID)
	if err != nil {
		return res, fmt.Errorf("%w: %w", apperrors.ErrInvalidDevice, err)
	}

	decision, err := r.track(ctx, usage.Activation{
		SerialID:   s.ID,
		DeviceID:   deviceID,
		DeviceInfo: r.validator.SanitizeDeviceInfo(ctx, in.DeviceInfo),
		SourceIP:   r.validator.NormalizeIP(in.SourceIP),
	})
	if err != nil {
		return res, err
	}
	res.Usage = UsageSummary{Current: decision.Current, Max: decision.Max}
	if !decision.Allowed {
		return res, apperrors.ErrQuotaExceeded
	}
	res.IsValid = true
	res.Refreshed = decision.Refreshed
	return res, nil
}

// lookupRevision finds the revision that issued raw. The demo serial is
// created on first use.
func (r *SerialRegistry) lookupRevision(ctx context.Context, raw serial.Bytes, payload serial.Payload) (*domain.SerialRevision, error) {
	number := serial.Render(raw)
	rev, err := r.serials.GetRevisionByNumber(ctx, number)
	if errors.Is(err, apperrors.ErrSerialNotFound) && payload.IsDemo() {
		if _, err := r.ensureDemo(ctx); err != nil {
			return nil, err
		}
		return r.serials.GetRevisionByNumber(ctx, number)
	}
	return rev, err
}

// verifyRevision checks that raw is exactly what was signed and, for
// protected serials, what was sealed.
func (r *SerialRegistry) verifyRevision(ctx context.Context, rev *domain.SerialRevision, raw serial.Bytes) error {
	if !bytes.Equal(rev.Payload, raw[:]) {
		return apperrors.ErrSignatureInvalid
	}
	ok, err := r.crypto.Verify(rev.Payload, rev.Signature)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.ErrSignatureInvalid
	}

	if len(rev.EncryptedBlob) == 0 {
		return nil
	}
	plain, err := r.crypto.Decrypt(ctx, rev.EncryptedBlob)
	if err != nil {
		return err
	}
	if !bytes.Equal(plain, raw[:]) {
		return apperrors.ErrDecryptionFailed
	}
	return nil
}

// track calls the tracker and retries a lock timeout once after a backoff.
func (r *SerialRegistry) track(ctx context.Context, a usage.Activation) (usage.Decision, error) {
	decision, err := r.tracker.TrackUsage(ctx, a)
	if !errors.Is(err, apperrors.ErrLockTimeout) {
		return decision, err
	}

	r.logger.WarnContext(ctx, "serial busy, retrying activation",
		slog.String("serial_id", a.SerialID.String()),
		slog.Duration("backoff", r.cfg.RetryBackoff))

	timer := time.NewTimer(r.cfg.RetryBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return decision, err
	case <-timer.C:
	}
	return r.tracker.TrackUsage(ctx, a)
}

// Revoke tombstones a serial. Existing usage records are kept; new
// activations fail.
func (r *SerialRegistry) Revoke(ctx context.Context, id uuid.UUID) (*domain.Serial, error) {
	current, err := r.serials.GetSerial(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.IsDemo {
		return nil, apperrors.ErrDemoSerialImmutable
	}

	s, err := r.serials.RevokeSerial(ctx, id, r.now().UTC())
	if err != nil {
		return nil, err
	}
	if current.RevokedAt == nil {
		infrastructure.RecordSerialLifecycle(ctx, r.metrics, "revoke")
		r.logger.InfoContext(ctx, "serial revoked", slog.String("serial_id", id.String()))
	}
	return s, nil
}

// Renew issues a new revision with a later expiration. A nil expiration
// renews to never expiring. The previous serial number is superseded.
func (r *SerialRegistry) Renew(ctx context.Context, id uuid.UUID, expiration *time.Time) (*domain.Serial, error) {
	ctx, span := r.tracer.Start(ctx, "registry.renew")
	defer span.End()

	s, err := r.serials.GetSerial(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case s.IsDemo:
		return nil, apperrors.ErrDemoSerialImmutable
	case s.Revoked():
		return nil, apperrors.ErrSerialRevoked
	case !renewsLater(s, expiration):
		return nil, apperrors.ErrRenewalNotLater
	}

	payload := serial.Payload{
		MaxUsageCount: s.MaxUsageCount,
		ClientNumber:  s.ClientNumber,
		NeverExpires:  expiration == nil,
	}
	if expiration != nil {
		payload.Expiration = truncateDay(*expiration)
	}

	now := r.now().UTC()
	previous := s.SerialNumber
	rev, err := r.issue(ctx, s, payload, s.Revision+1, now)
	if err != nil {
		return nil, err
	}
	s.UpdatedAt = now
	if err := r.serials.RenewSerial(ctx, s, rev); err != nil {
		span.RecordError(err)
		return nil, err
	}

	infrastructure.RecordSerialLifecycle(ctx, r.metrics, "renew")
	r.logger.InfoContext(ctx, "serial renewed",
		slog.String("serial_id", s.ID.String()),
		slog.Int("revision", s.Revision),
		slog.String("superseded", serial.Mask(previous)),
		slog.String("serial", serial.Mask(s.SerialNumber)))
	return s, nil
}

// ReleaseSeat frees the seat a device holds on the serial with the given
// number. Releasing twice is not an error.
func (r *SerialRegistry) ReleaseSeat(ctx context.Context, serialNumber, deviceID string) (int, error) {
	raw, err := serial.Parse(serialNumber)
	if err != nil {
		return 0, err
	}
	rev, err := r.serials.GetRevisionByNumber(ctx, serial.Render(raw))
	if err != nil {
		return 0, err
	}
	return r.tracker.RevokeUsage(ctx, rev.SerialID, deviceID)
}

// IssueOfflineToken signs an offline activation for a device that holds an
// active seat. The token never outlives the serial.
func (r *SerialRegistry) IssueOfflineToken(ctx context.Context, id uuid.UUID, deviceID string) (*OfflineToken, error) {
	s, err := r.serials.GetSerial(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Revoked() {
		return nil, apperrors.ErrSerialRevoked
	}
	if s.Expired(r.now()) {
		return nil, apperrors.ErrSerialExpired
	}

	records, err := r.tracker.ListUsage(ctx, id)
	if err != nil {
		return nil, err
	}
	seated := false
	for _, rec := range records {
		if rec.DeviceID == deviceID && rec.Status == domain.UsageStatusActive {
			seated = true
			break
		}
	}
	if !seated {
		return nil, apperrors.ErrUsageNotFound
	}

	claims := security.OfflineClaims{
		SerialID:      s.ID,
		SerialNumber:  s.SerialNumber,
		DeviceID:      deviceID,
		MaxUsageCount: s.MaxUsageCount,
	}
	if s.Expiration != nil && !s.NeverExpires {
		// valid through the last calendar day
		claims.ExpiresAt = truncateDay(*s.Expiration).Add(24 * time.Hour)
	}
	token, issued, err := r.tokens.Issue(claims)
	if err != nil {
		return nil, fmt.Errorf("issue offline token: %w", err)
	}
	return &OfflineToken{Token: token, Claims: issued}, nil
}

// PublicKeyPEM returns the signing key verifiers need, with its key id.
func (r *SerialRegistry) PublicKeyPEM() ([]byte, string, error) {
	pub := r.crypto.PublicKey()
	pemBytes, err := security.MarshalPublicKeyPEM(pub)
	if err != nil {
		return nil, "", err
	}
	return pemBytes, security.KeyID(pub), nil
}

func (r *SerialRegistry) GetSerial(ctx context.Context, id uuid.UUID) (*domain.Serial, error) {
	return r.serials.GetSerial(ctx, id)
}

func (r *SerialRegistry) ListRevisions(ctx context.Context, id uuid.UUID) ([]domain.SerialRevision, error) {
	return r.serials.ListRevisions(ctx, id)
}

func (r *SerialRegistry) GetUsageStats(ctx context.Context, id uuid.UUID) (domain.UsageStats, error) {
	return r.tracker.GetUsageStats(ctx, id)
}

func (r *SerialRegistry) ListUsage(ctx context.Context, id uuid.UUID) ([]domain.UsageRecord, error) {
	return r.tracker.ListUsage(ctx, id)
}

// ensureDemo returns the shared demo serial, creating it on first use.
func (r *SerialRegistry) ensureDemo(ctx context.Context) (*domain.Serial, error) {
	v, err, _ := r.demo.Do("demo", func() (any, error) {
		number := serial.Render(serial.Bytes{})
		for attempt := 0; attempt < 2; attempt++ {
			rev, err := r.serials.GetRevisionByNumber(ctx, number)
			if err == nil {
				return r.serials.GetSerial(ctx, rev.SerialID)
			}
			if !errors.Is(err, apperrors.ErrSerialNotFound) {
				return nil, err
			}

			now := r.now().UTC()
			s := &domain.Serial{ID: uuid.New(), CreatedAt: now, UpdatedAt: now}
			rev, err = r.issue(ctx, s, serial.Payload{}, 1, now)
			if err != nil {
				return nil, err
			}
			err = r.serials.CreateSerial(ctx, s, rev)
			if err == nil {
				r.logger.InfoContext(ctx, "demo serial created", slog.String("serial_id", s.ID.String()))
				return s, nil
			}
			// another instance created it first
			if !errors.Is(err, apperrors.ErrSerialNumberTaken) {
				return nil, err
			}
		}
		return nil, apperrors.ErrSerialNumberTaken
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Serial), nil
}

// issue encodes payload, signs it and optionally seals it, updating s to
// carry the new revision.
func (r *SerialRegistry) issue(ctx context.Context, s *domain.Serial, payload serial.Payload, revision int, now time.Time) (*domain.SerialRevision, error) {
	raw, err := serial.Encode(payload)
	if err != nil {
		return nil, err
	}
	signature, err := r.crypto.Sign(raw[:])
	if err != nil {
		return nil, fmt.Errorf("sign serial: %w", err)
	}

	var (
		blob    []byte
		version uint8
	)
	if r.cfg.EncryptSerials {
		blob, version, err = r.crypto.Encrypt(ctx, raw[:])
		if err != nil {
			return nil, fmt.Errorf("encrypt serial: %w", err)
		}
	}

	var expiration *time.Time
	if !payload.Expiration.IsZero() {
		exp := payload.Expiration
		expiration = &exp
	}

	s.SerialNumber = serial.Render(raw)
	s.MaxUsageCount = payload.MaxUsageCount
	s.ClientNumber = payload.ClientNumber
	s.Expiration = expiration
	s.NeverExpires = payload.NeverExpires
	s.IsDemo = payload.IsDemo()
	s.Revision = revision
	s.Signature = signature
	s.EncryptedBlob = blob
	s.EncryptionVersion = int(version)

	return &domain.SerialRevision{
		ID:                uuid.New(),
		SerialID:          s.ID,
		Revision:          revision,
		SerialNumber:      s.SerialNumber,
		Payload:           append([]byte(nil), raw[:]...),
		Signature:         signature,
		EncryptedBlob:     blob,
		EncryptionVersion: int(version),
		Expiration:        expiration,
		NeverExpires:      payload.NeverExpires,
		CreatedAt:         now,
	}, nil
}

// renewsLater reports whether expiration extends s. Never expiring is
// later than any date and cannot itself be extended.
func renewsLater(s *domain.Serial, expiration *time.Time) bool {
	if s.NeverExpires {
		return false
	}
	if expiration == nil {
		return true
	}
	if s.Expiration == nil {
		return true
	}
	return truncateDay(*expiration).After(truncateDay(*s.Expiration))
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return serial.Date(y, m, d)
}
