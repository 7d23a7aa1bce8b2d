package detection

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/darkermemo/huntql/common/apperr"
	"github.com/darkermemo/huntql/common/logging"
	"github.com/darkermemo/huntql/internal/catalog"
	"github.com/darkermemo/huntql/internal/compile"
	"github.com/darkermemo/huntql/internal/eventstore"
	"github.com/darkermemo/huntql/internal/metrics"
	"github.com/darkermemo/huntql/internal/notify"
)

// evalTimeout bounds one scheduled or on-demand evaluation.
const evalTimeout = 60 * time.Second

// Store is the persistence surface the service needs.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Record, error)
	List(ctx context.Context, tenantID string, includeDisabled bool, limit, offset int) ([]*Record, int, error)
	Update(ctx context.Context, rec *Record) error
	SetEnabled(ctx context.Context, tenantID string, id uuid.UUID, enabled bool, updatedBy string) error
	SoftDelete(ctx context.Context, tenantID string, id uuid.UUID, deletedBy string) error
	HardDelete(ctx context.Context, tenantID string, id uuid.UUID) error
	ListEnabled(ctx context.Context) ([]*Record, error)
	InsertRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, tenantID string, detectionID uuid.UUID, limit int) ([]*Run, error)
}

// Service implements detection CRUD and evaluation.
type Service struct {
	store     Store
	compiler  *compile.Compiler
	catalog   catalog.Provider
	exec      eventstore.Executor
	publisher *notify.Publisher
	logger    *logging.Logger
	clock     func() time.Time
}

// NewService wires the detection service.
func NewService(store Store, compiler *compile.Compiler, provider catalog.Provider,
	exec eventstore.Executor, publisher *notify.Publisher, logger *logging.Logger) *Service {
	return &Service{
		store:     store,
		compiler:  compiler,
		catalog:   provider,
		exec:      exec,
		publisher: publisher,
		logger:    logger,
		clock:     time.Now,
	}
}

// Create validates, dry-compiles and persists a new detection.
func (s *Service) Create(ctx context.Context, rec *Record) (*Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	if rec.Spec.Common().TenantID != rec.TenantID {
		return nil, apperr.Validation("spec tenant_id must match the detection tenant")
	}
	snap := catalog.Load(ctx, s.catalog, rec.TenantID)
	if _, err := s.compiler.CompileSpec(snap, rec.Spec, rec.TenantID); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "detection created",
		"detection_id", rec.ID, "tenant_id", rec.TenantID, "family", rec.Spec.Family())
	return rec, nil
}

// Get fetches one detection.
func (s *Service) Get(ctx context.Context, tenantID string, id uuid.UUID) (*Record, error) {
	return s.store.GetByID(ctx, tenantID, id)
}

// List pages a tenant's detections.
func (s *Service) List(ctx context.Context, tenantID string, includeDisabled bool, limit, offset int) ([]*Record, int, error) {
	return s.store.List(ctx, tenantID, includeDisabled, limit, offset)
}

// Update validates and rewrites an existing detection.
func (s *Service) Update(ctx context.Context, rec *Record) (*Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	if rec.Spec.Common().TenantID != rec.TenantID {
		return nil, apperr.Validation("spec tenant_id must match the detection tenant")
	}
	snap := catalog.Load(ctx, s.catalog, rec.TenantID)
	if _, err := s.compiler.CompileSpec(snap, rec.Spec, rec.TenantID); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// SetEnabled flips the enabled flag.
func (s *Service) SetEnabled(ctx context.Context, tenantID string, id uuid.UUID, enabled bool, updatedBy string) error {
	if err := s.store.SetEnabled(ctx, tenantID, id, enabled, updatedBy); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "detection toggled", "detection_id", id, "enabled", enabled)
	return nil
}

// Delete soft-deletes by default; force attempts permanent removal, which
// is refused for detections with recorded findings.
func (s *Service) Delete(ctx context.Context, tenantID string, id uuid.UUID, deletedBy string, force bool) error {
	if force {
		return s.store.HardDelete(ctx, tenantID, id)
	}
	return s.store.SoftDelete(ctx, tenantID, id, deletedBy)
}

// Runs lists recent evaluations of one detection.
func (s *Service) Runs(ctx context.Context, tenantID string, id uuid.UUID, limit int) ([]*Run, error) {
	if _, err := s.store.GetByID(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return s.store.ListRuns(ctx, tenantID, id, limit)
}

// TestResult is the outcome of a dry-run evaluation.
type TestResult struct {
	SQL      string    `json:"sql"`
	Warnings []string  `json:"warnings,omitempty"`
	Findings []Finding `json:"findings"`
	RowsRead uint64    `json:"rows_read"`
}

// Test compiles and evaluates a candidate spec without persisting anything
// or emitting findings downstream.
func (s *Service) Test(ctx context.Context, rec *Record) (*TestResult, error) {
	if err := rec.Validate(); err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	cq, findings, stats, err := s.evaluate(ctx, rec)
	if err != nil {
		return nil, err
	}
	return &TestResult{
		SQL:      cq.Text,
		Warnings: cq.Warnings,
		Findings: findings,
		RowsRead: stats.RowsRead,
	}, nil
}

// RunOnce evaluates a stored detection immediately, records the run, and
// publishes its findings.
func (s *Service) RunOnce(ctx context.Context, tenantID string, id uuid.UUID) (*Run, []Finding, error) {
	rec, err := s.store.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, nil, err
	}
	run, findings := s.runAndRecord(ctx, rec)
	s.publishFindings(ctx, findings)
	return run, findings, nil
}

// runAndRecord evaluates one detection and persists the run outcome. Errors
// land in the run record; the caller decides nothing based on them.
// Publishing is left to the caller so the scheduler can dedup first.
func (s *Service) runAndRecord(ctx context.Context, rec *Record) (*Run, []Finding) {
	run := &Run{
		DetectionID: rec.ID,
		TenantID:    rec.TenantID,
		StartedAt:   s.clock().UTC(),
	}

	_, findings, stats, err := s.evaluate(ctx, rec)
	run.FinishedAt = s.clock().UTC()
	run.RowsRead = stats.RowsRead
	run.FindingCount = len(findings)

	switch {
	case err == nil:
		run.Status = RunSucceeded
	case apperr.CodeOf(err) == apperr.CodeExecutionTimeout:
		run.Status = RunTimedOut
		run.Error = err.Error()
	default:
		run.Status = RunFailed
		run.Error = err.Error()
	}

	metrics.DetectionRuns.WithLabelValues(string(run.Status)).Inc()
	if err := s.store.InsertRun(ctx, run); err != nil {
		s.logger.ErrorContext(ctx, "failed to record detection run",
			"detection_id", rec.ID, "error", err)
	}
	return run, findings
}

func (s *Service) publishFindings(ctx context.Context, findings []Finding) {
	for _, f := range findings {
		if err := s.publisher.PublishJSON(notify.FindingSubject(f.TenantID), f); err != nil {
			s.logger.ErrorContext(ctx, "failed to publish finding",
				"detection_id", f.DetectionID, "dedup_key", f.DedupKey, "error", err)
			continue
		}
		metrics.FindingsTotal.WithLabelValues(string(f.Family)).Inc()
	}
}

// evaluate compiles and executes one detection, mapping result rows to
// findings.
func (s *Service) evaluate(ctx context.Context, rec *Record) (*compile.CompiledQuery, []Finding, eventstore.Statistics, error) {
	snap := catalog.Load(ctx, s.catalog, rec.TenantID)
	cq, err := s.compiler.CompileSpec(snap, rec.Spec, rec.TenantID)
	if err != nil {
		return nil, nil, eventstore.Statistics{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	rs, err := s.exec.Query(ctx, cq.Text, eventstore.QueryOptions{
		Consistency:      eventstore.ConsistencyEventual,
		MaxExecutionTime: evalTimeout,
	})
	if err != nil {
		return cq, nil, eventstore.Statistics{}, err
	}

	now := s.clock().UTC()
	findings := make([]Finding, 0, len(rs.Data))
	for _, row := range rs.Data {
		findings = append(findings, Finding{
			DetectionID: rec.ID,
			TenantID:    rec.TenantID,
			Name:        rec.Name,
			Family:      rec.Spec.Family(),
			Severity:    rec.Severity,
			GroupKey:    groupKeyOf(cq.GroupBy, row),
			Row:         row,
			DedupKey:    dedupKey(rec.ID, cq.GroupBy, row),
			DetectedAt:  now,
		})
	}
	return cq, findings, rs.Statistics, nil
}

func groupKeyOf(keys []string, row map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(keys))
	for _, k := range keys {
		out[k] = row[k]
	}
	return out
}

// dedupKey identifies a finding stably across evaluations: the detection,
// the group key values, and the matched window when the row carries one.
func dedupKey(id uuid.UUID, keys []string, row map[string]interface{}) string {
	parts := []string{id.String()}

	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	for _, k := range sorted {
		parts = append(parts, fmt.Sprintf("%s=%v", k, row[k]))
	}
	for _, w := range []string{"window_start", "bucket", "first_time"} {
		if v, ok := row[w]; ok {
			parts = append(parts, fmt.Sprintf("%s=%v", w, v))
			break
		}
	}
	return strings.Join(parts, "|")
}
