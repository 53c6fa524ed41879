package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/feiralivre/api/internal/domain"
	"github.com/feiralivre/api/internal/repositories"
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service.
// Sessions and CacheBackend are optional and only enrich the report.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Sessions         DeliverySessionService
	CacheBackend     string
	Clock            func() time.Time
	Build            BuildInfo
}

type systemService struct {
	health       repositories.HealthRepository
	sessions     DeliverySessionService
	cacheBackend string
	now          func() time.Time
	build        BuildInfo
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the readiness reporting service.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}
	return &systemService{
		health:       deps.HealthRepository,
		sessions:     deps.Sessions,
		cacheBackend: strings.TrimSpace(deps.CacheBackend),
		now:          func() time.Time { return clock().UTC() },
		build:        build,
	}, nil
}

// HealthReport collects dependency checks and stamps build and runtime metadata.
// Values already set by the repository win over the service defaults.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}

	report, err := s.health.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	now := s.now()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	} else {
		report.GeneratedAt = report.GeneratedAt.UTC()
	}
	if strings.TrimSpace(report.Version) == "" {
		report.Version = s.build.Version
	}
	if strings.TrimSpace(report.CommitSHA) == "" {
		report.CommitSHA = s.build.CommitSHA
	}
	if strings.TrimSpace(report.Environment) == "" {
		report.Environment = s.build.Environment
	}
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	if report.PostalCacheBackend == "" {
		report.PostalCacheBackend = s.cacheBackend
	}
	if s.sessions != nil {
		report.ActiveDeliverySessions = s.sessions.Active()
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if strings.TrimSpace(report.Status) == "" {
		report.Status = deriveStatus(report.Checks)
	}
	return report, nil
}

// deriveStatus folds check statuses: any error wins, anything else non-ok degrades.
func deriveStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
