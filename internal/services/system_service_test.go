package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/feiralivre/api/internal/domain"
)

type stubHealthRepository struct {
	report domain.SystemHealthReport
	err    error
}

func (s *stubHealthRepository) Collect(context.Context) (domain.SystemHealthReport, error) {
	return s.report, s.err
}

type countingSessions struct {
	DeliverySessionService
	active int
}

func (c countingSessions) Active() int { return c.active }

func TestSystemServiceStampsBuildAndRuntime(t *testing.T) {
	started := time.Date(2026, time.October, 1, 6, 0, 0, 0, time.UTC)
	now := started.Add(90 * time.Minute)
	repo := &stubHealthRepository{report: domain.SystemHealthReport{
		Checks: map[string]domain.SystemHealthCheck{"postal_cache": {Status: domain.HealthStatusOK}},
	}}

	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
		Sessions:         countingSessions{active: 3},
		CacheBackend:     " redis ",
		Clock:            func() time.Time { return now },
		Build:            BuildInfo{Version: "0.9.0", CommitSHA: "f00d", Environment: "staging", StartedAt: started},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("status = %s", report.Status)
	}
	if report.Version != "0.9.0" || report.CommitSHA != "f00d" || report.Environment != "staging" {
		t.Fatalf("build metadata not applied: %+v", report)
	}
	if report.Uptime != 90*time.Minute {
		t.Fatalf("uptime = %s", report.Uptime)
	}
	if !report.GeneratedAt.Equal(now) {
		t.Fatalf("generatedAt = %s", report.GeneratedAt)
	}
	if report.PostalCacheBackend != "redis" {
		t.Fatalf("cache backend = %q", report.PostalCacheBackend)
	}
	if report.ActiveDeliverySessions != 3 {
		t.Fatalf("active sessions = %d", report.ActiveDeliverySessions)
	}
}

func TestSystemServiceKeepsRepositoryValues(t *testing.T) {
	generated := time.Date(2026, time.October, 2, 9, 0, 0, 0, time.FixedZone("BRT", -3*3600))
	repo := &stubHealthRepository{report: domain.SystemHealthReport{
		Status:      domain.HealthStatusDegraded,
		Version:     "from-repo",
		GeneratedAt: generated,
	}}
	svc, _ := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
		Build:            BuildInfo{Version: "from-build"},
	})

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Version != "from-repo" || report.Status != domain.HealthStatusDegraded {
		t.Fatalf("repository values overwritten: %+v", report)
	}
	if report.GeneratedAt.Location() != time.UTC || !report.GeneratedAt.Equal(generated) {
		t.Fatalf("generatedAt not normalised: %s", report.GeneratedAt)
	}
	if report.Checks == nil {
		t.Fatalf("checks map must not be nil")
	}
	if report.ActiveDeliverySessions != 0 {
		t.Fatalf("no registry wired, got %d sessions", report.ActiveDeliverySessions)
	}
}

func TestSystemServiceDeriveStatus(t *testing.T) {
	cases := map[string]struct {
		checks map[string]domain.SystemHealthCheck
		want   string
	}{
		"all ok": {
			checks: map[string]domain.SystemHealthCheck{"firestore": {Status: domain.HealthStatusOK}},
			want:   domain.HealthStatusOK,
		},
		"optional publisher down": {
			checks: map[string]domain.SystemHealthCheck{
				"firestore":        {Status: domain.HealthStatusOK},
				"lookup_publisher": {Status: domain.HealthStatusDegraded},
			},
			want: domain.HealthStatusDegraded,
		},
		"cache down": {
			checks: map[string]domain.SystemHealthCheck{
				"postal_cache":     {Status: domain.HealthStatusError},
				"lookup_publisher": {Status: domain.HealthStatusDegraded},
			},
			want: domain.HealthStatusError,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			svc, _ := NewSystemService(SystemServiceDeps{
				HealthRepository: &stubHealthRepository{report: domain.SystemHealthReport{Checks: tc.checks}},
			})
			report, err := svc.HealthReport(context.Background())
			if err != nil {
				t.Fatalf("HealthReport: %v", err)
			}
			if report.Status != tc.want {
				t.Fatalf("status = %s, want %s", report.Status, tc.want)
			}
		})
	}
}

func TestSystemServicePropagatesCollectError(t *testing.T) {
	boom := errors.New("collect failed")
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: &stubHealthRepository{err: boom}})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	if _, err := svc.HealthReport(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if _, err := NewSystemService(SystemServiceDeps{}); err == nil {
		t.Fatalf("expected error without health repository")
	}
}
