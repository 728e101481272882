package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/lumiframe/api/internal/domain"
)

type stubHealthRepository struct {
	report domain.SystemHealthReport
	err    error
}

func (s *stubHealthRepository) Collect(context.Context) (domain.SystemHealthReport, error) {
	return s.report, s.err
}

func TestHealthReportAddsBuildMetadata(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(5 * time.Minute)
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: &stubHealthRepository{report: domain.SystemHealthReport{
			Checks: map[string]domain.SystemHealthCheck{"sqlite": {Status: domain.HealthStatusOK}},
		}},
		Clock: func() time.Time { return now },
		Build: BuildInfo{Version: "1.4.0", CommitSHA: "abc123", Environment: "prod", StartedAt: start},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	want := domain.SystemHealthReport{
		Status:      domain.HealthStatusOK,
		Checks:      map[string]domain.SystemHealthCheck{"sqlite": {Status: domain.HealthStatusOK}},
		Version:     "1.4.0",
		CommitSHA:   "abc123",
		Environment: "prod",
		Uptime:      5 * time.Minute,
		GeneratedAt: now,
	}
	if report.Status != want.Status || report.Version != want.Version || report.CommitSHA != want.CommitSHA ||
		report.Environment != want.Environment || report.Uptime != want.Uptime || !report.GeneratedAt.Equal(want.GeneratedAt) {
		t.Fatalf("unexpected report\n got %+v\nwant %+v", report, want)
	}
}

func TestHealthReportDerivesWorstStatus(t *testing.T) {
	cases := []struct {
		name   string
		checks map[string]domain.SystemHealthCheck
		want   string
	}{
		{name: "none", want: domain.HealthStatusOK},
		{name: "degraded", checks: map[string]domain.SystemHealthCheck{
			"pubsub": {Status: domain.HealthStatusDegraded},
			"sqlite": {Status: domain.HealthStatusOK},
		}, want: domain.HealthStatusDegraded},
		{name: "error wins", checks: map[string]domain.SystemHealthCheck{
			"pubsub":  {Status: domain.HealthStatusDegraded},
			"storage": {Status: domain.HealthStatusError},
		}, want: domain.HealthStatusError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, err := NewSystemService(SystemServiceDeps{
				HealthRepository: &stubHealthRepository{report: domain.SystemHealthReport{Checks: tc.checks}},
			})
			if err != nil {
				t.Fatalf("NewSystemService: %v", err)
			}
			report, err := svc.HealthReport(context.Background())
			if err != nil {
				t.Fatalf("HealthReport: %v", err)
			}
			if report.Status != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, report.Status)
			}
			if report.Checks == nil {
				t.Fatalf("expected non-nil checks map")
			}
		})
	}
}

func TestHealthReportPropagatesCollectError(t *testing.T) {
	boom := errors.New("collect failed")
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: &stubHealthRepository{err: boom}})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	if _, err := svc.HealthReport(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
	if _, err := NewSystemService(SystemServiceDeps{}); err == nil {
		t.Fatalf("expected error without health repository")
	}
}
