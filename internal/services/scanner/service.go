package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/net/publicsuffix"

	"harvestd/internal/domain"
	"harvestd/internal/harvester"
	"harvestd/internal/logging"
	"harvestd/internal/ports"
	"harvestd/internal/workers/scanrunner"
)

// Options configures how scans are dispatched and finalized.
type Options struct {
	Image     string
	Providers string
	// ResultsDir holds one sub-directory per scan, named by scan id.
	ResultsDir string
	// OutputMount is where the scan's directory appears inside the job.
	OutputMount string

	// FinalizeTimeout bounds all attempts of the terminal write.
	FinalizeTimeout time.Duration
	FinalizeRetries uint64
	RetryBase       time.Duration
}

func (o *Options) setDefaults() {
	if o.OutputMount == "" {
		o.OutputMount = "/output"
	}
	if o.FinalizeTimeout <= 0 {
		o.FinalizeTimeout = 30 * time.Second
	}
	if o.FinalizeRetries == 0 {
		o.FinalizeRetries = 5
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 100 * time.Millisecond
	}
}

// ExitError reports a job that did not exit cleanly.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	if e.Code == ports.ExitOrchestrationFailure {
		return "harvester job could not be run to completion"
	}
	return fmt.Sprintf("harvester exited with code %d", e.Code)
}

// Service coordinates the scan lifecycle: it records a scan, hands the job
// to the runner and writes the terminal outcome once the job returns.
type Service struct {
	scans    ports.ScanRepository
	executor ports.Executor
	runner   *scanrunner.Runner
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

var _ ports.Scanner = (*Service)(nil)

func New(scans ports.ScanRepository, executor ports.Executor, runner *scanrunner.Runner, opts Options, logger *slog.Logger) *Service {
	opts.setDefaults()
	return &Service{
		scans:    scans,
		executor: executor,
		runner:   runner,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Submit persists a RUNNING scan for target and starts its job in the
// background. The returned record is durable when Submit returns.
func (s *Service) Submit(ctx context.Context, target string) (domain.Scan, error) {
	scan := domain.NewScan(s.newID(), target, s.now())
	if err := s.scans.Create(ctx, scan); err != nil {
		s.logger.ErrorContext(ctx, "recording scan", "scan_id", scan.ID, "domain", target, "error", err)
		return domain.Scan{}, fmt.Errorf("recording scan: %w", err)
	}

	err := s.runner.Go(scan.ID, func(ctx context.Context) { s.execute(ctx, scan) })
	if err != nil {
		// The record exists already; it must not stay RUNNING.
		s.finalize(ctx, scan, domain.StatusFailed, nil)
		return domain.Scan{}, fmt.Errorf("dispatching scan: %w", err)
	}
	s.logger.InfoContext(ctx, "scan submitted", "scan_id", scan.ID, "domain", target)
	return scan, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.Scan, error) {
	return s.scans.Get(ctx, id)
}

// List returns every scan matching filter, oldest first.
func (s *Service) List(ctx context.Context, filter ports.ListFilter) ([]domain.Scan, error) {
	all, err := s.scans.List(ctx)
	if err != nil {
		return nil, err
	}
	return Filter(all, filter), nil
}

// Filter keeps the scans matching f, preserving order. A domain filter
// matches scans with the same registrable domain, so "www.example.com"
// selects "example.com" and "api.example.com" too.
func Filter(scans []domain.Scan, f ports.ListFilter) []domain.Scan {
	if f.Status == "" && f.Domain == "" {
		return scans
	}
	want := registrable(f.Domain)
	out := make([]domain.Scan, 0, len(scans))
	for _, scan := range scans {
		if f.Status != "" && scan.Status != f.Status {
			continue
		}
		if f.Domain != "" && registrable(scan.Domain) != want {
			continue
		}
		out = append(out, scan)
	}
	return out
}

// RecoverOrphans fails scans left RUNNING by a previous process. Their jobs
// are not tracked by this process and will never be finalized otherwise.
func (s *Service) RecoverOrphans(ctx context.Context) (int64, error) {
	n, err := s.scans.FailOrphaned(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failing orphaned scans: %w", err)
	}
	if n > 0 {
		s.logger.WarnContext(ctx, "marked orphaned scans as failed", "count", n)
	}
	return n, nil
}

// execute owns one scan from dispatch to its terminal write.
func (s *Service) execute(ctx context.Context, scan domain.Scan) {
	ctx = logging.WithAttrs(ctx, slog.String("scan_id", scan.ID), slog.String("domain", scan.Domain))
	outDir := filepath.Join(s.opts.ResultsDir, scan.ID)

	defer func() {
		if p := recover(); p != nil {
			s.logFailure(ctx, outDir, fmt.Errorf("panic: %v", p))
			s.finalize(ctx, scan, domain.StatusFailed, nil)
		}
	}()

	started := s.now()
	results, err := s.harvest(ctx, scan, outDir)
	if err != nil {
		s.logFailure(ctx, outDir, err)
		s.finalize(ctx, scan, domain.StatusFailed, nil)
		return
	}
	s.logger.InfoContext(ctx, "scan completed", "duration", s.now().Sub(started), "hosts", len(results.Hosts), "emails", len(results.Emails))
	s.finalize(ctx, scan, domain.StatusCompleted, &results)
}

func (s *Service) harvest(ctx context.Context, scan domain.Scan, outDir string) (domain.HarvesterResult, error) {
	job := ports.Job{
		Name:   scan.ID,
		Image:  s.opts.Image,
		Args:   s.args(scan),
		Mounts: map[string]string{outDir: s.opts.OutputMount},
	}
	if code := s.executor.Run(ctx, job); code != 0 {
		return domain.HarvesterResult{}, &ExitError{Code: code}
	}
	// A clean exit does not guarantee a usable file.
	return harvester.Parse(filepath.Join(outDir, resultFile(scan.ID)))
}

func (s *Service) args(scan domain.Scan) []string {
	return []string{
		"-d", scan.Domain,
		"-b", s.opts.Providers,
		"-f", strings.TrimRight(s.opts.OutputMount, "/") + "/" + resultFile(scan.ID),
	}
}

func resultFile(id string) string {
	return id + ".json"
}

// finalize writes the terminal state, retrying transient store failures. It
// runs detached from ctx cancellation so shutdown cannot leave the scan
// RUNNING.
func (s *Service) finalize(ctx context.Context, scan domain.Scan, status domain.Status, results *domain.HarvesterResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.FinalizeTimeout)
	defer cancel()

	done, err := scan.Finish(status, s.now(), results)
	if err != nil {
		s.logger.ErrorContext(ctx, "could not build scan outcome", "status", status, "error", err)
		return
	}
	backoff := retry.WithMaxRetries(s.opts.FinalizeRetries, retry.NewExponential(s.opts.RetryBase))
	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := s.scans.UpdateTerminal(ctx, done.ID, done.Status, *done.EndTime, done.Results)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, domain.ErrNotFound),
			errors.Is(err, domain.ErrAlreadyTerminal),
			errors.Is(err, domain.ErrValidation):
			return err
		}
		s.logger.WarnContext(ctx, "terminal write failed, retrying", "status", status, "attempt", attempt, "error", err)
		return retry.RetryableError(err)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "could not record scan outcome", "status", status, "attempts", attempt, "error", err)
	}
}

// logFailure logs cause with a best-effort listing of outDir. ctx already
// carries the scan id and domain.
func (s *Service) logFailure(ctx context.Context, outDir string, cause error) {
	attrs := []any{
		"error", cause,
		"output_dir", outDir,
	}
	entries, err := os.ReadDir(outDir)
	if err != nil {
		attrs = append(attrs, "listing_error", err)
	} else {
		files := make([]string, 0, len(entries))
		for _, e := range entries {
			files = append(files, e.Name())
		}
		attrs = append(attrs, "files", files)
	}
	s.logger.ErrorContext(ctx, "scan failed", attrs...)
}

// registrable reduces a host, URL or free-form target to its eTLD+1 so
// that subdomains of one site group together.
func registrable(target string) string {
	host := strings.ToLower(strings.TrimSpace(target))
	if strings.Contains(host, "://") {
		if u, err := url.Parse(host); err == nil {
			host = u.Hostname()
		}
	}
	host = strings.TrimSuffix(host, ".")
	if r, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return r
	}
	return host
}
