// Package validation runs the startup checks that must pass before the
// service is wired together, printing colored progress as it goes.
package validation

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/fatih/color"

	"thumbgen/cache"
	"thumbgen/core"
	"thumbgen/imagegen"
	"thumbgen/quota"
)

// ValidationStep represents a single validation step with its status.
type ValidationStep struct {
	Name    string
	Status  StepStatus
	Message string
	Error   error
	Latency time.Duration
}

// StepStatus represents the status of a validation step.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepRunning
	StepPassed
	StepFailed
	StepWarning
	StepSkipped
)

// String returns the string representation of a step status.
func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepRunning:
		return "running"
	case StepPassed:
		return "passed"
	case StepFailed:
		return "failed"
	case StepWarning:
		return "warning"
	case StepSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// SuiteResult represents the complete result of validation suite execution.
type SuiteResult struct {
	Steps       []ValidationStep
	TotalSteps  int
	PassedSteps int
	FailedSteps int
	Warnings    int
	Duration    time.Duration
	Success     bool
}

// Check is one named startup check. It returns the step status, a short
// message and, for failures and warnings, the cause.
type Check struct {
	Name string
	Run  func(ctx context.Context) (StepStatus, string, error)
}

// ValidationSuite runs the startup checks in order.
type ValidationSuite struct {
	output       io.Writer
	checks       []Check
	timeout      time.Duration
	showProgress bool
	failFast     bool
}

// NewValidationSuite creates the standard suite for cfg: env file,
// generator credentials, database directory, cache backend and plan
// catalog.
func NewValidationSuite(cfg *core.Config, envPath string) *ValidationSuite {
	s := &ValidationSuite{
		output:       os.Stdout,
		timeout:      10 * time.Second,
		showProgress: true,
	}
	s.checks = []Check{
		{"Environment File", func(context.Context) (StepStatus, string, error) {
			return CheckEnvFile(envPath)
		}},
		{"Generator Credentials", func(context.Context) (StepStatus, string, error) {
			return CheckGeneratorCredentials(cfg)
		}},
		{"Database Directory", func(context.Context) (StepStatus, string, error) {
			return CheckDatabaseDir(cfg.DatabasePath)
		}},
		{"Cache Backend", func(ctx context.Context) (StepStatus, string, error) {
			return CheckCacheBackend(ctx, cfg)
		}},
		{"Plan Catalog", func(context.Context) (StepStatus, string, error) {
			return CheckPlanCatalog(cfg.PlansFile)
		}},
	}
	return s
}

// NewCustomSuite creates a suite running checks.
func NewCustomSuite(checks ...Check) *ValidationSuite {
	return &ValidationSuite{
		output:       os.Stdout,
		checks:       checks,
		timeout:      10 * time.Second,
		showProgress: true,
	}
}

// WithOutput sets the output writer for progress messages.
func (s *ValidationSuite) WithOutput(w io.Writer) *ValidationSuite {
	s.output = w
	return s
}

// WithTimeout sets the timeout for each network check.
func (s *ValidationSuite) WithTimeout(timeout time.Duration) *ValidationSuite {
	s.timeout = timeout
	return s
}

// WithShowProgress enables or disables progress output.
func (s *ValidationSuite) WithShowProgress(show bool) *ValidationSuite {
	s.showProgress = show
	return s
}

// WithFailFast stops validation on first failure if enabled.
func (s *ValidationSuite) WithFailFast(failFast bool) *ValidationSuite {
	s.failFast = failFast
	return s
}

// Validate runs every check in sequence with progress output. After a
// failure with fail-fast set, the remaining checks are reported as skipped.
func (s *ValidationSuite) Validate(ctx context.Context) SuiteResult {
	startTime := time.Now()
	steps := make([]ValidationStep, 0, len(s.checks))

	if s.showProgress {
		s.printHeader("thumbgen Configuration Validation")
	}

	failed := false
	for _, check := range s.checks {
		if failed && s.failFast {
			step := ValidationStep{Name: check.Name, Status: StepSkipped, Message: "Skipped after an earlier failure"}
			if s.showProgress {
				s.printStep(step)
			}
			steps = append(steps, step)
			continue
		}
		step := s.runStep(ctx, check)
		if step.Status == StepFailed {
			failed = true
		}
		steps = append(steps, step)
	}

	result := buildResult(steps, startTime)
	if s.showProgress {
		s.printSummary(result)
	}
	return result
}

// runStep executes a check with timing and progress output.
func (s *ValidationSuite) runStep(ctx context.Context, check Check) ValidationStep {
	if s.showProgress {
		s.printStepStart(check.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	begin := time.Now()
	status, message, err := check.Run(ctx)
	step := ValidationStep{
		Name:    check.Name,
		Status:  status,
		Message: message,
		Error:   err,
		Latency: time.Since(begin),
	}

	if s.showProgress {
		s.printStep(step)
	}
	return step
}

func buildResult(steps []ValidationStep, startTime time.Time) SuiteResult {
	result := SuiteResult{
		Steps:      steps,
		TotalSteps: len(steps),
		Duration:   time.Since(startTime),
		Success:    true,
	}
	for _, step := range steps {
		switch step.Status {
		case StepPassed:
			result.PassedSteps++
		case StepFailed:
			result.FailedSteps++
			result.Success = false
		case StepWarning:
			result.Warnings++
		}
	}
	return result
}

// --- checks ---

// CheckEnvFile warns when the env file is missing; configuration may still
// come from the process environment.
func CheckEnvFile(path string) (StepStatus, string, error) {
	if path == "" {
		path = ".env"
	}
	if err := CheckFileExists(path); err != nil {
		return StepWarning, "Using the process environment", err
	}
	return StepPassed, path, nil
}

// CheckGeneratorCredentials checks the image API key and URL.
func CheckGeneratorCredentials(cfg *core.Config) (StepStatus, string, error) {
	if err := ValidateAPIKey(cfg.OpenAIAPIKey); err != nil {
		return StepFailed, "OPENAI_API_KEY is invalid", err
	}
	if err := ValidateAPIURL(cfg.ImageAPIURL); err != nil {
		return StepFailed, "IMAGE_API_URL is invalid", err
	}
	if !cfg.DevMode && imagegen.IsLocalEndpoint(cfg.ImageAPIURL) {
		return StepWarning, "IMAGE_API_URL points at a local server",
			fmt.Errorf("local image endpoint %s outside dev mode", cfg.ImageAPIURL)
	}
	return StepPassed, fmt.Sprintf("%s via %s", cfg.ImageModel, cfg.ImageAPIURL), nil
}

// CheckDatabaseDir checks that the database directory is writable and warns
// when it is low on space.
func CheckDatabaseDir(dbPath string) (StepStatus, string, error) {
	dir := filepath.Dir(dbPath)
	if err := CheckWritableDir(dir); err != nil {
		return StepFailed, "Database directory is not writable", err
	}
	info, err := CheckDiskSpace(dir, MinDatabaseFreeBytes)
	if err != nil {
		if info != nil {
			return StepWarning, core.FormatBytes(info.Free) + " free", err
		}
		return StepWarning, "Free space unknown", err
	}
	return StepPassed, fmt.Sprintf("%s (%s free)", dir, core.FormatBytes(info.Free)), nil
}

// CheckCacheBackend checks that the configured cache backend is reachable.
func CheckCacheBackend(ctx context.Context, cfg *core.Config) (StepStatus, string, error) {
	switch cfg.CacheBackend {
	case core.CacheBackendRedis:
		client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return StepFailed, "Redis is not reachable", err
		}
		client.Close()
		return StepPassed, "redis", nil
	case core.CacheBackendS3:
		client, err := cache.NewS3Client(ctx, cache.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return StepFailed, "S3 client could not be configured", err
		}
		if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.S3Bucket)}); err != nil {
			return StepFailed, "Bucket " + cfg.S3Bucket + " is not reachable", err
		}
		return StepPassed, "s3://" + cfg.S3Bucket, nil
	default:
		return StepPassed, cfg.CacheBackend, nil
	}
}

// CheckPlanCatalog checks that the plan catalog parses.
func CheckPlanCatalog(path string) (StepStatus, string, error) {
	catalog, err := quota.LoadCatalog(path)
	if err != nil {
		return StepFailed, "Plan catalog is invalid", err
	}
	source := "built-in"
	if path != "" {
		source = path
	}
	return StepPassed, fmt.Sprintf("%d plans (%s)", len(catalog.Names()), source), nil
}

// --- output ---

func (s *ValidationSuite) printHeader(title string) {
	fmt.Fprintln(s.output)
	color.New(color.FgCyan, color.Bold).Fprintf(s.output, "━━━ %s ━━━\n", title)
	fmt.Fprintln(s.output)
}

// printStepStart prints the step name before execution for real-time feedback.
func (s *ValidationSuite) printStepStart(name string) {
	fmt.Fprintf(s.output, "  ◌ %s...", name)
}

// printStep prints a completed validation step with status indicator.
func (s *ValidationSuite) printStep(step ValidationStep) {
	var icon string
	var clr *color.Color

	switch step.Status {
	case StepPassed:
		icon = "✓"
		clr = color.New(color.FgGreen)
	case StepFailed:
		icon = "✗"
		clr = color.New(color.FgRed)
	case StepWarning:
		icon = "!"
		clr = color.New(color.FgYellow)
	case StepSkipped:
		icon = "○"
		clr = color.New(color.FgHiBlack)
	default:
		icon = "?"
		clr = color.New(color.FgWhite)
	}

	// Clear the "running" line
	fmt.Fprintf(s.output, "\r")
	clr.Fprintf(s.output, "  %s %s", icon, step.Name)
	if step.Message != "" {
		color.New(color.FgHiBlack).Fprintf(s.output, " - %s", step.Message)
	}
	fmt.Fprintln(s.output)

	if step.Error != nil && (step.Status == StepFailed || step.Status == StepWarning) {
		clr.Fprintf(s.output, "    └─ %s\n", step.Error.Error())
	}
}

func (s *ValidationSuite) printSummary(result SuiteResult) {
	fmt.Fprintln(s.output)

	if result.Success {
		successColor := color.New(color.FgGreen, color.Bold)
		successColor.Fprintf(s.output, "━━━ Validation Passed ")
		color.New(color.FgHiBlack).Fprintf(s.output, "(%d/%d checks passed in %v)",
			result.PassedSteps, result.TotalSteps, result.Duration.Round(time.Millisecond))
		successColor.Fprintln(s.output, " ━━━")
	} else {
		failColor := color.New(color.FgRed, color.Bold)
		failColor.Fprintf(s.output, "━━━ Validation Failed ")
		color.New(color.FgHiBlack).Fprintf(s.output, "(%d passed, %d failed)",
			result.PassedSteps, result.FailedSteps)
		failColor.Fprintln(s.output, " ━━━")
	}

	fmt.Fprintln(s.output)
}

// GetFirstError returns the first error from failed steps, or nil if all passed.
func (r SuiteResult) GetFirstError() error {
	for _, step := range r.Steps {
		if step.Status == StepFailed && step.Error != nil {
			return step.Error
		}
	}
	return nil
}

// Summary returns a human-readable summary string.
func (r SuiteResult) Summary() string {
	var sb strings.Builder
	state := "Passed"
	if !r.Success {
		state = "Failed"
	}
	fmt.Fprintf(&sb, "Validation %s: %d/%d checks passed", state, r.PassedSteps, r.TotalSteps)
	if r.FailedSteps > 0 {
		fmt.Fprintf(&sb, ", %d failed", r.FailedSteps)
	}
	if r.Warnings > 0 {
		fmt.Fprintf(&sb, ", %d warnings", r.Warnings)
	}
	fmt.Fprintf(&sb, " (took %v)", r.Duration.Round(time.Millisecond))
	return sb.String()
}
