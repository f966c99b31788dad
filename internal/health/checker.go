package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sentinelops/sentinel/pkg/errors"
)

// CheckFunction defines the signature for dependency checks
type CheckFunction func(ctx context.Context) error

// Check is a registered dependency check
type Check struct {
	Name     string
	Critical bool
	Timeout  time.Duration
	Function CheckFunction
}

// Result represents the result of a dependency check
type Result struct {
	Check     string        `json:"check"`
	Status    Status        `json:"status"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Report aggregates one run of every check.
type Report struct {
	Status    Status    `json:"status"`
	Checks    []Result  `json:"checks"`
	Timestamp time.Time `json:"timestamp"`
}

// Checker runs dependency checks (store reachability and the like) for the
// readiness endpoint.
type Checker struct {
	mu      sync.RWMutex
	timeout time.Duration
	checks  map[string]Check
}

// NewChecker creates a checker. timeout bounds checks registered without one.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{timeout: timeout, checks: make(map[string]Check)}
}

// Register adds a check. A failing critical check makes the report critical,
// any other failing check makes it warning.
func (c *Checker) Register(check Check) error {
	if check.Name == "" || check.Function == nil {
		return errors.NewError(errors.ErrCodeInvalidArgument, "check requires a name and a function").
			WithComponent("health")
	}
	if check.Timeout <= 0 {
		check.Timeout = c.timeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.checks[check.Name]; exists {
		return errors.NewError(errors.ErrCodeInvalidArgument, "check already registered").
			WithComponent("health").
			WithDetail("check", check.Name)
	}
	c.checks[check.Name] = check
	return nil
}

// Run executes every check concurrently.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := make([]Check, 0, len(c.checks))
	for _, check := range c.checks {
		checks = append(checks, check)
	}
	c.mu.RUnlock()

	results := make(chan outcome, len(checks))
	for _, check := range checks {
		go func(ch Check) {
			results <- outcome{Result: executeCheck(ctx, ch), critical: ch.Critical}
		}(check)
	}

	report := Report{Status: StatusHealthy, Checks: make([]Result, 0, len(checks)), Timestamp: time.Now()}
	for range checks {
		r := <-results
		report.Checks = append(report.Checks, r.Result)
		if r.Status == StatusHealthy {
			continue
		}
		if r.critical {
			report.Status = StatusCritical
		} else if report.Status == StatusHealthy {
			report.Status = StatusWarning
		}
	}
	sort.Slice(report.Checks, func(i, j int) bool { return report.Checks[i].Check < report.Checks[j].Check })
	return report
}

type outcome struct {
	Result
	critical bool
}

func executeCheck(ctx context.Context, check Check) Result {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	err := check.Function(checkCtx)
	result := Result{
		Check:     check.Name,
		Status:    StatusHealthy,
		Duration:  time.Since(start),
		Timestamp: start,
	}
	if err != nil {
		result.Status = StatusCritical
		if !check.Critical {
			result.Status = StatusWarning
		}
		result.Error = err.Error()
	}
	return result
}
