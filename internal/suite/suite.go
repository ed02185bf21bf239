// ABOUTME: Test-suite files: the workers to spawn and the tests a run executes
// ABOUTME: TOML with ${VAR} expansion, validated and converted into a workout

package suite

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/2389/coven-sim/internal/harness"
	"github.com/2389/coven-sim/internal/operation"
)

// ErrInvalidSuite indicates a suite file that cannot be run.
var ErrInvalidSuite = errors.New("invalid suite")

// DefaultDuration is the run phase length when the suite sets none.
const DefaultDuration = 30 * time.Second

// Suite is a parsed test-suite file.
type Suite struct {
	ID string `toml:"id"`

	Duration    time.Duration `toml:"-"`
	DurationRaw string        `toml:"duration"`

	Workers WorkersConfig        `toml:"workers"`
	Tests   []operation.TestCase `toml:"test"`
}

// WorkersConfig is the batch of workers every agent spawns.
type WorkersConfig struct {
	Count   int                `toml:"count"`
	Type    harness.WorkerType `toml:"type"`
	Command []string           `toml:"command"`
	Env     map[string]string  `toml:"env"`
}

// Load reads a suite from path.
func Load(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading suite file: %w", err)
	}
	return Parse(string(data))
}

// Parse decodes a suite from TOML text, expanding ${VAR} references first.
func Parse(text string) (*Suite, error) {
	var s Suite
	md, err := toml.Decode(expandEnvVars(text), &s)
	if err != nil {
		return nil, fmt.Errorf("parsing suite: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalidSuite, strings.Join(keys, ", "))
	}

	s.Duration = DefaultDuration
	if s.DurationRaw != "" {
		if s.Duration, err = time.ParseDuration(s.DurationRaw); err != nil {
			return nil, fmt.Errorf("%w: duration %q: %v", ErrInvalidSuite, s.DurationRaw, err)
		}
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Workers.Type == "" {
		s.Workers.Type = harness.MemberWorker
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(re.FindStringSubmatch(match)[1])
	})
}

// Validate checks the suite for errors every worker would otherwise report.
func (s *Suite) Validate() error {
	if len(s.Tests) == 0 {
		return fmt.Errorf("%w: no tests", ErrInvalidSuite)
	}
	if err := s.Settings().Validate(); err != nil {
		return fmt.Errorf("%w: workers: %v", ErrInvalidSuite, err)
	}
	if s.Duration < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidSuite)
	}

	seen := make(map[string]int, len(s.Tests))
	for i, tc := range s.Tests {
		if tc.Module == "" {
			return fmt.Errorf("%w: test %d has no module", ErrInvalidSuite, i+1)
		}
		if prev, ok := seen[tc.ID]; ok {
			return fmt.Errorf("%w: tests %d and %d share id %q", ErrInvalidSuite, prev, i+1, tc.ID)
		}
		seen[tc.ID] = i + 1
	}
	return nil
}

// Workout returns the tests as a workout.
func (s *Suite) Workout() harness.Workout {
	return harness.Workout{ID: s.ID, Tests: s.Tests, Duration: s.Duration}
}

// Settings returns the spawn request sent to each agent.
func (s *Suite) Settings() harness.WorkerSettings {
	return harness.WorkerSettings{
		Count:   s.Workers.Count,
		Type:    s.Workers.Type,
		Command: s.Workers.Command,
		Env:     s.Workers.Env,
	}
}
