package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickCadenceMs    int `yaml:"tick_cadence_ms"`
	FrameBudgetMs    int `yaml:"frame_budget_ms"`
	TickHistoryDepth int `yaml:"tick_history_depth"`

	Heartbeat Heartbeat `yaml:"heartbeat"`
	Sessions  Sessions  `yaml:"sessions"`

	Capture Capture `yaml:"capture"`
}

type Heartbeat struct {
	IntervalMs          int `yaml:"interval_ms"`
	ConsecutiveWarnings int `yaml:"consecutive_warnings"`
}

type Sessions struct {
	TTLMinutes int `yaml:"ttl_minutes"`

	// Max concurrent active sessions per (agent, provider). Providers not
	// listed fall back to Default.
	MaxPerAgent        map[string]int `yaml:"max_per_agent"`
	MaxPerAgentDefault int            `yaml:"max_per_agent_default"`
}

type Capture struct {
	TxTimeoutMs  int `yaml:"tx_timeout_ms"`
	RetryBackoff int `yaml:"retry_backoff_ms"`
	MaxRetries   int `yaml:"max_retries"`
}

func Load(path string) (Tuning, error) {
	var t Tuning
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.fillDefaults()
	if err := t.validate(); err != nil {
		return t, err
	}
	return t, nil
}

func Defaults() Tuning {
	var t Tuning
	t.fillDefaults()
	return t
}

func (t *Tuning) fillDefaults() {
	if t.ProtocolVersion == "" {
		t.ProtocolVersion = "1.0"
	}
	if t.TickCadenceMs <= 0 {
		t.TickCadenceMs = 200
	}
	if t.FrameBudgetMs <= 0 {
		t.FrameBudgetMs = t.TickCadenceMs
	}
	if t.TickHistoryDepth <= 0 {
		t.TickHistoryDepth = 32
	} else if t.TickHistoryDepth < 2 {
		// Depth 1 would prune the rows an in-flight previous-tick diff reads.
		t.TickHistoryDepth = 2
	}
	if t.Heartbeat.IntervalMs <= 0 {
		t.Heartbeat.IntervalMs = 5000
	}
	if t.Heartbeat.ConsecutiveWarnings <= 0 {
		t.Heartbeat.ConsecutiveWarnings = 3
	}
	if t.Sessions.TTLMinutes <= 0 {
		t.Sessions.TTLMinutes = 60
	}
	if t.Sessions.MaxPerAgentDefault <= 0 {
		t.Sessions.MaxPerAgentDefault = 4
	}
	if t.Capture.TxTimeoutMs <= 0 {
		t.Capture.TxTimeoutMs = 2000
	}
	if t.Capture.RetryBackoff <= 0 {
		t.Capture.RetryBackoff = 50
	}
	if t.Capture.MaxRetries <= 0 {
		t.Capture.MaxRetries = 3
	}
}

func (t *Tuning) validate() error {
	if t.FrameBudgetMs > t.TickCadenceMs {
		return fmt.Errorf("frame_budget_ms %d exceeds tick_cadence_ms %d", t.FrameBudgetMs, t.TickCadenceMs)
	}
	for provider, n := range t.Sessions.MaxPerAgent {
		if n <= 0 {
			return fmt.Errorf("max_per_agent[%s] must be positive, got %d", provider, n)
		}
	}
	return nil
}

func (t Tuning) TickCadence() time.Duration { return time.Duration(t.TickCadenceMs) * time.Millisecond }

func (t Tuning) FrameBudget() time.Duration { return time.Duration(t.FrameBudgetMs) * time.Millisecond }

func (t Tuning) HeartbeatInterval() time.Duration {
	return time.Duration(t.Heartbeat.IntervalMs) * time.Millisecond
}

func (t Tuning) SessionTTL() time.Duration { return time.Duration(t.Sessions.TTLMinutes) * time.Minute }

// MaxSessions returns the active-session cap for a provider.
func (t Tuning) MaxSessions(provider string) int {
	if n, ok := t.Sessions.MaxPerAgent[provider]; ok {
		return n
	}
	return t.Sessions.MaxPerAgentDefault
}
