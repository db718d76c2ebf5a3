package alerting

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/seznam/request-monitor/pkg/bucket_aggregator"
	"github.com/seznam/request-monitor/pkg/event"
	"github.com/seznam/request-monitor/pkg/stats"
)

const (
	HighErrorRate = "highErrorRate"
	SlowRequests  = "slowRequests"
	HighLoad      = "highLoad"
)

var (
	ErrUnknownRule = errors.New("unknown alert rule")

	alertFiring = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "alert_firing",
		Help: "Whether the alert is firing, disabled alerts never fire.",
	}, []string{"alert"})
)

// Input is the derived state of the window the rules are evaluated against.
type Input struct {
	Stats             stats.Stats
	Events            []*event.Request
	Buckets           []bucket_aggregator.Bucket
	BucketGranularity time.Duration
}

type valueFunc func(Input) float64

// errorRate is percentage of errors in the window.
func errorRate(in Input) float64 {
	if in.Stats.Total == 0 {
		return 0
	}
	return float64(in.Stats.Errors) / float64(in.Stats.Total) * 100
}

// maxResponseTime is the slowest request in the window.
func maxResponseTime(in Input) float64 {
	var max int64
	for _, e := range in.Events {
		if e.ResponseTimeMs > max {
			max = e.ResponseTimeMs
		}
	}
	return float64(max)
}

// requestsPerMinute scales the newest bucket to requests per minute.
func requestsPerMinute(in Input) float64 {
	if len(in.Buckets) == 0 || in.BucketGranularity <= 0 {
		return 0
	}
	newest := in.Buckets[len(in.Buckets)-1]
	return float64(newest.Requests) * float64(time.Minute) / float64(in.BucketGranularity)
}

type ruleDefinition struct {
	description      string
	defaultEnabled   bool
	defaultThreshold float64
	value            valueFunc
}

var definitions = map[string]ruleDefinition{
	HighErrorRate: {description: "Error rate in percent exceeds the threshold.", defaultEnabled: true, defaultThreshold: 10, value: errorRate},
	SlowRequests:  {description: "Some request took longer than the threshold in milliseconds.", defaultEnabled: false, defaultThreshold: 2000, value: maxResponseTime},
	HighLoad:      {description: "Requests per minute in the newest chart bucket exceed the threshold.", defaultEnabled: false, defaultThreshold: 1000, value: requestsPerMinute},
}

// RuleConfig overrides defaults of a single rule.
type RuleConfig struct {
	Name      string   `yaml:"name"`
	Enabled   *bool    `yaml:"enabled"`
	Threshold *float64 `yaml:"threshold"`
}

// Alert is the evaluated state of a single rule.
type Alert struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Enabled     bool    `json:"enabled"`
	Threshold   float64 `json:"threshold"`
	Value       float64 `json:"value"`
	Firing      bool    `json:"firing"`
}

type rule struct {
	name        string
	description string
	enabled     bool
	threshold   float64
	value       valueFunc
	firing      bool
}

// Evaluator holds the alert rules and their last evaluated state.
type Evaluator struct {
	mtx    sync.Mutex
	rules  []*rule
	logger logrus.FieldLogger
}

// NewFromRawConfig decodes rule overrides as loaded by viper.
func NewFromRawConfig(rawConfig interface{}, logger logrus.FieldLogger) (*Evaluator, error) {
	var configs []RuleConfig
	if rawConfig != nil {
		// Viper unmarshal the nested structure to nested structure of interface{} types,
		// so we marshall it to YAML again and decode it strictly.
		marshalledConfig, err := yaml.Marshal(rawConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load alert rules configuration: %w", err)
		}
		if err := yaml.UnmarshalStrict(marshalledConfig, &configs); err != nil {
			return nil, fmt.Errorf("failed to load alert rules configuration: %w", err)
		}
	}
	return New(configs, logger)
}

func New(configs []RuleConfig, logger logrus.FieldLogger) (*Evaluator, error) {
	overrides := map[string]RuleConfig{}
	for _, c := range configs {
		if _, ok := definitions[c.Name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRule, c.Name)
		}
		if _, ok := overrides[c.Name]; ok {
			return nil, fmt.Errorf("duplicate configuration of alert rule %s", c.Name)
		}
		if c.Threshold != nil && *c.Threshold < 0 {
			return nil, fmt.Errorf("threshold of alert rule %s must not be negative", c.Name)
		}
		overrides[c.Name] = c
	}
	var names []string
	for name := range definitions {
		names = append(names, name)
	}
	sort.Strings(names)

	e := Evaluator{logger: logger}
	for _, name := range names {
		def := definitions[name]
		r := rule{name: name, description: def.description, enabled: def.defaultEnabled, threshold: def.defaultThreshold, value: def.value}
		if o, ok := overrides[name]; ok {
			if o.Enabled != nil {
				r.enabled = *o.Enabled
			}
			if o.Threshold != nil {
				r.threshold = *o.Threshold
			}
		}
		alertFiring.WithLabelValues(name).Set(0)
		e.rules = append(e.rules, &r)
	}
	return &e, nil
}

func (e *Evaluator) RegisterMetrics(wrappedRegistry prometheus.Registerer) error {
	return wrappedRegistry.Register(alertFiring)
}

// SetEnabled enables or disables the rule. Disabled rule stops firing on the next evaluation.
func (e *Evaluator) SetEnabled(name string, enabled bool) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	for _, r := range e.rules {
		if r.name == name {
			r.enabled = enabled
			e.logger.WithFields(logrus.Fields{"alert": name, "enabled": enabled}).Info("alert rule changed")
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownRule, name)
}

// Evaluate computes state of all rules sorted by name.
func (e *Evaluator) Evaluate(in Input) []Alert {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	alerts := make([]Alert, 0, len(e.rules))
	for _, r := range e.rules {
		value := r.value(in)
		firing := r.enabled && value > r.threshold
		if firing != r.firing {
			logger := e.logger.WithFields(logrus.Fields{"alert": r.name, "value": value, "threshold": r.threshold})
			if firing {
				logger.Warn("alert started firing")
			} else {
				logger.Info("alert resolved")
			}
			r.firing = firing
		}
		if firing {
			alertFiring.WithLabelValues(r.name).Set(1)
		} else {
			alertFiring.WithLabelValues(r.name).Set(0)
		}
		alerts = append(alerts, Alert{
			Name:        r.name,
			Description: r.description,
			Enabled:     r.enabled,
			Threshold:   r.threshold,
			Value:       value,
			Firing:      firing,
		})
	}
	return alerts
}
