package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// LoggingConfig controls ProductionLogger's output. Supports structured
// (JSON) and human-readable (text) formats; JSON is recommended whenever
// logs are shipped to an aggregator.
type LoggingConfig struct {
	Level  string `json:"level" env:"ORCH_LOG_LEVEL" default:"info"`
	Format string `json:"format" env:"ORCH_LOG_FORMAT" default:"json"`
	Output string `json:"output" env:"ORCH_LOG_OUTPUT" default:"stdout"`
}

// DevelopmentConfig holds local-development logging overrides.
type DevelopmentConfig struct {
	DebugLogging bool `json:"debug_logging" env:"ORCH_DEBUG" default:"false"`
}

// LoggingConfigFromEnv builds a LoggingConfig from ORCH_LOG_* environment
// variables, falling back to the documented defaults.
func LoggingConfigFromEnv() LoggingConfig {
	cfg := LoggingConfig{Level: "info", Format: "json", Output: "stdout"}
	if v := os.Getenv("ORCH_LOG_LEVEL"); v != "" {
		cfg.Level = v
	}
	if v := os.Getenv("ORCH_LOG_FORMAT"); v != "" {
		cfg.Format = v
	}
	if v := os.Getenv("ORCH_LOG_OUTPUT"); v != "" {
		cfg.Output = v
	}
	return cfg
}

// DevelopmentConfigFromEnv builds a DevelopmentConfig from ORCH_DEBUG.
func DevelopmentConfigFromEnv() DevelopmentConfig {
	return DevelopmentConfig{DebugLogging: os.Getenv("ORCH_DEBUG") == "true"}
}

// ============================================================================
// ProductionLogger — layered observability: structured logs + optional
// metric emission through the global MetricsRegistry.
// ============================================================================

// ProductionLogger is the kernel's concrete Logger/ComponentAwareLogger.
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	component   string
	format      string
	output      io.Writer

	metricsEnabled bool
}

// NewProductionLogger creates a root logger from LoggingConfig. The returned
// value satisfies ComponentAwareLogger; call WithComponent to scope it to a
// subsystem.
func NewProductionLogger(logging LoggingConfig, dev DevelopmentConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}

	l := &ProductionLogger{
		level:       strings.ToLower(logging.Level),
		debug:       dev.DebugLogging || strings.ToLower(logging.Level) == "debug",
		serviceName: serviceName,
		component:   "kernel",
		format:      logging.Format,
		output:      output,
	}
	trackLogger(l)
	return l
}

// WithComponent returns a logger that tags every emitted line with
// component, sharing this logger's configuration and metrics state.
func (p *ProductionLogger) WithComponent(component string) Logger {
	child := &ProductionLogger{
		level:          p.level,
		debug:          p.debug,
		serviceName:    p.serviceName,
		component:      component,
		format:         p.format,
		output:         p.output,
		metricsEnabled: p.metricsEnabled,
	}
	return child
}

// EnableMetrics turns on metric emission for every log event. Called once
// the global MetricsRegistry is installed.
func (p *ProductionLogger) EnableMetrics() {
	p.metricsEnabled = true
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, nil)
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, ctx)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, nil)
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, ctx)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, nil)
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, ctx)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, nil)
	}
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, ctx)
	}
}

func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}, ctx context.Context) {
	timestamp := time.Now().Format(time.RFC3339)

	if p.format == "json" {
		logEntry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"component": p.component,
			"message":   msg,
		}

		if ctx != nil {
			if baggage := getContextBaggage(ctx); len(baggage) > 0 {
				for k, v := range baggage {
					logEntry["trace."+k] = v
				}
			}
		}

		for k, v := range fields {
			logEntry[k] = v
		}

		if data, err := json.Marshal(logEntry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
	} else {
		traceInfo := ""
		if ctx != nil {
			if baggage := getContextBaggage(ctx); baggage["request_id"] != "" {
				traceInfo = fmt.Sprintf("[req=%s] ", baggage["request_id"])
			}
		}

		var fieldStr strings.Builder
		if len(fields) > 0 {
			fieldStr.WriteString(" ")
			for k, v := range fields {
				fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
			}
		}

		fmt.Fprintf(p.output, "%s [%s] [%s/%s] %s%s%s\n",
			timestamp, level, p.serviceName, p.component, traceInfo, msg, fieldStr.String())
	}

	if p.metricsEnabled {
		p.emitFrameworkMetric(level, msg, fields, ctx)
	}
}

// emitFrameworkMetric forwards low-cardinality fields to the global
// MetricsRegistry so structured logs double as a metric source without
// every call site hand-rolling a counter increment.
func (p *ProductionLogger) emitFrameworkMetric(level, msg string, fields map[string]interface{}, ctx context.Context) {
	labels := []string{
		"level", level,
		"service", p.serviceName,
		"component", p.component,
	}

	for k, v := range fields {
		switch k {
		case "operation", "status", "error_type", "tool_name":
			labels = append(labels, k, fmt.Sprintf("%v", v))
		}
	}

	if ctx != nil {
		emitMetricWithContext(ctx, "kernel.log_events", 1.0, labels...)
	} else {
		emitMetric("kernel.log_events", 1.0, labels...)
	}
}

func emitMetric(name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.Counter(name, labels...)
	}
}

func emitMetricWithContext(ctx context.Context, name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.EmitWithContext(ctx, name, value, labels...)
	}
}

func getContextBaggage(ctx context.Context) map[string]string {
	if globalMetricsRegistry != nil {
		return globalMetricsRegistry.GetBaggage(ctx)
	}
	return make(map[string]string)
}
