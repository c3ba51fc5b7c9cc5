// Package scanner wraps tool calls with content scanning for prompt
// injection and data exfiltration. Inputs are scanned before the wrapped
// call, outputs after it, and every verdict is appended to a JSONL audit
// trail.
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/calderlabs/overseer/internal/rpc"
	"github.com/calderlabs/overseer/pkg/models"
)

// FailMode decides what happens when the scanner itself is unreachable.
type FailMode string

const (
	// FailBlock treats scanner failure as a block.
	FailBlock FailMode = "block"
	// FailAllow lets traffic through when the scanner is down.
	FailAllow FailMode = "allow"
)

// scanTool is the tool name the scanner server exposes.
const scanTool = "scan_text"

// Caller is the subset of the tool-server client the wrapper needs.
type Caller interface {
	Name() string
	Call(ctx context.Context, toolName string, arguments map[string]any) (*rpc.ToolResult, error)
	ListTools(ctx context.Context) ([]rpc.ToolDescriptor, error)
}

// Verdict is the scanner's decision for one piece of content.
type Verdict struct {
	Safe       bool     `json:"safe"`
	Confidence float64  `json:"confidence"`
	Threats    []string `json:"threats,omitempty"`
}

// Config controls which directions are scanned and the failure posture.
type Config struct {
	ScanInput  bool
	ScanOutput bool
	FailMode   FailMode
}

// Wrapper scans tool-call arguments and results through a scanner server.
type Wrapper struct {
	inner   Caller
	scanner Caller
	config  Config
	audit   *AuditLog
	logger  *slog.Logger
}

// Wrap decorates a tool-server caller with scanning. A nil scanner caller
// disables scanning entirely and the wrapper becomes a passthrough.
func Wrap(inner, scannerCaller Caller, cfg Config, audit *AuditLog, logger *slog.Logger) *Wrapper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FailMode == "" {
		cfg.FailMode = FailBlock
	}
	return &Wrapper{
		inner:   inner,
		scanner: scannerCaller,
		config:  cfg,
		audit:   audit,
		logger:  logger.With("component", "scanner", "server", inner.Name()),
	}
}

// Name returns the wrapped server's name.
func (w *Wrapper) Name() string { return w.inner.Name() }

// ListTools passes through to the wrapped server. Catalogs are metadata,
// not user content, so they are not scanned.
func (w *Wrapper) ListTools(ctx context.Context) ([]rpc.ToolDescriptor, error) {
	return w.inner.ListTools(ctx)
}

// Call scans the serialized arguments, invokes the wrapped server, then
// scans the result content. A threat verdict in either direction blocks the
// call with KindScannerBlocked.
func (w *Wrapper) Call(ctx context.Context, toolName string, arguments map[string]any) (*rpc.ToolResult, error) {
	if w.scanner != nil && w.config.ScanInput {
		content, err := serializeArguments(arguments)
		if err != nil {
			return nil, err
		}
		if err := w.scan(ctx, "input:"+toolName, content); err != nil {
			return nil, err
		}
	}

	result, err := w.inner.Call(ctx, toolName, arguments)
	if err != nil {
		return nil, err
	}

	if w.scanner != nil && w.config.ScanOutput && result.Content != "" {
		if err := w.scan(ctx, "output:"+toolName, result.Content); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// scan runs one verdict round trip and applies the fail mode.
func (w *Wrapper) scan(ctx context.Context, source, content string) error {
	started := time.Now()
	verdict, err := w.askScanner(ctx, content)
	latency := time.Since(started).Milliseconds()

	if err != nil {
		w.logger.Warn("scanner unavailable", "source", source, "error", err)
		if w.config.FailMode == FailAllow {
			w.record(source, content, Verdict{Safe: true, Threats: []string{"scanner unavailable, fail-open"}}, latency)
			return nil
		}
		w.record(source, content, Verdict{Safe: false, Threats: []string{"scanner unavailable, fail-closed"}}, latency)
		return models.WrapError(models.KindScannerBlocked, err, "scan of %s failed", source)
	}

	w.record(source, content, *verdict, latency)

	if !verdict.Safe {
		w.logger.Warn("content blocked", "source", source, "confidence", verdict.Confidence, "threats", verdict.Threats)
		return models.NewError(models.KindScannerBlocked, "content blocked by scanner (%s): %v", source, verdict.Threats)
	}
	return nil
}

// askScanner sends content to the scanner tool and parses the verdict.
func (w *Wrapper) askScanner(ctx context.Context, content string) (*Verdict, error) {
	result, err := w.scanner.Call(ctx, scanTool, map[string]any{"text": content})
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("scanner error: %s", result.Error)
	}

	var verdict Verdict
	if err := json.Unmarshal([]byte(result.Content), &verdict); err != nil {
		return nil, fmt.Errorf("parse scanner verdict: %w", err)
	}
	return &verdict, nil
}

func (w *Wrapper) record(source, content string, verdict Verdict, latencyMs int64) {
	if w.audit == nil {
		return
	}
	entry := AuditEntry{
		ScanID:      uuid.NewString(),
		Source:      source,
		ContentHash: hashContent(content),
		Safe:        verdict.Safe,
		Confidence:  verdict.Confidence,
		Threats:     verdict.Threats,
		LatencyMs:   latencyMs,
	}
	if err := w.audit.Append(entry); err != nil {
		w.logger.Error("audit write failed", "error", err)
	}
}

// serializeArguments renders arguments deterministically so identical calls
// hash identically. json.Marshal sorts map keys.
func serializeArguments(arguments map[string]any) (string, error) {
	if len(arguments) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(arguments)
	if err != nil {
		return "", fmt.Errorf("serialize arguments: %w", err)
	}
	return string(data), nil
}
