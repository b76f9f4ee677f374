// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package assembler

import (
	"context"
	"io"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/forkbombeu/cvdassemble/internal/assemble"
	"github.com/forkbombeu/cvdassemble/internal/config"
	"github.com/forkbombeu/cvdassemble/internal/cvd"
	"github.com/forkbombeu/cvdassemble/internal/flags"
)

// ErrHelp is returned when the arguments asked for help. The help text has
// already been written to Options.HelpOutput.
var ErrHelp = assemble.ErrHelp

// Assembler runs assembler invocations against one environment.
type Assembler struct {
	env cvd.Env
}

// New creates an Assembler with auto-detected environment.
func New() *Assembler {
	return &Assembler{
		env: cvd.Detect(),
	}
}

// NewWithCorrelationID creates an Assembler with a correlation ID for structured logs.
func NewWithCorrelationID(correlationID string) *Assembler {
	return NewWithContextAndCorrelationID(context.Background(), correlationID)
}

// NewWithContext creates an Assembler with a custom context for tracing.
func NewWithContext(ctx context.Context) *Assembler {
	return NewWithContextAndCorrelationID(ctx, "")
}

// NewWithContextAndCorrelationID creates an Assembler with a custom context and correlation ID.
func NewWithContextAndCorrelationID(ctx context.Context, correlationID string) *Assembler {
	env := cvd.Detect()
	if ctx == nil {
		ctx = context.Background()
	}
	env.Context = ctx
	env.CorrelationID = correlationID
	return &Assembler{
		env: env,
	}
}

// NewWithEnv creates an Assembler with a custom environment. Empty fields
// keep their detected values.
func NewWithEnv(env Environment) *Assembler {
	detected := cvd.Detect()
	ctx := env.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return &Assembler{
		env: cvd.Env{
			Home:          or(env.Home, detected.Home),
			TempDir:       or(env.TempDir, detected.TempDir),
			HostOut:       or(env.HostOut, detected.HostOut),
			ProductOut:    or(env.ProductOut, detected.ProductOut),
			Instance:      env.Instance,
			Sandbox:       env.Sandbox,
			UID:           detected.UID,
			GID:           detected.GID,
			CorrelationID: env.CorrelationID,
			Context:       ctx,
		},
	}
}

func or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Environment holds the host paths the assembler works with.
type Environment struct {
	Home          string          // HOME, parent of the default runtime and assembly dirs
	TempDir       string          // TMPDIR (default /tmp)
	HostOut       string          // ANDROID_HOST_OUT, where host tools live
	ProductOut    string          // ANDROID_PRODUCT_OUT, default system image dir
	Instance      string          // CUTTLEFISH_INSTANCE, base instance number (optional)
	Sandbox       bool            // Running under the host sandbox
	CorrelationID string          // Correlation ID for log enrichment
	Context       context.Context // Context for tracing
}

// Options contains the inputs of one assembly.
type Options struct {
	// Args are assemble_cvd command line flags, e.g. "--num_instances=2".
	Args []string
	// Artifacts are the paths a fetch or build step produced, as the
	// previous stage would write them to stdin.
	Artifacts []string
	// Log receives console logging (default: stderr).
	Log io.Writer
	// HelpOutput receives help text (default: stdout).
	HelpOutput io.Writer
}

// InstanceInfo summarizes one assembled instance.
type InstanceInfo struct {
	ID           int    // Instance number
	Name         string // Instance name (e.g., "1")
	InstanceDir  string // Per-instance runtime directory
	SerialNumber string // Device serial (e.g., CUTTLEFISHCVD01)
	AdbHostPort  int    // Host port forwarded to the guest adbd
	WebrtcDevice string // WebRTC device id
	TargetArch   string // Guest architecture
}

// Result describes a finished assembly.
type Result struct {
	ConfigPath string         // Published configuration document
	VmManager  string         // crosvm, qemu or gem5
	Instances  []InstanceInfo // In instance order
}

func (a *Assembler) startSpan(name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return cvd.StartSpan(a.env, name, attrs...)
}

// Assemble prepares the devices described by opts and publishes their
// configuration.
func (a *Assembler) Assemble(opts Options) (Result, error) {
	ctx, span := a.startSpan("assembler.Assemble", attribute.Int("artifacts", len(opts.Artifacts)))
	defer span.End()

	res, err := assemble.Assemble(a.env.WithContext(ctx), assemble.Options{
		Args:   opts.Args,
		Stdin:  strings.NewReader(strings.Join(opts.Artifacts, "\n")),
		Stdout: opts.HelpOutput,
		Stderr: opts.Log,
	})
	if err != nil {
		return Result{}, err
	}
	return summarize(res.ConfigPath, res.Document), nil
}

// Describe reads a published configuration document.
func (a *Assembler) Describe(configPath string) (Result, error) {
	_, span := a.startSpan("assembler.Describe", attribute.String("config_path", configPath))
	defer span.End()

	doc, err := config.LoadDocument(configPath)
	if err != nil {
		cvd.RecordSpanError(span, err)
		return Result{}, err
	}
	return summarize(configPath, doc), nil
}

// HostArch returns the host architecture in guest terms (x86_64, arm64, ...).
func (a *Assembler) HostArch() string {
	return flags.HostArch()
}

func summarize(path string, doc *config.Document) Result {
	res := Result{ConfigPath: path, VmManager: doc.VmManager}
	for _, inst := range doc.OrderedInstances() {
		res.Instances = append(res.Instances, InstanceInfo{
			ID:           inst.ID,
			Name:         inst.Name,
			InstanceDir:  inst.InstanceDir,
			SerialNumber: inst.SerialNumber,
			AdbHostPort:  inst.AdbHostPort,
			WebrtcDevice: inst.WebrtcDeviceID,
			TargetArch:   inst.TargetArch,
		})
	}
	return res
}
