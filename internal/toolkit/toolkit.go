// Package toolkit hosts the station's WASM analyzer modules. Modules
// live under toolkit/*.wasm, export alloc(size) -> ptr and
// analyze(ptr, len) -> packed, where packed is (ptr << 32) | len of a
// JSON result buffer in guest memory. The host passes JSON in, reads
// JSON out, and feeds any reported findings to the pulse ledger.
package toolkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Narth/Calyx-sub001/internal/audit"
	"github.com/Narth/Calyx-sub001/internal/autonomy"
	"github.com/Narth/Calyx-sub001/internal/persistence"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// Deterministic fault reason codes for module invocations.
const (
	FaultModuleNotFound = "TOOLKIT_MODULE_NOT_FOUND"
	FaultTimeout        = "TOOLKIT_TIMEOUT"
	FaultMemoryExceeded = "TOOLKIT_MEMORY_EXCEEDED"
	FaultNoExport       = "TOOLKIT_NO_EXPORT"
	FaultExecError      = "TOOLKIT_FAULT"
	FaultHostExhausted  = "TOOLKIT_HOST_MEMORY_EXHAUSTED"
)

// Modules the station ships with.
const (
	ModuleTESAnalyzer      = "tes_analyzer"
	ModulePatternSynthesis = "pattern_synthesis"
)

// Fault is a structured error from a module invocation.
type Fault struct {
	Reason string
	Module string
	Detail string
}

func (e *Fault) Error() string {
	return fmt.Sprintf("%s: module=%s: %s", e.Reason, e.Module, e.Detail)
}

// DefaultMemoryLimitPages is 160 pages = 10MB (each WASM page = 64KB).
const DefaultMemoryLimitPages = 160

// DefaultAggregateMemoryLimitPages is 640 pages = 40MB across all modules.
const DefaultAggregateMemoryLimitPages uint32 = 640

// DefaultInvokeTimeout is the wall-clock limit for one analyze call.
const DefaultInvokeTimeout = 30 * time.Second

type Config struct {
	Store  *persistence.Store
	Gates  autonomy.Checker
	Logger *slog.Logger

	// MemoryLimitPages caps memory per module (1 page = 64KB).
	MemoryLimitPages uint32
	// AggregateMemoryLimitPages caps total memory across loaded modules.
	AggregateMemoryLimitPages uint32
	// InvokeTimeout caps wall-clock time per invocation.
	InvokeTimeout time.Duration
}

// Host owns the wazero runtime and the loaded analyzer modules.
type Host struct {
	store  *persistence.Store
	gates  autonomy.Checker
	logger *slog.Logger

	runtime       wazero.Runtime
	invokeTimeout time.Duration

	modulesMu            sync.Mutex
	modules              map[string]api.Module
	manifests            map[string]Manifest
	moduleMemoryPages    map[string]uint32
	aggregateMemoryLimit uint32
}

func NewHost(ctx context.Context, cfg Config) (*Host, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = DefaultMemoryLimitPages
	}
	aggLimit := cfg.AggregateMemoryLimitPages
	if aggLimit == 0 {
		aggLimit = DefaultAggregateMemoryLimitPages
	}
	invokeTimeout := cfg.InvokeTimeout
	if invokeTimeout == 0 {
		invokeTimeout = DefaultInvokeTimeout
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)

	h := &Host{
		store:                cfg.Store,
		gates:                cfg.Gates,
		logger:               cfg.Logger.With("component", "toolkit"),
		runtime:              wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		invokeTimeout:        invokeTimeout,
		modules:              map[string]api.Module{},
		manifests:            map[string]Manifest{},
		moduleMemoryPages:    map[string]uint32{},
		aggregateMemoryLimit: aggLimit,
	}

	builder := h.runtime.NewHostModuleBuilder("calyx")
	builder.NewFunctionBuilder().WithFunc(h.hostLog).Export("log")
	builder.NewFunctionBuilder().WithFunc(h.hostClockUnixMs).Export("clock_unix_ms")
	if _, err := builder.Instantiate(ctx); err != nil {
		return nil, fmt.Errorf("instantiate toolkit host module: %w", err)
	}
	return h, nil
}

func (h *Host) Close(ctx context.Context) error {
	h.modulesMu.Lock()
	for name, module := range h.modules {
		_ = module.Close(ctx)
		delete(h.modules, name)
		delete(h.manifests, name)
		delete(h.moduleMemoryPages, name)
	}
	h.modulesMu.Unlock()
	return h.runtime.Close(ctx)
}

func (h *Host) HasModule(name string) bool {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	_, ok := h.modules[name]
	return ok
}

// Modules lists loaded module names with their manifests.
func (h *Host) Modules() map[string]Manifest {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	out := make(map[string]Manifest, len(h.manifests))
	for name, m := range h.manifests {
		out[name] = m
	}
	return out
}

// MemoryStats returns aggregate pages, the per-module breakdown, and
// the configured limit.
func (h *Host) MemoryStats() (aggregatePages uint32, perModule map[string]uint32, limit uint32) {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	perModule = make(map[string]uint32, len(h.moduleMemoryPages))
	for name, pages := range h.moduleMemoryPages {
		aggregatePages += pages
		perModule[name] = pages
	}
	limit = h.aggregateMemoryLimit
	return
}

// Analyze runs one module against a JSON input and returns its JSON
// result. Every invocation is gate-checked and audited.
func (h *Host) Analyze(ctx context.Context, moduleName string, input []byte) ([]byte, error) {
	if err := h.gates.AllowCapability(autonomy.CapToolkitRun); err != nil {
		audit.Record("deny", autonomy.CapToolkitRun, "missing_capability", h.gates.Version(), moduleName)
		return nil, err
	}
	audit.Record("allow", autonomy.CapToolkitRun, "capability_granted", h.gates.Version(), moduleName)

	h.modulesMu.Lock()
	module, ok := h.modules[moduleName]
	manifest := h.manifests[moduleName]
	h.modulesMu.Unlock()
	if !ok {
		return nil, &Fault{Reason: FaultModuleNotFound, Module: moduleName, Detail: "module not loaded"}
	}
	entry := manifest.Entry
	if entry == "" {
		entry = "analyze"
	}

	invokeCtx, cancel := context.WithTimeout(ctx, h.invokeTimeout)
	defer cancel()

	allocFn := module.ExportedFunction("alloc")
	analyzeFn := module.ExportedFunction(entry)
	if allocFn == nil || analyzeFn == nil {
		return nil, &Fault{Reason: FaultNoExport, Module: moduleName,
			Detail: fmt.Sprintf("module must export alloc and %s", entry)}
	}

	allocRes, err := allocFn.Call(invokeCtx, uint64(len(input)))
	if err != nil {
		return nil, classifyFault(moduleName, err)
	}
	if len(allocRes) == 0 {
		return nil, &Fault{Reason: FaultExecError, Module: moduleName, Detail: "alloc returned nothing"}
	}
	inPtr := uint32(allocRes[0])
	if !module.Memory().Write(inPtr, input) {
		return nil, &Fault{Reason: FaultMemoryExceeded, Module: moduleName, Detail: "input write out of bounds"}
	}

	results, err := analyzeFn.Call(invokeCtx, uint64(inPtr), uint64(len(input)))
	if err != nil {
		return nil, classifyFault(moduleName, err)
	}
	if len(results) == 0 {
		return nil, &Fault{Reason: FaultExecError, Module: moduleName, Detail: "analyze returned nothing"}
	}
	packed := results[0]
	outPtr := uint32(packed >> 32)
	outLen := uint32(packed)
	out, ok := module.Memory().Read(outPtr, outLen)
	if !ok {
		return nil, &Fault{Reason: FaultMemoryExceeded, Module: moduleName, Detail: "result read out of bounds"}
	}
	// The guest owns the buffer; copy before the next call reuses it.
	result := make([]byte, len(out))
	copy(result, out)
	h.logger.Debug("toolkit analyze complete", "module", moduleName, "in_bytes", len(input), "out_bytes", len(result))
	return result, nil
}

// analysisResult is the JSON shape modules return.
type analysisResult struct {
	Findings []persistence.Finding `json:"findings"`
}

// Report runs Analyze and records any findings the module reports so
// they surface in the next bridge pulse.
func (h *Host) Report(ctx context.Context, moduleName string, input []byte) ([]persistence.Finding, error) {
	raw, err := h.Analyze(ctx, moduleName, input)
	if err != nil {
		return nil, err
	}
	var res analysisResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &Fault{Reason: FaultExecError, Module: moduleName,
			Detail: fmt.Sprintf("result is not valid JSON: %v", err)}
	}
	for i := range res.Findings {
		if res.Findings[i].Kind == "" {
			res.Findings[i].Kind = moduleName
		}
		if res.Findings[i].Severity == "" {
			res.Findings[i].Severity = "info"
		}
	}
	if h.store != nil && len(res.Findings) > 0 {
		if err := h.store.InsertFindings(ctx, res.Findings); err != nil {
			return res.Findings, fmt.Errorf("record toolkit findings: %w", err)
		}
	}
	return res.Findings, nil
}

func (h *Host) LoadModuleFromFile(ctx context.Context, srcPath string) error {
	manifest, wasmBytes, err := LoadModule(srcPath)
	if err != nil {
		return err
	}
	return h.loadModule(ctx, manifest, wasmBytes, srcPath)
}

func (h *Host) loadModule(ctx context.Context, manifest Manifest, wasmBytes []byte, source string) error {
	name := manifest.Name
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("compile toolkit module %s: %w", name, err)
	}

	// Estimate memory from the compiled module's declared minimums.
	var estimatedPages uint32
	for _, def := range compiled.ImportedMemories() {
		estimatedPages += def.Min()
	}
	for _, def := range compiled.ExportedMemories() {
		estimatedPages += def.Min()
	}
	if estimatedPages == 0 {
		estimatedPages = 1
	}

	h.modulesMu.Lock()
	var currentAggregate uint32
	for n, pages := range h.moduleMemoryPages {
		if n != name {
			currentAggregate += pages
		}
	}
	if currentAggregate+estimatedPages > h.aggregateMemoryLimit {
		h.modulesMu.Unlock()
		return &Fault{
			Reason: FaultHostExhausted,
			Module: name,
			Detail: fmt.Sprintf("aggregate=%d pages, new=%d pages, limit=%d pages",
				currentAggregate, estimatedPages, h.aggregateMemoryLimit),
		}
	}
	// Close any previous instance before the replacement (wazero tracks names).
	if old, ok := h.modules[name]; ok {
		_ = old.Close(ctx)
		delete(h.modules, name)
		delete(h.manifests, name)
		delete(h.moduleMemoryPages, name)
	}
	h.modulesMu.Unlock()

	module, err := h.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return fmt.Errorf("instantiate toolkit module %s: %w", name, err)
	}

	actualPages := estimatedPages
	if mem := module.Memory(); mem != nil {
		if pages, ok := mem.Grow(0); ok && pages > 0 {
			actualPages = pages
		}
	}

	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	h.modules[name] = module
	h.manifests[name] = manifest
	h.moduleMemoryPages[name] = actualPages

	var aggregate uint32
	for _, pages := range h.moduleMemoryPages {
		aggregate += pages
	}
	h.logger.Info("toolkit module loaded",
		"module", name, "version", manifest.Version, "path", source,
		"memory_pages", actualPages, "aggregate_pages", aggregate, "limit_pages", h.aggregateMemoryLimit)
	return nil
}

func classifyFault(moduleName string, err error) *Fault {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Fault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return &Fault{Reason: FaultTimeout, Module: moduleName, Detail: "canceled"}
	}
	// wazero raises sys.ExitError on context-driven termination.
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return &Fault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
	}
	if strings.Contains(err.Error(), "memory") {
		return &Fault{Reason: FaultMemoryExceeded, Module: moduleName, Detail: err.Error()}
	}
	return &Fault{Reason: FaultExecError, Module: moduleName, Detail: err.Error()}
}

func readGuestString(module api.Module, ptr, length uint32) (string, bool) {
	data, ok := module.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

func (h *Host) hostLog(_ context.Context, module api.Module, levelPtr, levelLen, msgPtr, msgLen uint32) {
	level, ok := readGuestString(module, levelPtr, levelLen)
	if !ok {
		level = "info"
	}
	msg, ok := readGuestString(module, msgPtr, msgLen)
	if !ok {
		h.logger.Warn("toolkit log: failed to read message from guest memory")
		return
	}
	switch strings.ToLower(level) {
	case "error":
		h.logger.Error("toolkit guest log", "msg", msg)
	case "warn":
		h.logger.Warn("toolkit guest log", "msg", msg)
	case "debug":
		h.logger.Debug("toolkit guest log", "msg", msg)
	default:
		h.logger.Info("toolkit guest log", "msg", msg)
	}
}

func (h *Host) hostClockUnixMs(_ context.Context, _ api.Module) int64 {
	return time.Now().UnixMilli()
}
