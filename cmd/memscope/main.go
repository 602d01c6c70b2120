// Command memscope is a thin CLI wrapper around the library's export/parse
// contracts (spec.md §6): "export-binary" finalizes a session into a
// ".memscope" file, "parse" renders an existing file into the five JSON
// families. It mirrors the teacher's cmd root — a single flag.Parse,
// a config file resolved from flag or env, fail loud to stderr — kept
// thin on purpose: the library (internal/dispatcher, internal/codec,
// internal/aggregator) does the real work, not this binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"memscope/internal/aggregator"
	"memscope/internal/codec"
	"memscope/internal/dispatcher"
	"memscope/internal/hook"
	"memscope/pkg/config"
	"memscope/pkg/container"
	"memscope/pkg/diagnosticsserver"
	"memscope/pkg/hoststats"
	"memscope/pkg/merrors"
	"memscope/pkg/streaming"
	"memscope/pkg/tracing"
)

// Exit codes from spec.md §6.
const (
	exitOK                = 0
	exitOther             = 1
	exitInvalidFile       = 2
	exitTruncatedReadable = 3
	exitUnsupportedVer    = 4
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitOther)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	var err error
	switch os.Args[1] {
	case "export-binary":
		err = runExportBinary(os.Args[2:], logger)
	case "parse":
		err = runParse(os.Args[2:], logger)
	default:
		usage()
		os.Exit(exitOther)
	}

	os.Exit(codeFor(err, logger))
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  memscope export-binary -from <session-label> -to <path.memscope> [-config <file>]")
	fmt.Fprintln(os.Stderr, "  memscope parse -from <path.memscope> -to-json <dir> [-fields <subset>] [-config <file>]")
}

func codeFor(err error, logger *logrus.Logger) int {
	if err == nil {
		return exitOK
	}
	switch {
	case errors.Is(err, codec.ErrBadMagic), errors.Is(err, codec.ErrChecksumMismatch), errors.Is(err, codec.ErrShortHeader):
		logger.WithError(err).Error("invalid session file")
		return exitInvalidFile
	case errors.Is(err, codec.ErrUnsupportedVersion):
		logger.WithError(err).Error("unsupported format version")
		return exitUnsupportedVer
	case errors.Is(err, codec.ErrTruncated):
		logger.WithError(err).Warn("session file truncated but readable")
		return exitTruncatedReadable
	default:
		logger.WithError(err).Error("command failed")
		return exitOther
	}
}

func resolveConfigFile(flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	return os.Getenv("MEMSCOPE_CONFIG")
}

// runExportBinary builds a live session, runs it for a short, fixed demo
// window, then finalizes and writes the binary file to -to. There is no
// way for a separate Go process to attach to another process's allocator in
// the way spec.md's "--from <live-session-handle>" implies for a native
// library; this binary instead hosts the session itself and treats -from as
// the session's label, matching how the teacher's own cmd/main.go takes a
// config path rather than a handle to something external.
func runExportBinary(args []string, logger *logrus.Logger) error {
	fs := flag.NewFlagSet("export-binary", flag.ExitOnError)
	from := fs.String("from", "memscope-session", "session label")
	to := fs.String("to", "", "output .memscope path")
	configFile := fs.String("config", "", "path to configuration file")
	duration := fs.Duration("duration", 200*time.Millisecond, "demo session runtime before finalizing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *to == "" {
		return fmt.Errorf("export-binary: -to is required")
	}

	cfg, err := config.Load(resolveConfigFile(*configFile), logger)
	if err != nil {
		return merrors.Initialization("main", "runExportBinary").Wrap(err)
	}

	tracerMgr, err := tracing.NewManager(cfg.Tracing, logger)
	if err != nil {
		return err
	}
	defer tracerMgr.Shutdown(context.Background())

	d := dispatcher.New(*from, cfg, logger)
	d.SetTracer(tracerMgr.Tracer())
	h := hook.New()
	d.Attach(h)

	ctxDetect, cancelDetect := context.WithTimeout(context.Background(), 2*time.Second)
	info := container.New(logger).Detect(ctxDetect)
	cancelDetect()
	logger.WithFields(logrus.Fields{"container_id": info.ContainerID, "memory_limit_bytes": info.MemoryLimitBytes}).Debug("container context resolved")

	mirror, err := streaming.New(cfg.Streaming, logger)
	if err != nil {
		logger.WithError(err).Warn("streaming mirror unavailable, continuing without it")
		mirror = nil
	}
	defer mirror.Close()

	var diag *diagnosticsserver.Server
	if cfg.Diagnostics.Enabled {
		diag = diagnosticsserver.New(cfg.Diagnostics.Addr, d.Snapshot, tracerMgr.Tracer(), logger)
		diag.Start()
		defer diag.Shutdown(context.Background())
	}

	runDemoWorkload(h, d.Clock())
	time.Sleep(*duration)

	snap := d.Finalize()

	writer := codec.NewWriter(codec.ExportMode(cfg.Codec.ExportMode), cfg.Codec.Codec)
	writer.SeedStrings(d.Strings().Strings())
	for _, rec := range snap.History {
		writer.AppendRecord(rec)
	}

	ctx := context.Background()
	if err := writer.WriteFileTraced(ctx, tracerMgr.Tracer(), *to, snap, true); err != nil {
		return err
	}

	if mirror != nil {
		for _, rec := range snap.Live {
			mirror.Send(ctx, rec)
		}
	}

	logger.WithFields(logrus.Fields{"path": *to, "live": len(snap.Live), "history": len(snap.History)}).Info("export-binary complete")
	return nil
}

// runDemoWorkload drives a handful of alloc/dealloc events through h so
// export-binary has something non-trivial to write. A real embedding
// application would call h.Alloc/h.Dealloc from its own allocation sites
// instead.
func runDemoWorkload(h *hook.Hook, clock *hook.Clock) {
	ptrs := []uint64{0x1000, 0x2000, 0x3000}
	for i, p := range ptrs {
		h.Alloc(clock, p, uint32(64*(i+1)), 8, hook.ThreadID16())
	}
	h.Dealloc(clock, ptrs[0], 64, 8, hook.ThreadID16())
}

func runParse(args []string, logger *logrus.Logger) error {
	fs := flag.NewFlagSet("parse", flag.ExitOnError)
	from := fs.String("from", "", "input .memscope path")
	toJSON := fs.String("to-json", "", "output directory for the JSON families")
	fields := fs.String("fields", "", "comma-separated field subset (default: all)")
	mode := fs.String("mode", "full", "full|user_only")
	configFile := fs.String("config", "", "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *from == "" || *toJSON == "" {
		return fmt.Errorf("parse: -from and -to-json are required")
	}

	cfg, err := config.Load(resolveConfigFile(*configFile), logger)
	if err != nil {
		return merrors.Initialization("main", "runParse").Wrap(err)
	}

	tracerMgr, err := tracing.NewManager(cfg.Tracing, logger)
	if err != nil {
		return err
	}
	defer tracerMgr.Shutdown(context.Background())

	onlyFields, err := parseFieldSubset(*fields)
	if err != nil {
		return err
	}

	agg, err := aggregator.NewFromFile(*from, aggregator.ExportMode(*mode), onlyFields)
	if err != nil {
		return err
	}
	if hs, hsErr := hoststats.New(); hsErr == nil {
		agg.SetHostStats(hs)
	}

	r, err := codec.OpenTraced(context.Background(), tracerMgr.Tracer(), *from)
	if err != nil {
		return err
	}
	if !r.Finalized() {
		logger.Warn("session file was not cleanly finalized; parsed output may be incomplete")
	}

	paths, err := agg.WriteJSONFamilies(*toJSON, uint64(time.Now().UnixNano()))
	if err != nil {
		return err
	}

	logger.WithField("paths", paths).Info("parse complete")
	if !r.Finalized() {
		return codec.ErrTruncated
	}
	return nil
}

var fieldNames = map[string]uint32{
	"var_name":          codec.FieldVarName,
	"type_name":         codec.FieldTypeName,
	"task_id":           codec.FieldTaskID,
	"scope_id":          codec.FieldScopeID,
	"call_stack_id":     codec.FieldCallStackID,
	"dealloc_timestamp": codec.FieldDeallocTimestamp,
	"ownership_events":  codec.FieldOwnershipEvents,
	"unsafe":            codec.FieldUnsafe,
	"foreign":           codec.FieldForeign,
	"smart_pointer":     codec.FieldSmartPointer,
}

// parseFieldSubset turns a "-fields" CLI value into the bitset
// internal/codec's selective parser expects. An empty string means "every
// field" (bitset 0, the reader's convention for "no restriction").
func parseFieldSubset(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	// Accept a raw numeric bitset too, for scripted callers that already
	// know the bit layout.
	if n, err := strconv.ParseUint(s, 0, 32); err == nil {
		return uint32(n), nil
	}

	var bits uint32
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		bit, ok := fieldNames[name]
		if !ok {
			return 0, fmt.Errorf("parse: unknown field %q", name)
		}
		bits |= bit
	}
	return bits, nil
}
