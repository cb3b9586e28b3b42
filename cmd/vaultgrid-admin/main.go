// Package main is the entry point for vaultgrid-admin, the operator tool for
// catalog export/import, one-shot puts and verification, and recovery.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/vaultgrid/vaultgrid/internal/app"
	"github.com/vaultgrid/vaultgrid/internal/condinput"
	"github.com/vaultgrid/vaultgrid/internal/config"
	"github.com/vaultgrid/vaultgrid/internal/descriptor"
	"github.com/vaultgrid/vaultgrid/internal/finalize"
	"github.com/vaultgrid/vaultgrid/internal/logging"
	"github.com/vaultgrid/vaultgrid/internal/serialization"
	"github.com/vaultgrid/vaultgrid/internal/session"
)

const usage = "Usage: vaultgrid-admin <export|import|put|get|verify|recover|failures> [flags]"

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
	stdin  io.Reader = os.Stdin
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(stderr, usage)
		os.Exit(1)
	}
	os.Exit(run(os.Args[1], os.Args[2:]))
}

func run(command string, args []string) int {
	switch command {
	case "export":
		return runExport(args)
	case "import":
		return runImport(args)
	case "put":
		return runPut(args)
	case "get":
		return runGet(args)
	case "verify":
		return runVerify(args)
	case "recover":
		return runRecover(args)
	case "failures":
		return runFailures(args)
	}
	fmt.Fprintf(stderr, "Unknown command: %s\n%s\n", command, usage)
	return 1
}

// condFlag collects repeated -cond key=value options.
type condFlag condinput.Map

func (c condFlag) String() string {
	return strings.Join(condinput.Map(c).Keys(), ",")
}

func (c condFlag) Set(s string) error {
	k, v, _ := strings.Cut(s, "=")
	if k == "" {
		return fmt.Errorf("condition input %q: want key=value", s)
	}
	c[k] = v
	return nil
}

func resolveDBPath(configPath string) (string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	if cfg.Catalog.Engine != "sqlite" {
		return "", fmt.Errorf("catalog engine %q cannot be exported; only sqlite is supported", cfg.Catalog.Engine)
	}
	return cfg.Catalog.SQLite.Path, nil
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "vaultgrid.yaml", "Config file path")
	dbPath := fs.String("db", "", "SQLite catalog path (overrides config)")
	output := fs.String("output", "-", "Output file path (- for stdout)")
	tables := fs.String("tables", "", "Comma-separated table names")
	fs.Parse(args)

	db := *dbPath
	if db == "" {
		var err error
		db, err = resolveDBPath(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "Error reading config: %v\n", err)
			return 1
		}
	}

	tableList := serialization.AllTables
	if *tables != "" {
		tableList = strings.Split(*tables, ",")
		valid := make(map[string]bool)
		for _, t := range serialization.AllTables {
			valid[t] = true
		}
		for i := range tableList {
			tableList[i] = strings.TrimSpace(tableList[i])
			if !valid[tableList[i]] {
				fmt.Fprintf(stderr, "Error: invalid table name: %s\n", tableList[i])
				return 1
			}
		}
	}

	result, err := serialization.ExportCatalog(db, &serialization.ExportOptions{Tables: tableList})
	if err != nil {
		fmt.Fprintf(stderr, "Error exporting: %v\n", err)
		return 1
	}

	if *output == "-" {
		fmt.Fprintln(stdout, result)
	} else {
		if err := os.WriteFile(*output, []byte(result+"\n"), 0o644); err != nil {
			fmt.Fprintf(stderr, "Error writing output: %v\n", err)
			return 1
		}
		fmt.Fprintf(stderr, "Exported to %s\n", *output)
	}
	return 0
}

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "vaultgrid.yaml", "Config file path")
	dbPath := fs.String("db", "", "SQLite catalog path (overrides config)")
	input := fs.String("input", "-", "Input file path (- for stdin)")
	replace := fs.Bool("replace", false, "Replace mode (DELETE then INSERT)")
	fs.Parse(args)

	db := *dbPath
	if db == "" {
		var err error
		db, err = resolveDBPath(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "Error reading config: %v\n", err)
			return 1
		}
	}

	var jsonData []byte
	var err error
	if *input == "-" {
		jsonData, err = io.ReadAll(stdin)
	} else {
		jsonData, err = os.ReadFile(*input)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error reading input: %v\n", err)
		return 1
	}

	result, err := serialization.ImportCatalog(db, string(jsonData), &serialization.ImportOptions{Replace: *replace})
	if err != nil {
		fmt.Fprintf(stderr, "Error importing: %v\n", err)
		return 1
	}

	for _, table := range serialization.AllTables {
		count, ok := result.Counts[table]
		if !ok {
			continue
		}
		msg := fmt.Sprintf("  %s: %d imported", table, count)
		if skip := result.Skipped[table]; skip > 0 {
			msg += fmt.Sprintf(", %d skipped", skip)
		}
		fmt.Fprintln(stderr, msg)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(stderr, "  WARNING: %s\n", w)
	}
	return 0
}

// openApp loads the config and builds the finalizer stack with logging
// routed to stderr.
func openApp(ctx context.Context, configPath string) (*config.Config, *app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, stderr)
	a, err := app.Build(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, a, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

type putOutput struct {
	*finalize.Result
	StatusName string                   `json:"status_name"`
	Segments   []finalize.SegmentResult `json:"segments,omitempty"`
}

func runPut(args []string) int {
	fs := flag.NewFlagSet("put", flag.ExitOnError)
	configPath := fs.String("config", "vaultgrid.yaml", "Config file path")
	user := fs.String("user", "rods", "Session user")
	objPath := fs.String("path", "", "Logical path of the data object")
	resource := fs.String("resource", "", "Target resource (default: first configured)")
	file := fs.String("file", "-", "Local file to upload (- for stdin)")
	dataID := fs.Int64("data-id", 0, "Existing data object ID (0 creates a new object)")
	replicaNumber := fs.Int("replica", 0, "Replica number to write")
	overwrite := fs.Bool("overwrite", false, "Open an existing replica for write instead of creating it")
	segments := fs.Int("verify-segments", 0, "Read the upload back in N parallel segments before finalizing")
	cond := condFlag{}
	fs.Var(cond, "cond", "Condition input key=value (repeatable), e.g. -cond regChksum=")
	fs.Parse(args)

	if *objPath == "" {
		fmt.Fprintln(stderr, "Error: -path is required")
		return 1
	}

	ctx := context.Background()
	cfg, a, err := openApp(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	var r io.Reader = stdin
	var size int64
	if *file != "-" {
		fh, err := os.Open(*file)
		if err != nil {
			fmt.Fprintf(stderr, "Error opening %s: %v\n", *file, err)
			return 1
		}
		defer fh.Close()
		if st, err := fh.Stat(); err == nil {
			size = st.Size()
		}
		r = fh
	}

	rescName := *resource
	if rescName == "" {
		rescName = cfg.Storage.Resources[0].Name
	}
	openType := descriptor.CreateType
	if *overwrite {
		openType = descriptor.OpenForWrite
	}

	sess := session.New(*user, cfg.Server.Zone)
	fd, err := a.Finalizer.Open(ctx, sess, finalize.OpenRequest{
		DataObjInput: descriptor.DataObjInput{
			ObjPath:      *objPath,
			OpenType:     openType,
			DataSize:     size,
			ResourceName: rescName,
			CondInput:    condinput.Map(cond),
		},
		DataID:        *dataID,
		ReplicaNumber: *replicaNumber,
		Purpose:       "put",
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error opening replica: %v\n", err)
		return 1
	}

	out := putOutput{}
	_, werr := a.Finalizer.Write(ctx, fd, r)
	if werr == nil && *segments > 0 {
		d, _ := a.Finalizer.Descriptors().Get(fd)
		out.Segments, werr = a.Finalizer.FinalizeSegments(ctx, fd, finalize.SplitSegments(d.BytesWritten, *segments))
	}
	if werr != nil {
		fmt.Fprintf(stderr, "Error writing replica: %v\n", werr)
		if d, err := a.Finalizer.Descriptors().Get(fd); err == nil {
			a.Finalizer.StaleTargetReplicaAndPublish(ctx, sess, d.Info.DataID, d.Info.ReplicaNumber)
		}
		a.Finalizer.CloseReplicaWithoutCatalogUpdate(ctx, fd, false)
		return 1
	}

	res, err := a.Finalizer.Finalize(ctx, fd)
	if res != nil {
		out.Result = res
		out.StatusName = res.Status.String()
		printJSON(out)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error finalizing: %v\n", err)
		return 1
	}
	return 0
}

func runGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	configPath := fs.String("config", "vaultgrid.yaml", "Config file path")
	user := fs.String("user", "rods", "Session user")
	objPath := fs.String("path", "", "Logical path of the data object")
	dataID := fs.Int64("data-id", 0, "Data object ID")
	replicaNumber := fs.Int("replica", 0, "Replica number to read")
	output := fs.String("output", "-", "Output file path (- for stdout)")
	fs.Parse(args)

	if *objPath == "" || *dataID == 0 {
		fmt.Fprintln(stderr, "Error: -path and -data-id are required")
		return 1
	}

	ctx := context.Background()
	cfg, a, err := openApp(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	sess := session.New(*user, cfg.Server.Zone)
	fd, err := a.Finalizer.Open(ctx, sess, finalize.OpenRequest{
		DataObjInput: descriptor.DataObjInput{
			ObjPath:  *objPath,
			OpenType: descriptor.OpenForRead,
		},
		DataID:        *dataID,
		ReplicaNumber: *replicaNumber,
		Purpose:       "get",
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error opening replica: %v\n", err)
		return 1
	}
	defer a.Finalizer.Finalize(ctx, fd)

	rc, err := a.Finalizer.Read(ctx, fd)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading replica: %v\n", err)
		return 1
	}
	defer rc.Close()

	w := stdout
	if *output != "-" {
		fh, err := os.Create(*output)
		if err != nil {
			fmt.Fprintf(stderr, "Error creating %s: %v\n", *output, err)
			return 1
		}
		defer fh.Close()
		w = fh
	}
	if _, err := io.Copy(w, rc); err != nil {
		fmt.Fprintf(stderr, "Error copying replica: %v\n", err)
		return 1
	}
	return 0
}

func runVerify(args []string) int {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configPath := fs.String("config", "vaultgrid.yaml", "Config file path")
	user := fs.String("user", "rods", "Session user")
	objPath := fs.String("path", "", "Logical path of the data object")
	dataID := fs.Int64("data-id", 0, "Data object ID")
	replicaNumber := fs.Int("replica", 0, "Replica number to verify")
	expected := fs.String("checksum", "", "Expected checksum (default: the recorded one)")
	bySize := fs.Bool("size", true, "Also verify the physical size")
	fs.Parse(args)

	if *objPath == "" || *dataID == 0 {
		fmt.Fprintln(stderr, "Error: -path and -data-id are required")
		return 1
	}

	ctx := context.Background()
	cfg, a, err := openApp(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	current, err := a.Catalog.GetReplica(ctx, *dataID, *replicaNumber)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	cond := condinput.Map{condinput.VerifyChksumKW: ""}
	if *expected != "" {
		cond[condinput.ChksumKW] = *expected
	}
	if *bySize {
		cond[condinput.VerifyBySizeKW] = "1"
	}

	sess := session.New(*user, cfg.Server.Zone)
	fd, err := a.Finalizer.Open(ctx, sess, finalize.OpenRequest{
		DataObjInput: descriptor.DataObjInput{
			ObjPath:   *objPath,
			OpenType:  descriptor.OpenForWrite,
			DataSize:  current.Size,
			CondInput: cond,
		},
		DataID:        *dataID,
		ReplicaNumber: *replicaNumber,
		Purpose:       "verify",
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error opening replica: %v\n", err)
		return 1
	}

	res, err := a.Finalizer.Finalize(ctx, fd)
	if res != nil {
		printJSON(putOutput{Result: res, StatusName: res.Status.String()})
	}
	if err != nil {
		fmt.Fprintf(stderr, "Verification failed: %v\n", err)
		return 1
	}
	return 0
}

func runRecover(args []string) int {
	fs := flag.NewFlagSet("recover", flag.ExitOnError)
	configPath := fs.String("config", "vaultgrid.yaml", "Config file path")
	user := fs.String("user", "rods", "Operator performing the recovery")
	fs.Parse(args)

	ctx := context.Background()
	cfg, a, err := openApp(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	sess := session.New(*user, cfg.Server.Zone)
	sess.Admin = true
	keys, err := a.Finalizer.RecoverInterrupted(ctx, sess)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	for _, k := range keys {
		fmt.Fprintln(stdout, k.String())
	}
	fmt.Fprintf(stderr, "%d replicas marked stale\n", len(keys))
	return 0
}

func runFailures(args []string) int {
	fs := flag.NewFlagSet("failures", flag.ExitOnError)
	configPath := fs.String("config", "vaultgrid.yaml", "Config file path")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading config: %v\n", err)
		return 1
	}
	journal, err := finalize.NewJournal(cfg.Finalize.RecoveryJournalDir)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	failures := journal.List()
	if failures == nil {
		failures = []finalize.Failure{}
	}
	printJSON(failures)
	return 0
}
