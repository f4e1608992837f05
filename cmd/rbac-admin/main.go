// rbac-admin loads, converts and inspects RBAC seeds and runs one-off checks,
// sweeps and compliance reports against a sqlite-backed engine.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/rbac"
	"github.com/oarkflow/rbac/logger"
	"github.com/oarkflow/rbac/stores"
)

type options struct {
	configPath string
	dbPath     string
	redisAddr  string
	envFile    string
	logFormat  string
	quiet      bool
}

func (o *options) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.configPath, "config", "", "engine configuration file (yaml, json or cbor)")
	fs.StringVar(&o.dbPath, "db", "rbac.db", "sqlite database path")
	fs.StringVar(&o.redisAddr, "redis", "", "redis address for the shared decision cache and quota counters")
	fs.StringVar(&o.envFile, "env-file", ".env", "dotenv file read before RBAC_* variables are applied")
	fs.StringVar(&o.logFormat, "log-format", "text", "engine log format: text or json")
	fs.BoolVarP(&o.quiet, "quiet", "q", false, "disable engine logging")
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return errors.New("missing command")
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "validate":
		return handleValidate(rest)
	case "convert":
		return handleConvert(rest)
	case "apply":
		return handleApply(rest)
	case "check":
		return handleCheck(rest)
	case "sweep":
		return handleSweep(rest)
	case "report":
		return handleReport(rest)
	case "help", "-h", "--help":
		printUsage()
		return nil
	}
	printUsage()
	return fmt.Errorf("unknown command %q", cmd)
}

func printUsage() {
	fmt.Println("rbac-admin - administration tool for the rbac engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  rbac-admin validate <seed>             - parse a seed and apply it to a scratch engine")
	fmt.Println("  rbac-admin convert <input> <output>    - convert a seed between formats")
	fmt.Println("  rbac-admin apply <seed> [--db]         - apply a seed to the database")
	fmt.Println("  rbac-admin check --principal kind:id --permission code [--ip] [--time] [--mfa] [--explain]")
	fmt.Println("  rbac-admin sweep [--db]                - expire lapsed assignments")
	fmt.Println("  rbac-admin report [--from] [--to] [--format] [--compress] [--sign-key] [--out]")
	fmt.Println()
	fmt.Println("Seed formats: .yaml, .yml, .json, .cbor, .bin, .rbac, .dsl, .txt")
}

func parseFlags(name string, args []string, extra func(*pflag.FlagSet)) (*options, *pflag.FlagSet, error) {
	var o options
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	o.addFlags(fs)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("load %s: %w", o.envFile, err)
	}
	return &o, fs, nil
}

// openEngine builds an engine over the sqlite database and loads its state.
func openEngine(ctx context.Context, o *options) (*rbac.Engine, func(), error) {
	cfg, err := rbac.LoadConfig(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := sql.Open("sqlite", o.dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	store := stores.NewSQLStore(sqlDB, "sqlite")
	if err := stores.Migrate(ctx, store.DB()); err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	var log logger.Logger
	switch {
	case o.quiet:
		log = logger.NewNullLogger()
	case o.logFormat == "json":
		log = logger.NewSLogLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	default:
		log = logger.NewPhusluLogger()
	}
	opts := []rbac.EngineOption{
		rbac.WithLogger(log),
		rbac.WithStore(store),
		rbac.WithAuditSink(stores.NewSQLAuditSink(store.DB())),
	}
	var client *redis.Client
	if o.redisAddr != "" {
		client = redis.NewClient(&redis.Options{Addr: o.redisAddr})
		opts = append(opts,
			rbac.WithDecisionCache(stores.NewRedisDecisionCache(client)),
			rbac.WithQuotaCounter(stores.NewRedisQuotaCounter(client)))
	}
	closeAll := func() {
		if client != nil {
			_ = client.Close()
		}
		_ = sqlDB.Close()
	}
	e, err := rbac.New(cfg, opts...)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	if err := e.Load(ctx); err != nil {
		closeAll()
		return nil, nil, err
	}
	return e, func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(cctx)
		closeAll()
	}, nil
}

func handleValidate(args []string) error {
	o, fs, err := parseFlags("validate", args, nil)
	if err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("usage: rbac-admin validate <seed>")
	}
	seed, err := rbac.NewConfigLoader().LoadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	cfg, err := rbac.LoadConfig(o.configPath)
	if err != nil {
		return err
	}
	scratch := stores.NewMemoryStore()
	e, err := rbac.New(cfg, rbac.WithStore(scratch), rbac.WithLogger(logger.NewNullLogger()))
	if err != nil {
		return err
	}
	defer e.Close(context.Background())
	if err := e.ApplySeed(context.Background(), seed); err != nil {
		return fmt.Errorf("invalid seed: %w", err)
	}
	fmt.Println("Seed is valid")
	fmt.Printf("  Batches: %d\n", scratch.Applied())
	fmt.Printf("  Version: %d\n", seed.Version)
	fmt.Printf("  Permissions: %d\n", len(seed.Permissions))
	fmt.Printf("  Roles: %d\n", len(seed.Roles))
	fmt.Printf("  Policies: %d\n", len(seed.Policies))
	fmt.Printf("  Assignments: %d\n", len(seed.Assignments))
	return nil
}

func handleConvert(args []string) error {
	_, fs, err := parseFlags("convert", args, nil)
	if err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return errors.New("usage: rbac-admin convert <input> <output>")
	}
	in, out := fs.Arg(0), fs.Arg(1)
	seed, err := rbac.NewConfigLoader().LoadFile(in)
	if err != nil {
		return err
	}
	format, err := rbac.FormatFromPath(out)
	if err != nil {
		return err
	}
	data, err := seed.Encode(format)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("Converted %s -> %s\n", in, out)
	if inStat, err := os.Stat(in); err == nil && inStat.Size() > 0 {
		reduction := (1 - float64(len(data))/float64(inStat.Size())) * 100
		fmt.Printf("Size change %.1f%% (%d -> %d bytes)\n", -reduction, inStat.Size(), len(data))
	}
	return nil
}

func handleApply(args []string) error {
	o, fs, err := parseFlags("apply", args, nil)
	if err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("usage: rbac-admin apply <seed>")
	}
	seed, err := rbac.NewConfigLoader().LoadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	ctx := rbac.WithActor(context.Background(), "rbac-admin")
	e, closeFn, err := openEngine(ctx, o)
	if err != nil {
		return err
	}
	defer closeFn()
	if err := e.ApplySeed(ctx, seed); err != nil {
		return err
	}
	fmt.Printf("Applied %s to %s (version %d)\n", fs.Arg(0), o.dbPath, e.Version())
	return nil
}

func handleCheck(args []string) error {
	var req rbac.CheckRequest
	var bulk string
	o, _, err := parseFlags("check", args, func(fs *pflag.FlagSet) {
		fs.StringVar(&req.Principal, "principal", "", "principal as kind:id")
		fs.StringVar(&req.Permission, "permission", "", "permission code")
		fs.StringVar(&bulk, "permissions", "", "comma separated permission codes for a bulk check")
		fs.StringVar(&req.Context.IP, "ip", "", "client IP address")
		fs.StringVar(&req.Context.Time, "time", "", "request time (RFC 3339)")
		fs.StringVar(&req.Context.Location, "location", "", "client location")
		fs.StringVar(&req.Context.Device, "device", "", "client device")
		fs.BoolVar(&req.Context.MFAVerified, "mfa", false, "the session passed MFA")
		fs.StringVar(&req.Context.SessionStarted, "session-started", "", "session start time (RFC 3339)")
		fs.BoolVar(&req.Explain, "explain", false, "include the evaluation trace")
	})
	if err != nil {
		return err
	}
	ctx := context.Background()
	e, closeFn, err := openEngine(ctx, o)
	if err != nil {
		return err
	}
	defer closeFn()
	var out any
	if bulk != "" {
		out = e.HandleBulkCheck(ctx, &rbac.BulkCheckRequest{
			Principal:   req.Principal,
			Permissions: strings.Split(bulk, ","),
			Context:     req.Context,
		})
	} else {
		out = e.HandleCheck(ctx, &req)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func handleSweep(args []string) error {
	o, _, err := parseFlags("sweep", args, nil)
	if err != nil {
		return err
	}
	ctx := rbac.WithActor(context.Background(), "rbac-admin")
	e, closeFn, err := openEngine(ctx, o)
	if err != nil {
		return err
	}
	defer closeFn()
	n, err := e.Assignments().SweepExpired(ctx, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("Expired %d assignment(s)\n", n)
	return nil
}

func handleReport(args []string) error {
	var from, to, format, signKey, outPath string
	var compress bool
	var horizon time.Duration
	o, _, err := parseFlags("report", args, func(fs *pflag.FlagSet) {
		fs.StringVar(&from, "from", "", "period start (RFC 3339, default 30 days before --to)")
		fs.StringVar(&to, "to", "", "period end (RFC 3339, default now)")
		fs.DurationVar(&horizon, "expiring-within", 7*24*time.Hour, "list assignments ending within this horizon")
		fs.StringVar(&format, "format", "json", "json, yaml, cbor or csv")
		fs.BoolVar(&compress, "compress", false, "zstd-compress the payload")
		fs.StringVar(&signKey, "sign-key", "", "base64 ed25519 seed; when set the output is a signed envelope")
		fs.StringVar(&outPath, "out", "", "write to this file instead of stdout")
	})
	if err != nil {
		return err
	}
	req := rbac.ReportRequest{ExpiringWithin: horizon}
	if from != "" {
		if req.From, err = time.Parse(time.RFC3339, from); err != nil {
			return fmt.Errorf("--from: %w", err)
		}
	}
	if to != "" {
		if req.To, err = time.Parse(time.RFC3339, to); err != nil {
			return fmt.Errorf("--to: %w", err)
		}
	}
	ctx := context.Background()
	e, closeFn, err := openEngine(ctx, o)
	if err != nil {
		return err
	}
	defer closeFn()
	report, err := e.Compliance().Generate(ctx, req)
	if err != nil {
		return err
	}
	var data []byte
	if signKey != "" {
		signer, err := rbac.ReportSignerFromSeed(signKey)
		if err != nil {
			return err
		}
		signed, err := report.ExportSigned(signer, rbac.Format(format), compress)
		if err != nil {
			return err
		}
		if data, err = json.MarshalIndent(signed, "", "  "); err != nil {
			return err
		}
	} else if data, err = report.Export(rbac.Format(format), compress); err != nil {
		return err
	}
	if outPath == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(outPath, data, 0o644)
}
