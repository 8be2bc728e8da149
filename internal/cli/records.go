package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldrec/internal/config"
	"github.com/roach88/fieldrec/internal/ctxlog"
	"github.com/roach88/fieldrec/internal/ingest"
	"github.com/roach88/fieldrec/internal/ir"
	"github.com/roach88/fieldrec/internal/schema"
)

// StoreOptions selects the record store for the local record commands.
type StoreOptions struct {
	*RootOptions
	Store     string
	Database  string
	SchemaDir string
}

func (o *StoreOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Store, "store", "", "record store: sqlite, postgres or redis")
	cmd.Flags().StringVar(&o.Database, "db", "", "path to SQLite database (overrides sqlite_path)")
	cmd.Flags().StringVar(&o.SchemaDir, "schemas", "", "directory of CUE form definitions")
}

// local is an opened store with its registry and coordinator.
type local struct {
	backend  *backend
	registry *schema.Registry
	coord    *ingest.Coordinator
	logger   *slog.Logger
}

func (l *local) Close() error { return l.backend.Close() }

// openLocal opens the configured store for a one-shot command. The memory
// store is refused: nothing it holds would outlive the command.
func (o *StoreOptions) openLocal(ctx context.Context, cmd *cobra.Command) (*local, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if o.Store != "" {
		cfg.Store = o.Store
	}
	if o.Database != "" {
		cfg.SQLitePath = o.Database
	}
	if o.SchemaDir != "" {
		cfg.SchemaDir = o.SchemaDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}
	if cfg.Store == config.StoreMemory {
		return nil, NewExitError(ExitCommandError, "the memory store is only available to serve")
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.LogFormat, "warn", o.Verbose)
	ctx = ctxlog.WithLogger(ctx, logger)

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	reg, err := loadRegistry(ctx, b, cfg.SchemaDir)
	if err != nil {
		_ = b.Close()
		return nil, WrapExitError(ExitCommandError, "failed to load schemas", err)
	}
	return &local{
		backend:  b,
		registry: reg,
		coord:    ingest.NewCoordinator(reg, b.records, ingest.WithStoreTimeout(cfg.StoreTimeout)),
		logger:   logger,
	}, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// withLogger attaches the command logger to ctx.
func (l *local) withLogger(ctx context.Context) context.Context {
	return ctxlog.WithLogger(ctx, l.logger)
}

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	StoreOptions
	Fields      string
	Nonce       string
	Version     int
	SubmitterID string
}

// SubmitResult is the JSON payload of a successful submit.
type SubmitResult struct {
	Status ingest.Status `json:"status"`
	Record ir.Record     `json:"record"`
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{StoreOptions: StoreOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "submit <form-id>",
		Short: "Submit one record directly to the store",
		Long: `Validate a submission and commit it to the configured record store
without going through the HTTP service.

Exit codes:
  0 - Committed, or a duplicate of an existing record
  1 - Rejected (validation failure or nonce conflict)
  2 - Command error (unknown form, store unavailable, bad flags)

Examples:
  fieldrec submit offering --schemas ./forms --fields '{"amount":"12.50"}'
  fieldrec submit offering --db ./fieldrec.db --nonce dev1-0001 --fields '{"amount":12.5}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(opts, args[0], cmd)
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.Fields, "fields", "{}", "submission fields as a JSON object")
	cmd.Flags().StringVar(&opts.Nonce, "nonce", "", "client nonce for deduplication")
	cmd.Flags().IntVar(&opts.Version, "schema-version", 0, "schema version (0 for latest)")
	cmd.Flags().StringVar(&opts.SubmitterID, "submitter", "", "submitter id")

	return cmd
}

func runSubmit(opts *SubmitOptions, formID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	fields, err := decodeFields(opts.Fields)
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, "invalid --fields JSON", err.Error())
		return WrapExitError(ExitCommandError, "invalid --fields JSON", err)
	}

	ctx := commandContext(cmd)
	l, err := opts.openLocal(ctx, cmd)
	if err != nil {
		return err
	}
	defer l.Close()
	ctx = l.withLogger(ctx)

	out, err := l.coord.Submit(ctx, ir.Submission{
		FormID:        formID,
		SchemaVersion: opts.Version,
		Nonce:         opts.Nonce,
		SubmitterID:   opts.SubmitterID,
		Fields:        fields,
	})
	if err != nil {
		return outputIngestError(formatter, err)
	}

	formatter.VerboseLog("trail: %v", out.Trail)
	return formatter.Success(SubmitResult{Status: out.Status, Record: out.Record}, func(w io.Writer) {
		fmt.Fprintf(w, "\u2713 %s %s (form %s v%d)\n",
			out.Status, out.Record.ID, out.Record.FormID, out.Record.SchemaVersion)
	})
}

// decodeFields parses a JSON object keeping numbers as json.Number so
// decimal values are not rounded through float64.
func decodeFields(s string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after JSON object")
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}

// outputIngestError reports an ingestion error and maps it to an exit code.
func outputIngestError(formatter *OutputFormatter, err error) error {
	var (
		ve *ingest.ValidationError
		ce *ingest.ConflictError
	)
	switch {
	case errors.As(err, &ve):
		if formatter.JSON() {
			_ = formatter.Error(string(ve.Code()), ve.Error(), ve.Errors)
		} else {
			fmt.Fprintf(formatter.Writer, "\u2717 Rejected: %d field error(s)\n", len(ve.Errors))
			for _, fe := range ve.Errors {
				fmt.Fprintf(formatter.Writer, "  %s: %s (%s)\n", fe.Field, fe.Kind, fe.Detail)
			}
		}
		return NewExitError(ExitFailure, ve.Error())
	case errors.As(err, &ce):
		_ = formatter.Error(string(ce.Code()), ce.Error(), map[string]string{"record_id": ce.RecordID})
		return NewExitError(ExitFailure, ce.Error())
	default:
		return formatter.Fail(ExitCommandError, string(ingest.CodeOf(err)), err)
	}
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "get <form-id> <record-id>",
		Short: "Show one stored record",
		Long: `Show one stored record.

Examples:
  fieldrec get offering 3f9c... --db ./fieldrec.db
  fieldrec get offering 3f9c... --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(opts, args[0], args[1], cmd)
		},
	}

	opts.bind(cmd)
	return cmd
}

func runGet(opts *StoreOptions, formID, recordID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	ctx := commandContext(cmd)
	l, err := opts.openLocal(ctx, cmd)
	if err != nil {
		return err
	}
	defer l.Close()

	rec, err := l.coord.Lookup(l.withLogger(ctx), formID, recordID)
	if err != nil {
		return formatter.Fail(ExitCommandError, string(ingest.CodeOf(err)), err)
	}

	return formatter.Success(rec, func(w io.Writer) { writeRecordText(w, rec) })
}

// RecordsOptions holds flags for the records command.
type RecordsOptions struct {
	StoreOptions
	Limit  int
	Offset int
}

// NewRecordsCommand creates the records command.
func NewRecordsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordsOptions{StoreOptions: StoreOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "records <form-id>",
		Short: "List the stored records of a form",
		Long: `List the stored records of a form in commit order.

Examples:
  fieldrec records offering --db ./fieldrec.db
  fieldrec records offering --limit 10 --offset 20 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecords(opts, args[0], cmd)
		},
	}

	opts.bind(cmd)
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum number of records (0 for all)")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "records to skip")
	return cmd
}

func runRecords(opts *RecordsOptions, formID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	if opts.Limit < 0 || opts.Offset < 0 {
		return NewExitError(ExitCommandError, "--limit and --offset must not be negative")
	}

	ctx := commandContext(cmd)
	l, err := opts.openLocal(ctx, cmd)
	if err != nil {
		return err
	}
	defer l.Close()

	recs, err := l.coord.List(l.withLogger(ctx), formID, opts.Limit, opts.Offset)
	if err != nil {
		return formatter.Fail(ExitCommandError, string(ingest.CodeOf(err)), err)
	}

	page := map[string]any{"records": recs, "limit": opts.Limit, "offset": opts.Offset}
	return formatter.Success(page, func(w io.Writer) {
		if len(recs) == 0 {
			fmt.Fprintf(w, "No records for %s.\n", formID)
			return
		}
		for i, rec := range recs {
			if i > 0 {
				fmt.Fprintln(w)
			}
			writeRecordText(w, rec)
		}
	})
}

func writeRecordText(w io.Writer, rec ir.Record) {
	fmt.Fprintf(w, "Record %s\n", rec.ID)
	fmt.Fprintf(w, "  Form:      %s v%d\n", rec.FormID, rec.SchemaVersion)
	if rec.Nonce != "" {
		fmt.Fprintf(w, "  Nonce:     %s\n", rec.Nonce)
	}
	if rec.SubmitterID != "" {
		fmt.Fprintf(w, "  Submitter: %s\n", rec.SubmitterID)
	}
	fmt.Fprintf(w, "  Submitted: %s\n", rec.SubmittedAt.UTC().Format(time.RFC3339))

	names := make([]string, 0, len(rec.Fields))
	for name := range rec.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "    %s = %s\n", name, rec.Fields[name].String())
	}
}
