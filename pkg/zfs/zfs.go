// Package zfs lists, unlocks and mounts encrypted ZFS datasets by driving the
// zfs command line tool through the pipeline executor.
package zfs

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-exec/pkg/pipeline"
	"github.com/polisai/polis-exec/pkg/telemetry"
)

// DefaultBinary is the zfs executable looked up on PATH.
const DefaultBinary = "zfs"

// DefaultTimeout bounds every zfs invocation.
const DefaultTimeout = 30 * time.Second

var (
	validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:/-]*$`)

	errAlreadyMounted = errors.New("already mounted")
)

// Operations lists what the adapter can do when enabled.
var Operations = []string{"list", "unlock", "mount"}

// Runner executes a pipeline request. *pipeline.Executor satisfies it.
type Runner interface {
	Execute(ctx context.Context, req pipeline.Request) pipeline.Outcome
}

// Dataset is the observable state of one dataset.
type Dataset struct {
	Name      string `json:"name"`
	Encrypted bool   `json:"encrypted"`
	Locked    bool   `json:"locked"`
	Mounted   bool   `json:"mounted"`
}

// ListReport describes how a listing was produced.
type ListReport struct {
	// Skipped counts output rows that could not be parsed.
	Skipped int
	// Hidden counts rows filtered by the blacklist.
	Hidden int
}

// Config controls the adapter.
type Config struct {
	Enabled   bool
	Binary    string
	Blacklist []string
	Timeout   time.Duration
}

// Adapter is safe for concurrent use.
type Adapter struct {
	cfg       Config
	runner    Runner
	logger    *slog.Logger
	blacklist map[string]struct{}
}

// New constructs an Adapter.
func New(cfg Config, runner Runner, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	bl := make(map[string]struct{}, len(cfg.Blacklist))
	for _, name := range cfg.Blacklist {
		bl[strings.TrimSuffix(name, "/")] = struct{}{}
	}
	return &Adapter{
		cfg:       cfg,
		runner:    runner,
		logger:    logger.With("component", "zfs"),
		blacklist: bl,
	}
}

// Enabled reports whether storage operations are available.
func (a *Adapter) Enabled() bool {
	return a.cfg.Enabled
}

// Blacklisted reports whether name or one of its ancestors is blacklisted.
func (a *Adapter) Blacklisted(name string) bool {
	for {
		if _, ok := a.blacklist[name]; ok {
			return true
		}
		i := strings.LastIndexByte(name, '/')
		if i < 0 {
			return false
		}
		name = name[:i]
	}
}

// ListDatasets returns every non-blacklisted filesystem and volume. When the
// feature is disabled it returns an empty list without running zfs.
func (a *Adapter) ListDatasets(ctx context.Context) ([]Dataset, ListReport, error) {
	var report ListReport
	if !a.cfg.Enabled {
		return []Dataset{}, report, nil
	}

	out := a.run(ctx, "zfs.list", false, nil, "list", "-H", "-p", "-t", "filesystem,volume", "-o", listColumns)
	if out.Err != nil {
		return nil, report, a.backendError("", out)
	}

	all, skipped := parseList(out.Stdout)
	report.Skipped = skipped
	if skipped > 0 {
		a.logger.Warn("skipped unparseable zfs list rows", "count", skipped)
	}

	datasets := make([]Dataset, 0, len(all))
	for _, ds := range all {
		if a.Blacklisted(ds.Name) {
			report.Hidden++
			continue
		}
		datasets = append(datasets, ds)
	}
	return datasets, report, nil
}

// EncryptedDatasets is ListDatasets restricted to encrypted datasets.
func (a *Adapter) EncryptedDatasets(ctx context.Context) ([]Dataset, error) {
	all, _, err := a.ListDatasets(ctx)
	if err != nil {
		return nil, err
	}
	encrypted := make([]Dataset, 0, len(all))
	for _, ds := range all {
		if ds.Encrypted {
			encrypted = append(encrypted, ds)
		}
	}
	return encrypted, nil
}

// Dataset returns the state of a single dataset.
func (a *Adapter) Dataset(ctx context.Context, name string) (Dataset, error) {
	if err := a.check(name); err != nil {
		return Dataset{}, err
	}

	out := a.run(ctx, "zfs.get", false, nil, "list", "-H", "-p", "-o", listColumns, name)
	if out.Err != nil {
		if kind := classify(stderrOf(out)); errors.Is(kind, ErrNotFound) {
			return Dataset{}, newError(ErrNotFound, name, "")
		}
		return Dataset{}, a.backendError(name, out)
	}

	rows, _ := parseList(out.Stdout)
	for _, ds := range rows {
		if ds.Name == name {
			return ds, nil
		}
	}
	return Dataset{}, newError(ErrNotFound, name, "")
}

// EncryptedDataset is Dataset restricted to encrypted datasets. An existing
// dataset without encryption is reported as ErrNotFound.
func (a *Adapter) EncryptedDataset(ctx context.Context, name string) (Dataset, error) {
	ds, err := a.Dataset(ctx, name)
	if err != nil {
		return Dataset{}, err
	}
	if !ds.Encrypted {
		return Dataset{}, newError(ErrNotFound, name, "dataset is not encrypted")
	}
	return ds, nil
}

// Unlock loads the encryption key of name. The passphrase is handed to zfs on
// stdin, terminated by a newline, and is never logged or returned.
func (a *Adapter) Unlock(ctx context.Context, name string, passphrase []byte) error {
	if err := a.check(name); err != nil {
		return err
	}
	if len(passphrase) == 0 {
		return newError(ErrPassphraseRequired, name, "")
	}

	input := make([]byte, len(passphrase)+1)
	copy(input, passphrase)
	input[len(passphrase)] = '\n'
	defer clear(input)

	out := a.run(ctx, "zfs.load-key", true, input, "load-key", "-L", "prompt", name)
	if out.Err == nil {
		a.logger.Info("dataset unlocked", "dataset", name)
		return nil
	}

	err := a.outcomeError(name, out)
	a.logger.Warn("dataset unlock failed", "dataset", name, "error_kind", ErrorKind(err))
	return err
}

// Mount mounts name. A dataset that is already mounted counts as success.
func (a *Adapter) Mount(ctx context.Context, name string) error {
	if err := a.check(name); err != nil {
		return err
	}

	out := a.run(ctx, "zfs.mount", false, nil, "mount", name)
	if out.Err == nil {
		a.logger.Info("dataset mounted", "dataset", name)
		return nil
	}

	err := a.outcomeError(name, out)
	if errors.Is(err, errAlreadyMounted) {
		a.logger.Debug("dataset already mounted", "dataset", name)
		return nil
	}
	a.logger.Warn("dataset mount failed", "dataset", name, "error_kind", ErrorKind(err))
	return err
}

// check applies the feature gate, name validation and blacklist before any
// process is spawned.
func (a *Adapter) check(name string) error {
	if !a.cfg.Enabled {
		return newError(ErrDisabled, "", "")
	}
	if !ValidName(name) {
		return newError(ErrInvalidName, name, "")
	}
	if a.Blacklisted(name) {
		return newError(ErrBlacklisted, name, "")
	}
	return nil
}

// ValidName reports whether name is acceptable as a dataset argument.
func ValidName(name string) bool {
	return validName.MatchString(name) && !strings.Contains(name, "..") && !strings.HasSuffix(name, "/")
}

func (a *Adapter) run(ctx context.Context, op string, secret bool, input []byte, args ...string) pipeline.Outcome {
	ctx, span := telemetry.Tracer().Start(ctx, op, trace.WithAttributes(
		attribute.String("zfs.operation", args[0]),
	))
	defer span.End()

	argv := append([]string{a.cfg.Binary}, args...)
	out := a.runner.Execute(ctx, pipeline.Request{
		Name:     op,
		Stages:   [][]string{argv},
		Input:    input,
		HasInput: input != nil,
		Secret:   secret,
		Timeout:  a.cfg.Timeout,
	})
	if out.Err != nil {
		span.SetStatus(codes.Error, pipeline.ErrorKind(out.Err))
	}
	return out
}

// outcomeError classifies a failed zfs run. Non-exit failures such as
// timeouts and spawn errors are always backend errors.
func (a *Adapter) outcomeError(name string, out pipeline.Outcome) error {
	if !errors.Is(out.Err, pipeline.ErrStageFailed) {
		return a.backendError(name, out)
	}
	stderr := stderrOf(out)
	if kind := classify(stderr); kind != nil {
		return newError(kind, name, stderr)
	}
	return newError(ErrBackend, name, stderr)
}

func (a *Adapter) backendError(name string, out pipeline.Outcome) error {
	detail := stderrOf(out)
	if detail == "" && out.Err != nil {
		detail = out.Err.Error()
	}
	return newError(ErrBackend, name, detail)
}

// stderrOf returns the trimmed, already redacted stderr excerpt of the failed
// or last stage.
func stderrOf(out pipeline.Outcome) string {
	if s, ok := out.FailedStageResult(); ok {
		return strings.TrimSpace(string(s.Stderr))
	}
	if len(out.Stages) > 0 {
		return strings.TrimSpace(string(out.Stages[len(out.Stages)-1].Stderr))
	}
	return ""
}
