package zfs

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-exec/pkg/pipeline"
)

type spyRunner struct {
	mu       sync.Mutex
	requests []pipeline.Request
	inputs   []string
	reply    func(req pipeline.Request) pipeline.Outcome
}

func (s *spyRunner) Execute(_ context.Context, req pipeline.Request) pipeline.Outcome {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.inputs = append(s.inputs, string(req.Input))
	s.mu.Unlock()
	if s.reply == nil {
		return pipeline.Outcome{Succeeded: true}
	}
	return s.reply(req)
}

func (s *spyRunner) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func stdout(s string) func(pipeline.Request) pipeline.Outcome {
	return func(req pipeline.Request) pipeline.Outcome {
		return pipeline.Outcome{
			Stages:    []pipeline.StageResult{{Argv: req.Stages[0]}},
			Stdout:    []byte(s),
			Succeeded: true,
		}
	}
}

func failWith(code int, stderr string) func(pipeline.Request) pipeline.Outcome {
	return func(req pipeline.Request) pipeline.Outcome {
		idx := 0
		return pipeline.Outcome{
			Stages:      []pipeline.StageResult{{Argv: req.Stages[0], ExitCode: code, Stderr: []byte(stderr)}},
			FailedStage: &idx,
			Err:         &pipeline.StageError{Index: 0, ExitCode: code},
		}
	}
}

func newAdapter(runner Runner, blacklist ...string) *Adapter {
	return New(Config{Enabled: true, Blacklist: blacklist}, runner, nil)
}

const listing = "tank\toff\t-\tyes\n" +
	"tank/secret\taes-256-gcm\tunavailable\tno\n" +
	"tank/open\taes-256-gcm\tavailable\tyes\n" +
	"tank/hidden\taes-256-gcm\tunavailable\tno\n" +
	"tank/hidden/child\taes-256-gcm\tunavailable\tno\n" +
	"garbage line\n" +
	"tank/vol\toff\t-\t-\n"

func TestListDatasets(t *testing.T) {
	runner := &spyRunner{reply: stdout(listing)}
	a := newAdapter(runner, "tank/hidden")

	datasets, report, err := a.ListDatasets(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []Dataset{
		{Name: "tank", Mounted: true},
		{Name: "tank/secret", Encrypted: true, Locked: true},
		{Name: "tank/open", Encrypted: true, Mounted: true},
		{Name: "tank/vol"},
	}, datasets)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 2, report.Hidden)

	require.Len(t, runner.requests, 1)
	assert.Equal(t, []string{"zfs", "list", "-H", "-p", "-t", "filesystem,volume", "-o", "name,encryption,keystatus,mounted"}, runner.requests[0].Stages[0])
	assert.False(t, runner.requests[0].HasInput)
}

func TestEncryptedDatasets(t *testing.T) {
	a := newAdapter(&spyRunner{reply: stdout(listing)})

	datasets, err := a.EncryptedDatasets(context.Background())
	require.NoError(t, err)

	var names []string
	for _, ds := range datasets {
		names = append(names, ds.Name)
	}
	assert.Equal(t, []string{"tank/secret", "tank/open", "tank/hidden", "tank/hidden/child"}, names)
}

func TestListDatasetsBackendFailure(t *testing.T) {
	a := newAdapter(&spyRunner{reply: failWith(1, "internal error: failed to initialize ZFS library")})

	_, _, err := a.ListDatasets(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackend)
	assert.Contains(t, err.Error(), "failed to initialize ZFS library")
}

func TestDisabledNeverSpawns(t *testing.T) {
	runner := &spyRunner{}
	a := New(Config{Enabled: false}, runner, nil)
	ctx := context.Background()

	datasets, _, err := a.ListDatasets(ctx)
	require.NoError(t, err)
	assert.Empty(t, datasets)

	assert.ErrorIs(t, a.Unlock(ctx, "tank/secret", []byte("pw")), ErrDisabled)
	assert.ErrorIs(t, a.Mount(ctx, "tank/secret"), ErrDisabled)
	_, err = a.Dataset(ctx, "tank/secret")
	assert.ErrorIs(t, err, ErrDisabled)

	assert.Zero(t, runner.calls())
}

func TestBlacklistedNeverSpawns(t *testing.T) {
	runner := &spyRunner{}
	a := newAdapter(runner, "tank/hidden")
	ctx := context.Background()

	assert.ErrorIs(t, a.Unlock(ctx, "tank/hidden", []byte("pw")), ErrBlacklisted)
	assert.ErrorIs(t, a.Mount(ctx, "tank/hidden/child"), ErrBlacklisted)
	assert.Zero(t, runner.calls())
}

func TestInvalidNamesRejected(t *testing.T) {
	runner := &spyRunner{}
	a := newAdapter(runner)

	for _, name := range []string{"", "-o", "tank/../etc", "tank name", "tank/", "/tank"} {
		assert.ErrorIs(t, a.Mount(context.Background(), name), ErrInvalidName, "name %q", name)
	}
	assert.Zero(t, runner.calls())
}

func TestUnlockSendsPassphraseAsSecretStdin(t *testing.T) {
	runner := &spyRunner{}
	a := newAdapter(runner)

	require.NoError(t, a.Unlock(context.Background(), "tank/secret", []byte("correct horse")))

	require.Len(t, runner.requests, 1)
	req := runner.requests[0]
	assert.Equal(t, []string{"zfs", "load-key", "-L", "prompt", "tank/secret"}, req.Stages[0])
	assert.True(t, req.HasInput)
	assert.True(t, req.Secret)
	assert.Equal(t, "correct horse\n", runner.inputs[0])
}

func TestUnlockRequiresPassphrase(t *testing.T) {
	runner := &spyRunner{}
	a := newAdapter(runner)

	err := a.Unlock(context.Background(), "tank/secret", nil)
	assert.ErrorIs(t, err, ErrPassphraseRequired)
	assert.Zero(t, runner.calls())
}

func TestUnlockClassifiesFailures(t *testing.T) {
	tests := []struct {
		stderr string
		want   error
	}{
		{"Key load error: Incorrect key provided for 'tank/secret'.", ErrWrongPassphrase},
		{"cannot open 'tank/nope': dataset does not exist", ErrNotFound},
		{"Key load error: Key already loaded for 'tank/secret'.", ErrAlreadyUnlocked},
		{"Key load error: something unexpected", ErrBackend},
	}

	for _, tt := range tests {
		t.Run(tt.stderr, func(t *testing.T) {
			a := newAdapter(&spyRunner{reply: failWith(255, tt.stderr)})

			err := a.Unlock(context.Background(), "tank/secret", []byte("pw"))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var storageErr *StorageError
			require.True(t, errors.As(err, &storageErr))
			assert.Equal(t, "tank/secret", storageErr.Dataset)
			assert.Equal(t, tt.stderr, storageErr.Detail)
		})
	}
}

func TestUnlockTimeoutIsBackendError(t *testing.T) {
	a := newAdapter(&spyRunner{reply: func(pipeline.Request) pipeline.Outcome {
		idx := 0
		return pipeline.Outcome{FailedStage: &idx, Err: &pipeline.TimeoutError{Index: 0}}
	}})

	err := a.Unlock(context.Background(), "tank/secret", []byte("pw"))
	assert.ErrorIs(t, err, ErrBackend)
	assert.Equal(t, "backend", ErrorKind(err))
}

func TestMount(t *testing.T) {
	tests := []struct {
		name   string
		reply  func(pipeline.Request) pipeline.Outcome
		want   error
		wantOK bool
	}{
		{"success", nil, nil, true},
		{"already mounted", failWith(1, "cannot mount 'tank/open': filesystem already mounted"), nil, true},
		{"missing", failWith(1, "cannot open 'tank/x': dataset does not exist"), ErrNotFound, false},
		{"locked", failWith(1, "cannot mount 'tank/secret': encryption key not loaded"), ErrKeyNotLoaded, false},
		{"other", failWith(1, "cannot mount: permission denied"), ErrBackend, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &spyRunner{reply: tt.reply}
			a := newAdapter(runner)

			err := a.Mount(context.Background(), "tank/secret")
			if tt.wantOK {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
			require.Len(t, runner.requests, 1)
			assert.Equal(t, []string{"zfs", "mount", "tank/secret"}, runner.requests[0].Stages[0])
		})
	}
}

func TestDataset(t *testing.T) {
	a := newAdapter(&spyRunner{reply: stdout("tank/secret\taes-256-gcm\tunavailable\tno\n")})

	ds, err := a.Dataset(context.Background(), "tank/secret")
	require.NoError(t, err)
	assert.Equal(t, Dataset{Name: "tank/secret", Encrypted: true, Locked: true}, ds)

	a = newAdapter(&spyRunner{reply: failWith(1, "cannot open 'tank/gone': dataset does not exist")})
	_, err = a.Dataset(context.Background(), "tank/gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEncryptedDataset(t *testing.T) {
	a := newAdapter(&spyRunner{reply: stdout("tank/secret\taes-256-gcm\tunavailable\tno\n")})
	ds, err := a.EncryptedDataset(context.Background(), "tank/secret")
	require.NoError(t, err)
	assert.True(t, ds.Locked)

	a = newAdapter(&spyRunner{reply: stdout("tank\toff\t-\tyes\n")})
	_, err = a.EncryptedDataset(context.Background(), "tank")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "not_found", ErrorKind(err))
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "", ErrorKind(nil))
	assert.Equal(t, "storage_disabled", ErrorKind(newError(ErrDisabled, "", "")))
	assert.Equal(t, "wrong_passphrase", ErrorKind(newError(ErrWrongPassphrase, "x", "")))
	assert.Equal(t, "key_not_loaded", ErrorKind(newError(ErrKeyNotLoaded, "x", "")))
}
