//go:build unix

package zfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-exec/pkg/logging"
	"github.com/polisai/polis-exec/pkg/pipeline"
)

// fakeZFS mimics the load-key prompt: it accepts "letmein" and echoes any other
// attempt in its error, which the executor must scrub.
const fakeZFS = `#!/bin/sh
case "$1" in
list)
	printf 'tank\toff\t-\tyes\ntank/secret\taes-256-gcm\tunavailable\tno\n'
	;;
load-key)
	read -r pass
	if [ "$pass" = "letmein" ]; then
		exit 0
	fi
	echo "Key load error: Incorrect key provided for '$4' ($pass)." >&2
	exit 255
	;;
mount)
	echo "cannot mount '$2': encryption key not loaded" >&2
	exit 1
	;;
esac
`

func fakeAdapter(t *testing.T) *Adapter {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "zfs")
	require.NoError(t, os.WriteFile(bin, []byte(fakeZFS), 0o755))

	exec := pipeline.New(pipeline.Config{}, logging.Discard(), nil)
	return New(Config{Enabled: true, Binary: bin, Timeout: 5 * time.Second}, exec, logging.Discard())
}

func TestAdapterAgainstFakeBinary(t *testing.T) {
	a := fakeAdapter(t)
	ctx := context.Background()

	datasets, _, err := a.ListDatasets(ctx)
	require.NoError(t, err)
	require.Len(t, datasets, 2)
	assert.True(t, datasets[1].Locked)

	require.NoError(t, a.Unlock(ctx, "tank/secret", []byte("letmein")))

	err = a.Unlock(ctx, "tank/secret", []byte("guess"))
	require.ErrorIs(t, err, ErrWrongPassphrase)
	assert.NotContains(t, err.Error(), "guess")
	assert.Contains(t, err.Error(), pipeline.Redacted)

	assert.ErrorIs(t, a.Mount(ctx, "tank/secret"), ErrKeyNotLoaded)
}
