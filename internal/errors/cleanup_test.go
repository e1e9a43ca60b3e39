package errors

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCloser struct {
	closeErr error
	closed   bool
}

func (m *mockCloser) Close() error {
	m.closed = true
	return m.closeErr
}

func TestDeferClose(t *testing.T) {
	tests := []struct {
		name       string
		closer     io.Closer
		wantLogged bool
	}{
		{name: "nil closer", closer: nil},
		{name: "successful close", closer: &mockCloser{}},
		{name: "close with error", closer: &mockCloser{closeErr: errors.New("close failed")}, wantLogged: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf)

			DeferClose(logger, tt.closer, "test close")

			if tt.closer != nil {
				assert.True(t, tt.closer.(*mockCloser).closed, "Close() was not called")
			}
			assert.Equal(t, tt.wantLogged, buf.Len() > 0)
		})
	}
}

func TestDeferRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dump.txt")
	require.NoError(t, os.WriteFile(path, []byte("<pidstat>\n"), 0o600))

	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	DeferRemove(logger, path)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Zero(t, buf.Len())

	// Removing again is silent.
	DeferRemove(logger, path)
	assert.Zero(t, buf.Len())

	DeferRemove(logger, "")
	assert.Zero(t, buf.Len())
}

func TestDeferRollback_NilTx(t *testing.T) {
	var buf bytes.Buffer
	DeferRollback(zerolog.New(&buf), nil)
	assert.Zero(t, buf.Len())
}
