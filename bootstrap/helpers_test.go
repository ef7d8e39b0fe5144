package bootstrap

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestContainsIgnoreCase(t *testing.T) {
	tests := []struct {
		s        string
		substr   string
		expected bool
	}{
		{"Hello World", "hello", true},
		{"Hello World", "WORLD", true},
		{"Hello World", "xyz", false},
		{"", "", true},
		{"abc", "", true},
		{"", "abc", false},
		{"connection refused", "Connection Refused", true},
		{"WRONGPASS invalid username-password pair", "wrongpass", true},
	}

	for _, tt := range tests {
		t.Run(tt.s+"/"+tt.substr, func(t *testing.T) {
			assert.Equal(t, tt.expected, containsIgnoreCase(tt.s, tt.substr))
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyConnectionError(t *testing.T) {
	const addr = "redis:6379"

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", timeoutErr{}, "timed out"},
		{"refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, "Connection refused"},
		{"dns", errors.New("dial tcp: lookup redis: no such host"), "Cannot resolve hostname"},
		{"auth", errors.New("NOAUTH Authentication required."), "Authentication failed"},
		{"wrong password", errors.New("WRONGPASS invalid username-password pair"), "Authentication failed"},
		{"other", errors.New("protocol error"), "Failed to connect to Redis"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := ClassifyConnectionError(tt.err, addr)
			assert.Contains(t, msg, tt.want)
			assert.Contains(t, msg, addr)
		})
	}

	assert.Empty(t, ClassifyConnectionError(nil, addr))
}

func TestClassifySQLiteError(t *testing.T) {
	const path = "data/vigil.db"

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"permission", errors.New("open data/vigil.db: permission denied"), "Permission denied"},
		{"locked", errors.New("database is locked (5) (SQLITE_BUSY)"), "locked by another process"},
		{"full", errors.New("database or disk is full (SQLITE_FULL)"), "Disk full"},
		{"corrupt", errors.New("database disk image is malformed"), "corrupted"},
		{"read only", errors.New("attempt to write a read-only database"), "read-only file system"},
		{"traversal", errors.New("invalid database path: contains traversal"), "was rejected"},
		{"other", errors.New("unexpected failure"), "Failed to initialize SQLite"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, ClassifySQLiteError(tt.err, path), tt.want)
		})
	}

	assert.Empty(t, ClassifySQLiteError(nil, path))
}

func TestEnsureDataDirectory(t *testing.T) {
	sugar := zaptest.NewLogger(t).Sugar()

	t.Run("creates missing directories", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "nested", "dir", "vigil.db")
		require.NoError(t, EnsureDataDirectory(dbPath, sugar))

		info, err := os.Stat(filepath.Dir(dbPath))
		require.NoError(t, err)
		assert.True(t, info.IsDir())

		_, err = os.Stat(filepath.Join(filepath.Dir(dbPath), ".vigil_write_test"))
		assert.True(t, os.IsNotExist(err), "write probe should be removed")
	})

	t.Run("in-memory database needs no directory", func(t *testing.T) {
		assert.NoError(t, EnsureDataDirectory(":memory:", sugar))
	})

	t.Run("parent is a file", func(t *testing.T) {
		dir := t.TempDir()
		blocker := filepath.Join(dir, "blocker")
		require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

		err := EnsureDataDirectory(filepath.Join(blocker, "sub", "vigil.db"), sugar)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to create directory")
	})
}

func TestInitLogger(t *testing.T) {
	logger, sugar, err := InitLogger("debug")
	require.NoError(t, err)
	require.NotNil(t, sugar)
	assert.True(t, logger.Core().Enabled(-1))

	_, _, err = InitLogger("loud")
	assert.Error(t, err)

	logger, _, err = InitLogger("")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1))
}
