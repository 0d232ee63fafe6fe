package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/app"
	"github.com/roach88/tillsync/internal/record"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/testutil"
)

// testEnv is one database and one in-process remote shared by every
// command a test executes, the way a terminal session shares them.
type testEnv struct {
	db     string
	remote *remote.Memory
	opts   []app.Option
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	mem := remote.NewMemory()
	return &testEnv{
		db:     filepath.Join(t.TempDir(), "till.db"),
		remote: mem,
		opts: []app.Option{
			app.WithRemote(mem),
			app.WithClock(testutil.NewSteppingClock(testutil.Epoch, time.Second)),
			app.WithIDs(testutil.NewSequenceGenerator("uid"), testutil.NewSequenceGenerator("cycle")),
		},
	}
}

// execute runs the root command with args against env and returns stdout.
func execute(t *testing.T, env *testEnv, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}

	cmd := newRootCommand(&RootOptions{AppOptions: env.opts})
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(append([]string{"--db", env.db}, args...))

	err := cmd.Execute()
	return out.String(), err
}

func decodeData(t *testing.T, out string, into any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status, out)
	require.NoError(t, json.Unmarshal(resp.Data, into))
}

func TestCreateGetList(t *testing.T) {
	env := newEnv(t)

	out, err := execute(t, env, "--format", "json", "create", "customers",
		"--fields", `{"customerId":"C-1","name":"Ann","email":"ann@example.com"}`)
	require.NoError(t, err)

	var created map[string]any
	decodeData(t, out, &created)
	assert.Equal(t, float64(1), created["id"])
	assert.Equal(t, false, created["synced"])
	assert.Equal(t, "Ann", created["name"])

	out, err = execute(t, env, "get", "customers", "1")
	require.NoError(t, err)
	assert.Contains(t, out, `"customerId":"C-1"`)

	out, err = execute(t, env, "list", "customers", "--filter", `{"synced":false}`)
	require.NoError(t, err)
	assert.Contains(t, out, `"name":"Ann"`)

	out, err = execute(t, env, "list", "customers", "--filter", `{"customerId":"C-404"}`)
	require.NoError(t, err)
	assert.Equal(t, "No records.\n", out)
}

func TestCreate_Rejected(t *testing.T) {
	env := newEnv(t)

	_, err := execute(t, env, "create", "customers", "--fields", `{"customerId":"C-1"}`)
	require.NoError(t, err)

	tests := []struct {
		name     string
		args     []string
		exitCode int
		output   string
	}{
		{
			name:     "duplicate business id",
			args:     []string{"create", "customers", "--fields", `{"customerId":"C-1"}`},
			exitCode: ExitFailure,
			output:   "DUPLICATE",
		},
		{
			name:     "invalid email",
			args:     []string{"create", "customers", "--fields", `{"email":"not-an-email"}`},
			exitCode: ExitFailure,
			output:   "VALIDATION",
		},
		{
			name:     "unknown collection",
			args:     []string{"create", "widgets", "--fields", `{"a":1}`},
			exitCode: ExitCommandError,
			output:   CodeArgs,
		},
		{
			name:     "fields not an object",
			args:     []string{"create", "customers", "--fields", `[1,2]`},
			exitCode: ExitCommandError,
			output:   CodeArgs,
		},
		{
			name:     "bad id",
			args:     []string{"get", "customers", "abc"},
			exitCode: ExitCommandError,
			output:   "must be a positive integer",
		},
		{
			name:     "missing record",
			args:     []string{"get", "customers", "99"},
			exitCode: ExitFailure,
			output:   "NOT_FOUND",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, env, tt.args...)
			require.Error(t, err)
			assert.Equal(t, tt.exitCode, GetExitCode(err))
			assert.Contains(t, out, tt.output)
		})
	}
}

func TestUpdate_MergesFields(t *testing.T) {
	env := newEnv(t)

	_, err := execute(t, env, "create", "inventory", "--fields", `{"code":"SKU-1","name":"Tea","quantity":4}`)
	require.NoError(t, err)

	out, err := execute(t, env, "--format", "json", "update", "inventory", "1", "--fields", `{"quantity":9}`)
	require.NoError(t, err)

	var updated map[string]any
	decodeData(t, out, &updated)
	assert.Equal(t, "Tea", updated["name"])
	assert.Equal(t, float64(9), updated["quantity"])

	out, err = execute(t, env, "--format", "json", "queue")
	require.NoError(t, err)
	var entries []map[string]any
	decodeData(t, out, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, "create", entries[0]["operation"])
	assert.Equal(t, "code:SKU-1", entries[0]["naturalKey"])
}

func TestDrain_OfflineThenOnline(t *testing.T) {
	env := newEnv(t)

	_, err := execute(t, env, "create", "sales", "--fields", `{"invoiceNo":"INV-1","total":12.5}`)
	require.NoError(t, err)

	out, err := execute(t, env, "--offline", "drain")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "offline")
	assert.Empty(t, env.remote.Calls())

	out, err = execute(t, env, "drain")
	require.NoError(t, err)
	assert.Contains(t, out, "delivered=1")

	row, ok := env.remote.Row("sales", "invoiceNo:INV-1")
	require.True(t, ok)
	assert.Equal(t, 12.5, row["total"])

	out, err = execute(t, env, "queue")
	require.NoError(t, err)
	assert.Equal(t, "Queue is empty.\n", out)

	out, err = execute(t, env, "--format", "json", "get", "sales", "1")
	require.NoError(t, err)
	var rec map[string]any
	decodeData(t, out, &rec)
	assert.Equal(t, true, rec["synced"])
}

func TestDrain_FailuresExitNonZero(t *testing.T) {
	env := newEnv(t)
	env.remote.FailKey("grnNo:G-1", -1)

	_, err := execute(t, env, "create", "grns", "--fields", `{"grnNo":"G-1"}`)
	require.NoError(t, err)

	out, err := execute(t, env, "--format", "json", "drain", "--once")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var summary DrainSummary
	decodeData(t, out, &summary)
	require.Len(t, summary.Cycles, 1)
	assert.Equal(t, 1, summary.Cycles[0].Failed)
	require.Len(t, summary.Failures, 1)
	assert.Contains(t, summary.Failures[0], remote.ErrInjected.Error())

	out, err = execute(t, env, "queue", "--stats")
	require.NoError(t, err)
	assert.Contains(t, out, "entries:   1")
	assert.Contains(t, out, "retry=1")
}

func TestDelete_Online(t *testing.T) {
	env := newEnv(t)

	_, err := execute(t, env, "create", "customers", "--fields", `{"customerId":"C-7"}`)
	require.NoError(t, err)
	_, err = execute(t, env, "drain")
	require.NoError(t, err)

	out, err := execute(t, env, "delete", "customers", "1")
	require.NoError(t, err)
	assert.Equal(t, "deleted customers 1\n", out)

	_, ok := env.remote.Row("customers", "customerId:C-7")
	assert.False(t, ok)

	_, err = execute(t, env, "get", "customers", "1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestDelete_OfflineQueues(t *testing.T) {
	env := newEnv(t)
	env.remote.Seed("customers", record.Fields{"customerId": "C-8", "name": "Cy"})

	_, err := execute(t, env, "pull")
	require.NoError(t, err)

	_, err = execute(t, env, "--offline", "delete", "customers", "1")
	require.NoError(t, err)

	out, err := execute(t, env, "--format", "json", "queue")
	require.NoError(t, err)
	var entries []map[string]any
	decodeData(t, out, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, "delete", entries[0]["operation"])
}

func TestPull(t *testing.T) {
	env := newEnv(t)
	env.remote.Seed("inventory",
		record.Fields{"code": "SKU-9", "name": "Widget"},
		record.Fields{"code": "SKU-10", "name": "Gadget"},
	)

	out, err := execute(t, env, "pull")
	require.NoError(t, err)
	assert.Contains(t, out, "inserted=2")

	out, err = execute(t, env, "list", "inventory", "--filter", `{"code":"SKU-9"}`)
	require.NoError(t, err)
	assert.Contains(t, out, `"synced":true`)

	out, err = execute(t, env, "--offline", "pull")
	require.Error(t, err)
	assert.Contains(t, out, "offline")
}

func TestCompact(t *testing.T) {
	env := newEnv(t)

	out, err := execute(t, env, "--format", "json", "compact")
	require.NoError(t, err)
	var res map[string]int
	decodeData(t, out, &res)
	assert.Equal(t, 0, res["removed"])
}

func TestConfigCommand(t *testing.T) {
	env := newEnv(t)
	cfgPath := filepath.Join(t.TempDir(), "tillsync.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
remote:
  url: https://pos.example.com/api
  token: s3cret
sync:
  batch_size: 7
`), 0644))

	out, err := execute(t, env, "--config", cfgPath, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "batch_size: 7")
	assert.Contains(t, out, "url: https://pos.example.com/api")
	assert.Contains(t, out, maskedToken)
	assert.NotContains(t, out, "s3cret")
	assert.Contains(t, out, "db: "+env.db)
}

func TestConfigCommand_Invalid(t *testing.T) {
	env := newEnv(t)
	cfgPath := filepath.Join(t.TempDir(), "tillsync.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("sync:\n  batch_size: 0\n"), 0644))

	_, err := execute(t, env, "--config", cfgPath, "config")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
