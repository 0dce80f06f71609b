package sandcastle_test

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lambda-feedback/sandcastle/internal/execution/runner"
	"github.com/lambda-feedback/sandcastle/sandcastle"
)

// workerEnv makes the test binary act as the sandbox worker.
const workerEnv = "SANDCASTLE_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		os.Exit(runWorker(os.Args[1:]))
	}

	os.Exit(m.Run())
}

// runWorker mirrors the sandbox subcommand of the main binary.
func runWorker(args []string) int {
	root := flag.NewFlagSet("worker", flag.ContinueOnError)
	exposeGC := root.Bool("expose-gc", false, "")
	useStrict := root.Bool("use-strict", false, "")
	memoryLimit := root.Int("max-old-space-size", 0, "")
	if err := root.Parse(args); err != nil {
		return 2
	}

	rest := root.Args()
	if len(rest) == 0 || rest[0] != "sandbox" {
		fmt.Fprintln(os.Stderr, "missing sandbox command")
		return 2
	}

	sandbox := flag.NewFlagSet("sandbox", flag.ContinueOnError)
	socket := sandbox.String("socket", "", "")
	if err := sandbox.Parse(rest[1:]); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	r := runner.New(runner.Config{
		Socket:        *socket,
		UseStrict:     *useStrict,
		ExposeGC:      *exposeGC,
		MemoryLimitMB: *memoryLimit,
	}, zap.NewNop())

	if err := r.Run(ctx, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	return 0
}

func testConfig(t *testing.T) sandcastle.Config {
	dir, err := os.MkdirTemp("", "sc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	config := sandcastle.DefaultConfig()
	config.Cwd = dir
	config.Socket = filepath.Join(dir, "s.sock")
	config.Timeout = 2 * time.Second
	config.HeartbeatInterval = 100 * time.Millisecond
	config.RetryDelay = 20 * time.Millisecond
	config.Stop.Timeout = time.Second
	config.Env = map[string]string{workerEnv: "1"}

	return config
}

func createSandcastle(t *testing.T, config sandcastle.Config) *sandcastle.Sandcastle {
	t.Helper()

	sc, err := sandcastle.New(context.Background(), sandcastle.Params{
		Config: config,
		Log:    zap.NewNop(),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sc.Shutdown(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sc.WaitReady(ctx))

	return sc
}

func run(t *testing.T, sc *sandcastle.Sandcastle, source string, fn sandcastle.TaskFunc, opts ...sandcastle.ScriptOption) (any, error) {
	t.Helper()

	s, err := sc.CreateScript(source, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.Run(ctx, "", nil, fn)
}

func TestSandcastle_Run_ExitsWithResult(t *testing.T) {
	sc := createSandcastle(t, testConfig(t))

	res, err := run(t, sc, "exports.main = function() { exit(true) }", nil)
	assert.NoError(t, err)
	assert.Equal(t, true, res)
}

func TestSandcastle_Run_AnswersTaskThenExits(t *testing.T) {
	sc := createSandcastle(t, testConfig(t))

	var tasks atomic.Int32

	src := `exports.main = function() {
		runTask("echo", {value: 21}, function(answer) { exit(answer) })
	}`

	res, err := run(t, sc, src, func(_ context.Context, task sandcastle.Task) (any, error) {
		tasks.Add(1)
		assert.Equal(t, "echo", task.Name)
		return map[string]any{"value": task.Options["value"].(float64) * 2}, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, map[string]any{"value": float64(42)}, res)
	assert.Equal(t, int32(1), tasks.Load())
}

func TestSandcastle_Run_TimeoutRespawnsWorker(t *testing.T) {
	config := testConfig(t)
	config.Timeout = 500 * time.Millisecond
	sc := createSandcastle(t, config)

	pid := sc.Pid()

	_, err := run(t, sc, "exports.main = function() { for (;;) {} }", nil)
	assert.ErrorIs(t, err, sandcastle.ErrTimeout)

	// the next script runs on a fresh worker
	res, err := run(t, sc, "exports.main = function() { exit(1) }", nil)
	assert.NoError(t, err)
	assert.Equal(t, float64(1), res)
	assert.NotEqual(t, pid, sc.Pid())
}

func TestSandcastle_Run_SurvivesWorkerCrash(t *testing.T) {
	sc := createSandcastle(t, testConfig(t))

	pid := sc.Pid()
	require.NotZero(t, pid)
	require.NoError(t, syscall.Kill(pid, syscall.SIGKILL))

	res, err := run(t, sc, "exports.main = function() { exit('ok') }", nil)
	assert.NoError(t, err)
	assert.Equal(t, "ok", res)

	assert.Eventually(t, func() bool {
		return sc.Pid() != 0 && sc.Pid() != pid
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSandcastle_Run_ReturnsScriptError(t *testing.T) {
	sc := createSandcastle(t, testConfig(t))

	_, err := run(t, sc, "exports.main = function() { throw new Error('boom') }", nil)

	var scriptErr *sandcastle.ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.Contains(t, scriptErr.Message, "boom")
}

func TestSandcastle_New_LoadsRelativeAPI(t *testing.T) {
	config := testConfig(t)
	config.API = "api.js"

	err := os.WriteFile(filepath.Join(config.Cwd, "api.js"), []byte("function double(x) { return 2 * x }"), 0o644)
	require.NoError(t, err)

	sc := createSandcastle(t, config)

	res, err := run(t, sc, "exports.main = function() { exit(double(4)) }", nil)
	assert.NoError(t, err)
	assert.Equal(t, float64(8), res)
}

func TestSandcastle_New_FailsIfAPIMissing(t *testing.T) {
	config := testConfig(t)
	config.API = "missing.js"

	_, err := sandcastle.New(context.Background(), sandcastle.Params{
		Config: config,
		Log:    zap.NewNop(),
	})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSandcastle_CreateScript_WithExtraAPI(t *testing.T) {
	config := testConfig(t)
	config.API = "api.js"

	err := os.WriteFile(filepath.Join(config.Cwd, "api.js"), []byte("var base = 40"), 0o644)
	require.NoError(t, err)

	sc := createSandcastle(t, config)

	res, err := run(t, sc, "exports.main = function() { exit(base + extra) }", nil,
		sandcastle.WithExtraAPI("var extra = 2"))
	assert.NoError(t, err)
	assert.Equal(t, float64(42), res)
}

func TestSandcastle_CreateScript_WithTimeout(t *testing.T) {
	sc := createSandcastle(t, testConfig(t))

	start := time.Now()
	_, err := run(t, sc, "exports.main = function() { for (;;) {} }", nil,
		sandcastle.WithTimeout(200*time.Millisecond))
	assert.ErrorIs(t, err, sandcastle.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSandcastle_CreateScript_FailsAfterShutdown(t *testing.T) {
	sc := createSandcastle(t, testConfig(t))

	require.NoError(t, sc.Shutdown(context.Background()))

	_, err := sc.CreateScript("exports.main = function() { exit(true) }")
	assert.ErrorIs(t, err, sandcastle.ErrClosed)
	assert.False(t, sc.Ready())
}

func TestSandcastle_InProcess_RunsScripts(t *testing.T) {
	config := testConfig(t)
	config.InProcess = true
	config.Timeout = 500 * time.Millisecond

	sc := createSandcastle(t, config)
	assert.Equal(t, os.Getpid(), sc.Pid())

	res, err := run(t, sc, "exports.main = function() { exit([1, 2]) }", nil)
	assert.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2)}, res)

	// a hung script interrupts the local worker, which is replaced
	_, err = run(t, sc, "exports.main = function() { for (;;) {} }", nil)
	assert.ErrorIs(t, err, sandcastle.ErrTimeout)

	res, err = run(t, sc, "exports.main = function() { exit('again') }", nil)
	assert.NoError(t, err)
	assert.Equal(t, "again", res)
}
