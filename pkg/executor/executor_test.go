package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mlOS-foundation/system-test/pkg/client"
	"github.com/mlOS-foundation/system-test/pkg/result"
	"github.com/mlOS-foundation/system-test/pkg/supervisor"
	"github.com/mlOS-foundation/system-test/pkg/validate"
	"github.com/mlOS-foundation/system-test/pkg/workload"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

// fakeRuntime is a scriptable client.Client.
type fakeRuntime struct {
	mu          sync.Mutex
	installs    []string
	registers   []string
	invokes     []string
	install     func(ctx context.Context, id string) (string, error)
	register    func(ctx context.Context, id string) error
	invoke      func(ctx context.Context, id string) (*client.Response, error)
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeRuntime) Install(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	f.installs = append(f.installs, id)
	f.mu.Unlock()

	if f.install != nil {
		return f.install(ctx, id)
	}

	return "/cache/" + id + "/model.onnx", nil
}

func (f *fakeRuntime) Register(ctx context.Context, id, _ string) error {
	f.mu.Lock()
	f.registers = append(f.registers, id)
	f.mu.Unlock()

	if f.register != nil {
		return f.register(ctx, id)
	}

	return nil
}

func (f *fakeRuntime) Health(context.Context) bool { return true }

func (f *fakeRuntime) Invoke(ctx context.Context, id string, _ any) (*client.Response, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)

	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	f.mu.Lock()
	f.invokes = append(f.invokes, id)
	f.mu.Unlock()

	if f.invoke != nil {
		return f.invoke(ctx, id)
	}

	return &client.Response{Status: http.StatusOK, Body: []byte(`{"status":"success"}`), Latency: 150 * time.Millisecond}, nil
}

func (f *fakeRuntime) Endpoint() string { return "http://fake" }

type fakeMonitor struct {
	alive    atomic.Bool
	exited   chan struct{}
	exitOnce sync.Once
}

func (m *fakeMonitor) Alive() bool             { return m.alive.Load() }
func (m *fakeMonitor) StderrTail() []string    { return []string{"segfault in onnx session"} }
func (m *fakeMonitor) Exited() <-chan struct{} { return m.exited }

func (m *fakeMonitor) crash() {
	m.alive.Store(false)
	m.exitOnce.Do(func() { close(m.exited) })
}

func newEntry(name string, category workload.Category) *workload.Entry {
	reg := workload.DefaultRegistry()
	gen, _ := reg.Get(category)

	return &workload.Entry{
		Spec: workload.Spec{
			ID:       "hf/" + name + "@latest",
			Name:     name,
			Category: category,
			Enabled:  true,
		},
		Generator: gen,
	}
}

func newTestExecutor(cfg *Config, rt client.Client, mon ProcessMonitor) (Executor, *result.Aggregator) {
	agg := result.NewAggregator("run-1", result.Versions{Runtime: "v1", Tool: "v2"})

	if cfg.CrashGrace == 0 {
		cfg.CrashGrace = 50 * time.Millisecond
	}

	return NewExecutor(newTestLogger(), cfg, rt, mon, agg), agg
}

func aliveMonitor() *fakeMonitor {
	m := &fakeMonitor{exited: make(chan struct{})}
	m.alive.Store(true)

	return m
}

func TestExecutor_SingleWorkloadSuccess(t *testing.T) {
	rt := &fakeRuntime{}
	exec, agg := newTestExecutor(&Config{}, rt, aliveMonitor())

	plan := workload.Plan{newEntry("gpt2", workload.CategoryNLP)}

	installSummary := exec.InstallAll(context.Background(), plan)
	assert.Equal(t, 1, installSummary.Succeeded)

	summary := exec.RunAll(context.Background(), plan)
	assert.Equal(t, 1, summary.Succeeded)
	assert.False(t, summary.Crashed)

	run := agg.Finalize()
	w := run.Workloads["gpt2"]
	require.NotNil(t, w)

	small := w.Invocation(result.VariantSmall)
	require.NotNil(t, small)
	assert.Equal(t, result.InvocationSuccess, small.Status)
	assert.Equal(t, int64(150), small.LatencyMs)
	assert.Equal(t, result.InvocationSuccess, w.Invocation(result.VariantLarge).Status)
	assert.Equal(t, 2, run.Totals.SuccessfulInvocations)
	assert.Equal(t, 1, run.Totals.ModelsInstalled)
}

func TestExecutor_PartialFailureIsolation(t *testing.T) {
	rt := &fakeRuntime{
		register: func(_ context.Context, id string) error {
			if id == "hf/a@latest" {
				return result.Errorf(result.KindRegistrationRejected, nil, "bad model")
			}

			return nil
		},
	}

	exec, agg := newTestExecutor(&Config{}, rt, aliveMonitor())
	plan := workload.Plan{newEntry("a", workload.CategoryNLP), newEntry("b", workload.CategoryNLP)}

	exec.InstallAll(context.Background(), plan)
	summary := exec.RunAll(context.Background(), plan)

	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Succeeded)

	run := agg.Finalize()

	a := run.Workloads["a"]
	assert.Equal(t, result.StatusFailed, a.Register.Status)
	assert.Equal(t, result.KindRegistrationRejected, a.Register.ErrorKind)
	assert.Equal(t, result.InvocationNotRegistered, a.Invocation(result.VariantSmall).Status)
	assert.Equal(t, result.InvocationNotRegistered, a.Invocation(result.VariantLarge).Status)

	b := run.Workloads["b"]
	assert.Equal(t, result.InvocationSuccess, b.Invocation(result.VariantSmall).Status)

	// Not-registered invocations are not counted.
	assert.Equal(t, 2, run.Totals.TotalInvocations)
	assert.InDelta(t, 100.0, run.Totals.SuccessRate, 1e-9)
}

func TestExecutor_AlreadyRegisteredIsSuccess(t *testing.T) {
	rt := &fakeRuntime{
		register: func(_ context.Context, id string) error {
			return fmt.Errorf("%s: %w", id, client.ErrAlreadyRegistered)
		},
	}

	exec, agg := newTestExecutor(&Config{}, rt, aliveMonitor())
	plan := workload.Plan{newEntry("gpt2", workload.CategoryNLP)}

	exec.InstallAll(context.Background(), plan)
	exec.RunAll(context.Background(), plan)

	w := agg.Finalize().Workloads["gpt2"]
	assert.Equal(t, result.StatusSuccess, w.Register.Status)
	assert.Equal(t, result.InvocationSuccess, w.Invocation(result.VariantSmall).Status)
}

func TestExecutor_InstallTimeoutEscalation(t *testing.T) {
	tests := []struct {
		name    string
		install func(ctx context.Context, id string) (string, error)
	}{
		{
			name: "honours context",
			install: func(ctx context.Context, _ string) (string, error) {
				<-ctx.Done()

				return "", ctx.Err()
			},
		},
		{
			name: "ignores context and reports success",
			install: func(_ context.Context, id string) (string, error) {
				time.Sleep(80 * time.Millisecond)

				return "/cache/" + id, nil
			},
		},
		{
			name: "misclassified failure",
			install: func(ctx context.Context, id string) (string, error) {
				<-ctx.Done()

				return "", result.Errorf(result.KindDownloadFailed, ctx.Err(), "download of %s interrupted", id)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &fakeRuntime{install: tt.install}

			cfg := &Config{Timeouts: Timeouts{Standard: TimeoutClass{Install: 30 * time.Millisecond}}}
			exec, agg := newTestExecutor(cfg, rt, aliveMonitor())
			plan := workload.Plan{newEntry("bert", workload.CategoryNLP)}

			summary := exec.InstallAll(context.Background(), plan)
			assert.Equal(t, 1, summary.Failed)

			exec.RunAll(context.Background(), plan)

			run := agg.Finalize()
			w := run.Workloads["bert"]
			assert.Equal(t, result.StatusFailed, w.Install.Status)
			assert.Equal(t, result.KindTimeout, w.Install.ErrorKind)
			assert.Equal(t, result.StatusSkipped, w.Register.Status)
			assert.Equal(t, result.InvocationNotRegistered, w.Invocation(result.VariantSmall).Status)
			assert.Equal(t, 0, run.Totals.ModelsInstalled)
			assert.Empty(t, rt.registers)
		})
	}
}

func TestExecutor_AlreadyInstalled(t *testing.T) {
	rt := &fakeRuntime{}
	exec, agg := newTestExecutor(&Config{}, rt, aliveMonitor())

	cached := newEntry("resnet", workload.CategoryVision)
	cached.AlreadyInstalled = true
	cached.ArtifactPath = "/cache/resnet/model.onnx"

	fresh := newEntry("gpt2", workload.CategoryNLP)

	summary := exec.InstallAll(context.Background(), workload.Plan{cached, fresh})
	assert.Equal(t, 2, summary.Succeeded)

	run := agg.Finalize()
	assert.Equal(t, int64(0), run.Workloads["resnet"].Install.DurationMs)
	assert.Equal(t, result.StatusSuccess, run.Workloads["resnet"].Install.Status)
	assert.Equal(t, []string{"hf/gpt2@latest"}, rt.installs)
	assert.Equal(t, 2, run.Totals.ModelsInstalled)
}

func TestExecutor_NotApplicable(t *testing.T) {
	rt := &fakeRuntime{}
	exec, agg := newTestExecutor(&Config{}, rt, aliveMonitor())

	entry := newEntry("whisper", workload.Category("audio"))
	require.Nil(t, entry.Generator)

	plan := workload.Plan{entry}
	exec.InstallAll(context.Background(), plan)
	summary := exec.RunAll(context.Background(), plan)

	assert.Equal(t, 1, summary.Skipped)
	assert.Empty(t, rt.installs)
	assert.Empty(t, rt.registers)

	run := agg.Finalize()
	w := run.Workloads["whisper"]
	assert.Equal(t, result.StatusSkipped, w.Install.Status)
	assert.Equal(t, result.InvocationNotApplicable, w.Invocation(result.VariantSmall).Status)
	assert.Equal(t, 0, run.Totals.TotalInvocations)
}

func TestExecutor_InvocationFailures(t *testing.T) {
	tests := []struct {
		name       string
		resp       *client.Response
		err        error
		wantStatus result.InvocationStatus
		wantKind   result.Kind
		wantHTTP   int
	}{
		{
			name:       "server error",
			resp:       &client.Response{Status: http.StatusInternalServerError, Body: []byte(`{"error":"session failed"}`)},
			wantStatus: result.InvocationFailed,
			wantKind:   result.KindInvocationHTTPError,
			wantHTTP:   http.StatusInternalServerError,
		},
		{
			name:       "error status in body",
			resp:       &client.Response{Status: http.StatusOK, Body: []byte(`{"status":"error","message":"bad input"}`)},
			wantStatus: result.InvocationFailed,
			wantKind:   result.KindInvocationHTTPError,
			wantHTTP:   http.StatusOK,
		},
		{
			name:       "timeout",
			err:        result.Errorf(result.KindInvocationTimeout, context.DeadlineExceeded, "slow"),
			wantStatus: result.InvocationFailed,
			wantKind:   result.KindInvocationTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &fakeRuntime{
				invoke: func(context.Context, string) (*client.Response, error) {
					return tt.resp, tt.err
				},
			}

			exec, agg := newTestExecutor(&Config{}, rt, aliveMonitor())
			plan := workload.Plan{newEntry("gpt2", workload.CategoryNLP)}

			exec.InstallAll(context.Background(), plan)
			summary := exec.RunAll(context.Background(), plan)
			assert.Equal(t, 1, summary.Failed)
			assert.False(t, summary.Crashed)

			inv := agg.Finalize().Workloads["gpt2"].Invocation(result.VariantSmall)
			assert.Equal(t, tt.wantStatus, inv.Status)
			assert.Equal(t, tt.wantKind, inv.ErrorKind)
			assert.Equal(t, tt.wantHTTP, inv.HTTPStatus)
		})
	}
}

func TestExecutor_CrashedMidRun(t *testing.T) {
	mon := aliveMonitor()

	rt := &fakeRuntime{
		invoke: func(context.Context, string) (*client.Response, error) {
			mon.crash()

			return nil, result.Errorf(result.KindInvocationHTTPError, errors.New("connection reset by peer"), "invoking")
		},
	}

	exec, agg := newTestExecutor(&Config{}, rt, mon)
	plan := workload.Plan{newEntry("llama", workload.CategoryGenerative)}

	exec.InstallAll(context.Background(), plan)
	summary := exec.RunAll(context.Background(), plan)
	assert.True(t, summary.Crashed)

	inv := agg.Finalize().Workloads["llama"].Invocation(result.VariantSmall)
	assert.Equal(t, result.InvocationFailed, inv.Status)
	assert.Equal(t, result.KindCrashedMidRun, inv.ErrorKind)
	assert.Equal(t, []string{"segfault in onnx session"}, inv.StderrTail)
}

func TestExecutor_CrashDetectedBeforeReap(t *testing.T) {
	tests := []struct {
		name     string
		exitIn   time.Duration
		wantKind result.Kind
		crashed  bool
	}{
		{name: "exits within grace", exitIn: 30 * time.Millisecond, wantKind: result.KindCrashedMidRun, crashed: true},
		{name: "stays up", exitIn: -1, wantKind: result.KindInvocationHTTPError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mon := aliveMonitor()

			rt := &fakeRuntime{
				invoke: func(context.Context, string) (*client.Response, error) {
					if tt.exitIn >= 0 {
						time.AfterFunc(tt.exitIn, mon.crash)
					}

					return nil, result.Errorf(result.KindInvocationHTTPError, errors.New("connection reset by peer"), "invoking")
				},
			}

			exec, agg := newTestExecutor(&Config{CrashGrace: 500 * time.Millisecond}, rt, mon)
			plan := workload.Plan{newEntry("llama", workload.CategoryGenerative)}

			exec.InstallAll(context.Background(), plan)
			summary := exec.RunAll(context.Background(), plan)
			assert.Equal(t, tt.crashed, summary.Crashed)

			inv := agg.Finalize().Workloads["llama"].Invocation(result.VariantSmall)
			assert.Equal(t, tt.wantKind, inv.ErrorKind)
		})
	}
}

func TestExecutor_CrashedMidRunRealProcess(t *testing.T) {
	// The server prints its fatal line, then lingers before dying, so the
	// transport error is seen while the process is still alive.
	server := supervisor.NewSupervisor(newTestLogger(), &supervisor.Config{
		BinaryPath:      "/bin/sh",
		Args:            []string{"-c", "echo 'fatal: onnx session aborted' >&2; sleep 0.3; exit 139"},
		HealthInterval:  20 * time.Millisecond,
		StopGracePeriod: 200 * time.Millisecond,
		StderrTailLines: 5,
	}, supervisor.HealthFunc(func(context.Context) bool { return false }))

	require.NoError(t, server.Start(context.Background()))

	defer func() { _ = server.Stop() }()

	rt := &fakeRuntime{
		invoke: func(context.Context, string) (*client.Response, error) {
			require.Eventually(t, func() bool {
				return len(server.StderrTail()) > 0
			}, 2*time.Second, 5*time.Millisecond)

			return nil, result.Errorf(result.KindInvocationHTTPError, errors.New("connection reset by peer"), "invoking")
		},
	}

	exec, agg := newTestExecutor(&Config{CrashGrace: 2 * time.Second}, rt, server)
	plan := workload.Plan{newEntry("llama", workload.CategoryGenerative)}

	exec.InstallAll(context.Background(), plan)
	summary := exec.RunAll(context.Background(), plan)
	assert.True(t, summary.Crashed)
	assert.False(t, server.Alive())

	inv := agg.Finalize().Workloads["llama"].Invocation(result.VariantSmall)
	assert.Equal(t, result.KindCrashedMidRun, inv.ErrorKind)
	assert.Equal(t, []string{"fatal: onnx session aborted"}, inv.StderrTail)
}

func TestExitedWithin(t *testing.T) {
	assert.False(t, ExitedWithin(nil, time.Second))

	mon := aliveMonitor()
	assert.False(t, ExitedWithin(mon, 0))
	assert.False(t, ExitedWithin(mon, 20*time.Millisecond))

	mon.crash()
	assert.True(t, ExitedWithin(mon, 0))

	// Alive may lag the exit signal.
	lagging := aliveMonitor()
	close(lagging.exited)
	assert.True(t, ExitedWithin(lagging, time.Second))
}

func TestExecutor_ValidationIsWarningOnly(t *testing.T) {
	rt := &fakeRuntime{
		invoke: func(context.Context, string) (*client.Response, error) {
			return &client.Response{
				Status:  http.StatusOK,
				Body:    []byte(`{"status":"success","outputs":{"logits":[0.1,0.9]}}`),
				Latency: 10 * time.Millisecond,
			}, nil
		},
	}

	exec, agg := newTestExecutor(&Config{}, rt, aliveMonitor())

	entry := newEntry("resnet", workload.CategoryVision)
	entry.Spec.Validate = []validate.Rule{
		{Type: validate.TypeOutputExists, Output: "logits"},
		{Type: validate.TypeOutputShape, Output: "logits", Elements: 1000},
	}

	plan := workload.Plan{entry}
	exec.InstallAll(context.Background(), plan)
	exec.RunAll(context.Background(), plan)

	run := agg.Finalize()
	inv := run.Workloads["resnet"].Invocation(result.VariantSmall)
	assert.Equal(t, result.InvocationSuccess, inv.Status)
	require.NotNil(t, inv.Validation)
	assert.Equal(t, 1, inv.Validation.Passed)
	assert.Equal(t, 1, inv.Validation.Failed)
	assert.Nil(t, run.Workloads["resnet"].Invocation(result.VariantLarge))
}

func TestExecutor_ParallelBounded(t *testing.T) {
	rt := &fakeRuntime{
		invoke: func(context.Context, string) (*client.Response, error) {
			time.Sleep(20 * time.Millisecond)

			return &client.Response{Status: http.StatusOK, Body: []byte(`{}`), Latency: 20 * time.Millisecond}, nil
		},
	}

	exec, agg := newTestExecutor(&Config{Parallel: true, Concurrency: 3}, rt, aliveMonitor())

	plan := make(workload.Plan, 0, 10)
	for i := range 10 {
		plan = append(plan, newEntry(fmt.Sprintf("model-%d", i), workload.CategoryVision))
	}

	exec.InstallAll(context.Background(), plan)
	summary := exec.RunAll(context.Background(), plan)

	assert.Equal(t, 10, summary.Succeeded)
	assert.LessOrEqual(t, rt.maxInFlight.Load(), int32(3))
	assert.Greater(t, rt.maxInFlight.Load(), int32(1))

	run := agg.Finalize()
	assert.Len(t, run.Workloads, 10)
	assert.Equal(t, 10, run.Totals.SuccessfulInvocations)
}

func TestExecutor_RateLimit(t *testing.T) {
	rt := &fakeRuntime{}
	exec, _ := newTestExecutor(&Config{InvokeRateLimit: 20}, rt, aliveMonitor())

	plan := workload.Plan{
		newEntry("a", workload.CategoryNLP),
		newEntry("b", workload.CategoryNLP),
	}

	exec.InstallAll(context.Background(), plan)

	start := time.Now()
	exec.RunAll(context.Background(), plan)

	// Four requests at 20/s with a burst of one need at least 150ms.
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)
	assert.Len(t, rt.invokes, 4)
}

func TestTimeouts_For(t *testing.T) {
	tm := Timeouts{
		Standard:   TimeoutClass{Install: time.Minute},
		Generative: TimeoutClass{Invoke: 10 * time.Minute},
	}

	std := tm.For(workload.CategoryNLP)
	assert.Equal(t, time.Minute, std.Install)
	assert.Equal(t, DefaultStandardInvokeTimeout, std.Invoke)

	gen := tm.For(workload.CategoryGenerative)
	assert.Equal(t, DefaultGenerativeInstallTimeout, gen.Install)
	assert.Equal(t, 10*time.Minute, gen.Invoke)
	assert.Greater(t, gen.Install, std.Install)
}
