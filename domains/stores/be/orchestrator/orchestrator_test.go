package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type call struct {
	name string
	args []string
}

type fakeRunner struct {
	calls     []call
	responses []fakeResponse
}

type fakeResponse struct {
	stdout []byte
	stderr []byte
	err    error
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.calls = append(f.calls, call{name: name, args: args})
	if len(f.responses) == 0 {
		return nil, nil, nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp.stdout, resp.stderr, resp.err
}

func newTestClient(t *testing.T, runner *fakeRunner) *Client {
	t.Helper()
	return NewClient(Config{
		HelmBin:    "helm",
		KubectlBin: "kubectl",
		ChartPath:  "./charts/store",
	}, runner.run, zaptest.NewLogger(t))
}

func TestInstallArgs(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	c := newTestClient(t, runner)

	err := c.Install(context.Background(), "store-abcd1234", "store-abcd1234", "store-abcd1234.stores.local")
	require.NoError(t, err)

	require.Len(t, runner.calls, 1)
	require.Equal(t, "helm", runner.calls[0].name)
	require.Equal(t, []string{
		"install", "store-abcd1234", "./charts/store",
		"--namespace", "store-abcd1234",
		"--create-namespace",
		"--set", "ingress.host=store-abcd1234.stores.local",
		"--wait=false",
	}, runner.calls[0].args)
}

func TestInstallFailureReturnsStderr(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{responses: []fakeResponse{
		{stderr: []byte("Error: chart not found\n"), err: errors.New("exit status 1")},
	}}
	c := newTestClient(t, runner)

	err := c.Install(context.Background(), "store-abcd1234", "store-abcd1234", "store-abcd1234.stores.local")
	require.Error(t, err)
	require.Equal(t, "Error: chart not found", err.Error())
}

func TestUninstallTolerantOfMissingRelease(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{responses: []fakeResponse{
		{stderr: []byte("Error: uninstall: Release not loaded: store-abcd1234: release: not found\n"), err: errors.New("exit status 1")},
		{},
	}}
	c := newTestClient(t, runner)

	err := c.Uninstall(context.Background(), "store-abcd1234", "store-abcd1234")
	require.NoError(t, err)

	require.Len(t, runner.calls, 2)
	require.Equal(t, "kubectl", runner.calls[1].name)
	require.Equal(t, []string{
		"delete", "namespace", "store-abcd1234",
		"--wait=false",
		"--ignore-not-found=true",
	}, runner.calls[1].args)
}

func TestUninstallRealFailure(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{responses: []fakeResponse{
		{stderr: []byte("Error: kubernetes cluster unreachable\n"), err: errors.New("exit status 1")},
	}}
	c := newTestClient(t, runner)

	err := c.Uninstall(context.Background(), "store-abcd1234", "store-abcd1234")
	require.Error(t, err)
	require.Contains(t, err.Error(), "cluster unreachable")
}

func TestCheckPodReadinessNoPods(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{responses: []fakeResponse{
		{stdout: []byte(`{"items":[]}`)},
	}}
	c := newTestClient(t, runner)

	got := c.CheckPodReadiness(context.Background(), "store-abcd1234")
	require.False(t, got.Ready)
	require.Equal(t, "No pods found", got.Reason)
}

func TestCheckPodReadinessNotReadyNames(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{responses: []fakeResponse{
		{stdout: []byte(`{"items":[
            {"metadata":{"name":"app-0"},"status":{"conditions":[{"type":"Ready","status":"False"}]}},
            {"metadata":{"name":"db-0"},"status":{"conditions":[{"type":"Ready","status":"True"}]}},
            {"metadata":{"name":"app-1"},"status":{"conditions":[]}}
        ]}`)},
	}}
	c := newTestClient(t, runner)

	got := c.CheckPodReadiness(context.Background(), "store-abcd1234")
	require.False(t, got.Ready)
	require.Equal(t, "Pods not ready: app-0, app-1", got.Reason)
}

func TestCheckPodReadinessAllReady(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{responses: []fakeResponse{
		{stdout: []byte(`{"items":[
            {"metadata":{"name":"app-0"},"status":{"conditions":[{"type":"Ready","status":"True"}]}},
            {"metadata":{"name":"db-0"},"status":{"conditions":[{"type":"Initialized","status":"True"},{"type":"Ready","status":"True"}]}}
        ]}`)},
	}}
	c := newTestClient(t, runner)

	got := c.CheckPodReadiness(context.Background(), "store-abcd1234")
	require.True(t, got.Ready)
	require.Empty(t, got.Reason)
}

func TestCheckPodReadinessCommandError(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{responses: []fakeResponse{
		{stderr: []byte("error: the server could not find the requested resource"), err: errors.New("exit status 1")},
	}}
	c := newTestClient(t, runner)

	got := c.CheckPodReadiness(context.Background(), "store-abcd1234")
	require.False(t, got.Ready)
	require.Contains(t, got.Reason, "could not find the requested resource")
}

func TestCheckIngressReadiness(t *testing.T) {
	t.Parallel()

	host := "store-abcd1234.stores.local"

	tests := []struct {
		name   string
		stdout string
		ready  bool
		reason string
	}{
		{
			name:   "not found",
			stdout: `{"items":[{"spec":{"rules":[{"host":"other.stores.local"}]},"status":{"loadBalancer":{"ingress":[{"ip":"10.0.0.1"}]}}}]}`,
			reason: "Ingress not found",
		},
		{
			name:   "no load balancer",
			stdout: `{"items":[{"spec":{"rules":[{"host":"store-abcd1234.stores.local"}]},"status":{"loadBalancer":{"ingress":[]}}}]}`,
			reason: "Ingress has no load balancer IP",
		},
		{
			name:   "ready",
			stdout: `{"items":[{"spec":{"rules":[{"host":"store-abcd1234.stores.local"}]},"status":{"loadBalancer":{"ingress":[{"ip":"10.0.0.1"}]}}}]}`,
			ready:  true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			runner := &fakeRunner{responses: []fakeResponse{{stdout: []byte(tc.stdout)}}}
			c := newTestClient(t, runner)

			got := c.CheckIngressReadiness(context.Background(), host)
			require.Equal(t, tc.ready, got.Ready)
			require.Equal(t, tc.reason, got.Reason)
		})
	}
}
