package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-auditor/internal/audit"
)

type fakeApp struct {
	started   bool
	closed    int
	ran       bool
	submitted string
	tenant    string
	lang      string
	awaitErr  error
}

func (f *fakeApp) Run(context.Context) error { f.ran = true; return nil }

func (f *fakeApp) Start(context.Context) { f.started = true }

func (f *fakeApp) Close(context.Context) error { f.closed++; return nil }

func (f *fakeApp) Submit(_ context.Context, targetURL, tenant string) (string, error) {
	f.submitted = targetURL
	f.tenant = tenant
	return "a-1", nil
}

func (f *fakeApp) Await(context.Context, string, time.Duration) (audit.StatusReport, error) {
	if f.awaitErr != nil {
		return audit.StatusReport{}, f.awaitErr
	}
	return audit.StatusReport{Analysis: audit.Analysis{ID: "a-1", Status: audit.AnalysisCompleted}}, nil
}

func (f *fakeApp) Report(_ context.Context, _ string, lang string) (string, error) {
	f.lang = lang
	return "# Site Audit Report", nil
}

func withFakeApp(t *testing.T, app *fakeApp, factoryErr error) *string {
	t.Helper()
	var gotPath string
	orig := newApp
	newApp = func(_ context.Context, cfgPath string) (App, error) {
		gotPath = cfgPath
		if factoryErr != nil {
			return nil, factoryErr
		}
		return app, nil
	}
	t.Cleanup(func() {
		newApp = orig
		cfgFile = ""
	})
	return &gotPath
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestServeRunsApp(t *testing.T) {
	app := &fakeApp{}
	gotPath := withFakeApp(t, app, nil)

	_, _, err := execute(t, "serve", "--config", "auditor.yaml")
	require.NoError(t, err)
	require.True(t, app.ran)
	require.Equal(t, 1, app.closed)
	require.Equal(t, "auditor.yaml", *gotPath)
}

func TestAnalyzePrintsReport(t *testing.T) {
	app := &fakeApp{}
	withFakeApp(t, app, nil)

	out, errOut, err := execute(t, "analyze", "https://example.com", "--tenant", "acme", "--lang", "fr")
	require.NoError(t, err)
	require.True(t, app.started)
	require.Equal(t, "https://example.com", app.submitted)
	require.Equal(t, "acme", app.tenant)
	require.Equal(t, "fr", app.lang)
	require.Contains(t, out, "# Site Audit Report")
	require.Contains(t, errOut, "a-1 finished: completed")
}

func TestAnalyzeRequiresURL(t *testing.T) {
	withFakeApp(t, &fakeApp{}, nil)

	_, _, err := execute(t, "analyze")
	require.Error(t, err)
}

func TestAnalyzeReportsTimeout(t *testing.T) {
	app := &fakeApp{awaitErr: context.DeadlineExceeded}
	withFakeApp(t, app, nil)

	_, _, err := execute(t, "analyze", "https://example.com")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFactoryErrorStopsCommand(t *testing.T) {
	withFakeApp(t, nil, errors.New("bad config"))

	_, _, err := execute(t, "serve")
	require.ErrorContains(t, err, "failed to initialize application services: bad config")
}
