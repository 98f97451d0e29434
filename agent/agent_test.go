package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/domdrive/drive"
	"github.com/hazyhaar/domdrive/journal"
	"github.com/hazyhaar/domdrive/pageinfo"
	"github.com/hazyhaar/domdrive/relay"
	"github.com/hazyhaar/domdrive/resolve"
	"github.com/hazyhaar/domdrive/sanitize"
)

// fakeBrowser satisfies Browser with a static page model.
type fakeBrowser struct {
	mu        sync.Mutex
	selectors map[string]string
	fields    map[string]sanitize.Field
	formDescs []pageinfo.FieldDesc

	navigated []string
	setValues map[string]string
	clicks    []string
	shot      []byte
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		selectors: map[string]string{},
		fields:    map[string]sanitize.Field{},
		setValues: map[string]string{},
		shot:      []byte("png-bytes"),
	}
}

func (f *fakeBrowser) QuerySelector(_ context.Context, sel string) (any, bool, error) {
	ref, ok := f.selectors[sel]
	if !ok {
		return nil, false, nil
	}
	return ref, true, nil
}

func (f *fakeBrowser) Candidates(context.Context) ([]resolve.Candidate, error) { return nil, nil }
func (f *fakeBrowser) ScrollBy(context.Context, int) error                     { return nil }
func (f *fakeBrowser) ScrollTop(context.Context) error                         { return nil }

func (f *fakeBrowser) Describe(_ context.Context, ref any) (sanitize.Field, error) {
	fd, ok := f.fields[ref.(string)]
	if !ok {
		return sanitize.Field{}, fmt.Errorf("unknown ref %v", ref)
	}
	return fd, nil
}

func (f *fakeBrowser) SetValue(_ context.Context, ref any, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setValues[ref.(string)] = value
	return nil
}

func (f *fakeBrowser) TypeValue(ctx context.Context, ref any, value string) error {
	return f.SetValue(ctx, ref, value)
}

func (f *fakeBrowser) SetChecked(context.Context, any, bool) error { return nil }

func (f *fakeBrowser) Click(_ context.Context, ref any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clicks = append(f.clicks, ref.(string))
	return nil
}

func (f *fakeBrowser) ScrollIntoView(context.Context, any) error { return nil }

func (f *fakeBrowser) NearbyNoMiddleCheckbox(context.Context, any) (any, bool, error) {
	return nil, false, nil
}

func (f *fakeBrowser) RunScript(context.Context, string) (string, error) { return "ok", nil }

func (f *fakeBrowser) Navigate(_ context.Context, url string) error {
	f.navigated = append(f.navigated, url)
	return nil
}

func (f *fakeBrowser) Screenshot(context.Context, bool) ([]byte, error) {
	return f.shot, nil
}

func (f *fakeBrowser) Info(context.Context) (pageinfo.Info, error) {
	return pageinfo.Info{URL: "https://example.com", Title: "Example"}, nil
}

func (f *fakeBrowser) FormFields(context.Context) ([]pageinfo.FieldDesc, error) {
	return append([]pageinfo.FieldDesc(nil), f.formDescs...), nil
}

func (f *fakeBrowser) Exists(_ context.Context, selector string) (int, string, error) {
	if _, ok := f.selectors[selector]; ok {
		return 1, "<input>", nil
	}
	return 0, "", nil
}

func (f *fakeBrowser) Alive(context.Context) error    { return nil }
func (f *fakeBrowser) Reattach(context.Context) error { return nil }

func testConfig() *Config {
	cfg := &Config{}
	cfg.Relay.URLs = []string{"ws://127.0.0.1:1/relay"}
	cfg.Agent.ID = "agent-test"
	cfg.Engine.DelayBase = time.Millisecond
	cfg.Engine.DelayJitter = time.Millisecond
	cfg.applyDefaults()
	return cfg
}

func newTestAgent(t *testing.T, browser *fakeBrowser) *Agent {
	t.Helper()
	a, err := New(testConfig(), Deps{
		Browser: browser,
		DB:      journal.OpenMemory(t),
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	return a
}

func cmdWith(typ string, payload map[string]any) *relay.Command {
	return &relay.Command{
		Type:    typ,
		Payload: payload,
		Trace:   relay.TraceMeta{RunID: "run-1", CommandID: "cmd-1"},
	}
}

func TestHandleExecuteActions(t *testing.T) {
	browser := newFakeBrowser()
	browser.selectors["#email"] = "el-email"
	browser.selectors["#go"] = "el-go"
	browser.fields["el-email"] = sanitize.Field{Tag: "input", TypeAttr: "email"}
	a := newTestAgent(t, browser)

	out, err := a.handleExecuteActions(context.Background(), cmdWith(relay.CmdExecuteActions, map[string]any{
		"url": "https://example.com/form",
		"actions": []any{
			map[string]any{"type": "fill", "selectors": []any{"#email"}, "value": "a@b.com"},
			map[string]any{"type": "click", "selectors": []any{"#go"}},
		},
	}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	res, ok := out.(drive.Result)
	if !ok {
		t.Fatalf("result type %T", out)
	}
	if !res.OK || res.ExecutedSteps != 2 {
		t.Fatalf("result = %+v", res)
	}
	if len(browser.navigated) != 1 || browser.navigated[0] != "https://example.com/form" {
		t.Fatalf("navigated = %v", browser.navigated)
	}

	// the run landed in the journal
	runs, err := a.journal.RecentRuns(context.Background(), 5)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != string(drive.StatusDone) {
		t.Fatalf("journal runs = %+v", runs)
	}
}

func TestHandleExecuteActions_EmptyBatch(t *testing.T) {
	a := newTestAgent(t, newFakeBrowser())

	_, err := a.handleExecuteActions(context.Background(), cmdWith(relay.CmdExecuteActions, map[string]any{
		"actions": []any{},
	}))
	if err == nil {
		t.Fatalf("empty batch accepted")
	}
}

func TestHandleCancel_NoActiveRun(t *testing.T) {
	a := newTestAgent(t, newFakeBrowser())

	out, err := a.handleCancelActions(context.Background(), cmdWith(relay.CmdCancelActions, nil))
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	m := out.(map[string]any)
	if m["cancelled"] != false {
		t.Fatalf("cancel outcome = %v", m)
	}
}

func TestHandleCaptureScreen(t *testing.T) {
	browser := newFakeBrowser()
	a := newTestAgent(t, browser)

	out, err := a.handleCaptureScreen(context.Background(), cmdWith(relay.CmdCaptureScreen, nil))
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	m := out.(map[string]any)
	raw, err := base64.StdEncoding.DecodeString(m["data"].(string))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(raw) != "png-bytes" {
		t.Fatalf("payload = %q", raw)
	}
}

func TestHandleTrainingProbe_Snapshot(t *testing.T) {
	browser := newFakeBrowser()
	browser.formDescs = []pageinfo.FieldDesc{
		{Selector: "#ssn", Tag: "input", Name: "ssn", Label: "Social Security Number"},
	}
	a := newTestAgent(t, browser)

	out, err := a.handleTrainingProbe(context.Background(), cmdWith(relay.CmdTrainingProbe, nil))
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	rep := out.(*pageinfo.Report)
	if rep.Info.FieldCount != 1 || !rep.Fields[0].Sensitive {
		t.Fatalf("report = %+v", rep)
	}
}

func TestHandleTrainingProbe_Explore(t *testing.T) {
	browser := newFakeBrowser()
	browser.selectors["#login"] = "el"
	a := newTestAgent(t, browser)

	out, err := a.handleTrainingProbe(context.Background(), cmdWith(relay.CmdTrainingProbe, map[string]any{
		"selector": "#login",
	}))
	if err != nil {
		t.Fatalf("explore: %v", err)
	}
	res := out.(*pageinfo.ExploreResult)
	if res.Count != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestHandleNatural_NoTranslator(t *testing.T) {
	a := newTestAgent(t, newFakeBrowser())

	_, err := a.handleNaturalCommand(context.Background(), cmdWith(relay.CmdNaturalCommand, map[string]any{
		"text": "fill the login form",
	}))
	if !errors.Is(err, ErrNoTranslator) {
		t.Fatalf("err = %v, want ErrNoTranslator", err)
	}
	if !IsNotConfigured(err) {
		t.Fatalf("IsNotConfigured = false")
	}
}

func TestHandleApplyPresets_SaveAndApply(t *testing.T) {
	browser := newFakeBrowser()
	browser.selectors["#go"] = "el-go"
	a := newTestAgent(t, browser)
	ctx := context.Background()

	_, err := a.handleApplyPresets(ctx, cmdWith(relay.CmdApplyPresets, map[string]any{
		"op":   "save",
		"name": "submit",
		"actions": []any{
			map[string]any{"type": "click", "selectors": []any{"#go"}},
		},
	}))
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := a.handleApplyPresets(ctx, cmdWith(relay.CmdApplyPresets, map[string]any{
		"preset": "submit",
	}))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	res := out.(drive.Result)
	if !res.OK || len(browser.clicks) != 1 {
		t.Fatalf("apply result = %+v clicks = %v", res, browser.clicks)
	}

	_, err = a.handleApplyPresets(ctx, cmdWith(relay.CmdApplyPresets, map[string]any{
		"preset": "missing",
	}))
	if !errors.Is(err, journal.ErrPresetNotFound) {
		t.Fatalf("missing preset err = %v", err)
	}
}

func TestStatusRoutes(t *testing.T) {
	a := newTestAgent(t, newFakeBrowser())
	srv := httptest.NewServer(a.Routes())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status code = %d", resp.StatusCode)
	}

	resp2, err := srv.Client().Get(srv.URL + "/runs")
	if err != nil {
		t.Fatalf("get runs: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != 200 {
		t.Fatalf("runs code = %d", resp2.StatusCode)
	}
}

func TestLoadFile_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	data := strings.TrimSpace(`
agent:
  id: agent-7
relay:
  urls:
    - wss://relay.example.com/ws
  token: secret
engine:
  allow_scripts: true
`)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.ID != "agent-7" {
		t.Fatalf("id = %q", cfg.Agent.ID)
	}
	if !*cfg.Agent.Active {
		t.Fatalf("active default = false, want true")
	}
	if cfg.Relay.HeartbeatInterval != 25*time.Second {
		t.Fatalf("heartbeat = %v", cfg.Relay.HeartbeatInterval)
	}
	if cfg.Relay.BackoffMax != 60*time.Second {
		t.Fatalf("backoff max = %v", cfg.Relay.BackoffMax)
	}
	if !cfg.Engine.AllowScripts {
		t.Fatalf("allow_scripts not read")
	}
	if cfg.Engine.ScriptMaxLen != 8192 {
		t.Fatalf("script max len = %d", cfg.Engine.ScriptMaxLen)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if err := (&Config{}).Validate(); err == nil {
		t.Fatalf("empty config validated")
	}
}
