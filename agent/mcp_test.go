package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/domdrive/drive"
	"github.com/hazyhaar/domdrive/pageinfo"
)

var testMCPImpl = &mcp.Implementation{Name: "domdrive-test", Version: "0.1.0"}

func mcpSession(t *testing.T, browser *fakeBrowser) *mcp.ClientSession {
	t.Helper()
	session, _ := mcpSessionAgent(t, browser)
	return session
}

func mcpSessionAgent(t *testing.T, browser *fakeBrowser) (*mcp.ClientSession, *Agent) {
	t.Helper()
	a := newTestAgent(t, browser)
	srv := mcp.NewServer(testMCPImpl, nil)
	a.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session, a
}

func mcpCallTool(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if err := result.GetError(); err != nil {
		t.Fatalf("CallTool(%s) tool error: %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text
}

func TestMCP_PageInfo(t *testing.T) {
	browser := newFakeBrowser()
	browser.formDescs = []pageinfo.FieldDesc{
		{Selector: "#email", Tag: "input", TypeAttr: "email", Name: "email"},
		{Selector: "#phone", Tag: "input", TypeAttr: "tel", Name: "phone"},
	}
	session := mcpSession(t, browser)

	text := mcpCallTool(t, session, "domdrive_page_info", map[string]any{})

	var rep pageinfo.Report
	if err := json.Unmarshal([]byte(text), &rep); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rep.Info.URL != "https://example.com" {
		t.Fatalf("url = %q", rep.Info.URL)
	}
	if len(rep.Fields) != 2 || rep.Fields[0].Kind != "email" || rep.Fields[1].Kind != "phone" {
		t.Fatalf("fields = %+v", rep.Fields)
	}
}

func TestMCP_Execute(t *testing.T) {
	browser := newFakeBrowser()
	browser.selectors["#go"] = "el-go"
	session := mcpSession(t, browser)

	text := mcpCallTool(t, session, "domdrive_execute", map[string]any{
		"actions": []map[string]any{
			{"type": "click", "selectors": []string{"#go"}},
		},
	})

	var res struct {
		OK            bool `json:"ok"`
		ExecutedSteps int  `json:"executed_steps"`
	}
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !res.OK || res.ExecutedSteps != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(browser.clicks) != 1 {
		t.Fatalf("clicks = %v", browser.clicks)
	}
}

func TestMCP_Explore(t *testing.T) {
	browser := newFakeBrowser()
	browser.selectors["#login"] = "el"
	session := mcpSession(t, browser)

	text := mcpCallTool(t, session, "domdrive_explore", map[string]any{"selector": "#login"})

	var res pageinfo.ExploreResult
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.Count != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestMCP_PresetsListEmpty(t *testing.T) {
	session := mcpSession(t, newFakeBrowser())

	text := mcpCallTool(t, session, "domdrive_presets", map[string]any{"op": "list"})

	var res struct {
		OK      bool     `json:"ok"`
		Presets []string `json:"presets"`
	}
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !res.OK || len(res.Presets) != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestMCP_CancelNoRun(t *testing.T) {
	session := mcpSession(t, newFakeBrowser())

	text := mcpCallTool(t, session, "domdrive_cancel", map[string]any{})

	var res struct {
		OK        bool   `json:"ok"`
		Cancelled bool   `json:"cancelled"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !res.OK || res.Cancelled {
		t.Fatalf("result = %+v", res)
	}
}

func TestMCP_Capture(t *testing.T) {
	browser := newFakeBrowser()
	browser.shot = []byte{0x89, 'P', 'N', 'G'}
	session := mcpSession(t, browser)

	text := mcpCallTool(t, session, "domdrive_capture", map[string]any{"full_page": true})

	var res struct {
		OK     bool   `json:"ok"`
		Format string `json:"format"`
		Data   string `json:"data"`
	}
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !res.OK || res.Format != "png" {
		t.Fatalf("result = %+v", res)
	}
	decoded, err := base64.StdEncoding.DecodeString(res.Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(decoded) != string(browser.shot) {
		t.Fatalf("data round trip: got %v, want %v", decoded, browser.shot)
	}
}

func TestMCP_ExecuteGatedWhenDeactivated(t *testing.T) {
	browser := newFakeBrowser()
	browser.selectors["#go"] = "el-go"
	session, a := mcpSessionAgent(t, browser)
	a.sup.Deactivate()

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name: "domdrive_execute",
		Arguments: map[string]any{
			"actions": []map[string]any{{"type": "click", "selectors": []string{"#go"}}},
		},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !result.IsError {
		t.Fatalf("deactivated agent accepted an execute tool call")
	}
	if len(browser.clicks) != 0 {
		t.Fatalf("browser was driven while deactivated: %v", browser.clicks)
	}

	a.sup.Activate()
	text := mcpCallTool(t, session, "domdrive_execute", map[string]any{
		"actions": []map[string]any{{"type": "click", "selectors": []string{"#go"}}},
	})
	var res drive.Result
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !res.OK || res.ExecutedSteps != 1 {
		t.Fatalf("result = %+v", res)
	}
}
