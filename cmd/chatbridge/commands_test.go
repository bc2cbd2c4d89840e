package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	ContentType string
	Auth        string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			ContentType: r.Header.Get("Content-Type"),
			Auth:        r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"bot not found","type":"not_found_error"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// resetFlags restores every flag to its default so executions of rootCmd
// do not leak values into each other.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// execute runs the CLI against ts with stdin and returns what it wrote to
// stdout.
func execute(t *testing.T, ts *testServer, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)

	orig := newAPIClient
	newAPIClient = func(*cobra.Command) (*apiClient, error) { return ts.client(), nil }

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		newAPIClient = orig
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetIn(nil)
	})

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const botJSON = `{"id":"bot-1","name":"helper","company_name":"Acme","domain":"IT-Helpdesk","industry":"Software","documents":["faq.txt"],"created_at":"2025-01-02T03:04:05Z"}`

func TestBotCreate(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/users/alice/bots": `{"bot":` + botJSON + `,"ingestion":[{"file":"faq.txt","chunks":4}]}`,
	})
	manifest := writeTemp(t, "bot.yaml", "name: helper\ncompany_name: Acme\ndomain: IT-Helpdesk\nindustry: Software\n")
	doc := writeTemp(t, "faq.txt", "How do I reset my password?")

	out, err := execute(t, ts, "", "bot", "create", "--user", "alice", "--manifest", manifest, doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(out) != "bot-1" {
		t.Errorf("stdout = %q, want the bot ID", out)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	_, params, err := mime.ParseMediaType(r.ContentType)
	if err != nil {
		t.Fatalf("content type %q: %v", r.ContentType, err)
	}
	mr := multipart.NewReader(strings.NewReader(r.Body), params["boundary"])
	form, err := mr.ReadForm(1 << 20)
	if err != nil {
		t.Fatalf("reading multipart body: %v", err)
	}

	var m map[string]string
	if err := json.Unmarshal([]byte(form.Value["manifest"][0]), &m); err != nil {
		t.Fatalf("manifest field: %v", err)
	}
	if m["company_name"] != "Acme" || m["domain"] != "IT-Helpdesk" {
		t.Errorf("manifest = %v", m)
	}
	files := form.File["files"]
	if len(files) != 1 || files[0].Filename != "faq.txt" {
		t.Fatalf("files = %+v", files)
	}
	f, _ := files[0].Open()
	content, _ := io.ReadAll(f)
	f.Close()
	if string(content) != "How do I reset my password?" {
		t.Errorf("uploaded content = %q", content)
	}
}

func TestBotCreate_InvalidManifest(t *testing.T) {
	ts := newTestServer(t, nil)
	manifest := writeTemp(t, "bot.yaml", "name: helper\ncompany_name: Acme\n")

	_, err := execute(t, ts, "", "bot", "create", "--user", "alice", "--manifest", manifest)
	if err == nil {
		t.Fatal("expected error for manifest without domain")
	}
	if len(ts.requests) != 0 {
		t.Errorf("invalid manifest reached the server: %+v", ts.requests)
	}
}

func TestBotCreate_MissingFile(t *testing.T) {
	ts := newTestServer(t, nil)
	manifest := writeTemp(t, "bot.yaml", "name: h\ncompany_name: Acme\ndomain: d\nindustry: i\n")

	_, err := execute(t, ts, "", "bot", "create", "--user", "alice", "--manifest", manifest, filepath.Join(t.TempDir(), "absent.pdf"))
	if err == nil {
		t.Fatal("expected error for missing document")
	}
	if len(ts.requests) != 0 {
		t.Errorf("request sent despite missing file")
	}
}

func TestRequiredFlags(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, args := range [][]string{
		{"bot", "list"},
		{"bot", "delete", "--user", "alice"},
		{"chat", "--bot", "bot-1"},
		{"ingest", "--user", "alice"},
	} {
		_, err := execute(t, ts, "", args...)
		if err == nil || !strings.Contains(err.Error(), "required") {
			t.Errorf("%v: err = %v, want it to mention 'required'", args, err)
		}
	}
	if len(ts.requests) != 0 {
		t.Errorf("requests sent without required flags: %+v", ts.requests)
	}
}

func TestBotList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/users/alice/bots": `{"bots":[` + botJSON + `]}`,
	})

	out, err := execute(t, ts, "", "bot", "list", "--user", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "bot-1") || !strings.Contains(out, "Acme") {
		t.Errorf("output = %q", out)
	}
}

func TestBotList_EscapesUser(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/users/a b/bots": `{"bots":[]}`,
	})

	out, err := execute(t, ts, "", "bot", "list", "--user", "a b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "No bots found") {
		t.Errorf("output = %q", out)
	}
	if ts.requests[0].Path != "/v1/users/a%20b/bots" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
}

func TestBotDelete(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"DELETE /v1/users/alice/bots/bot-1": ``,
	})

	if _, err := execute(t, ts, "", "bot", "delete", "--user", "alice", "--bot", "bot-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.requests[0].Method != http.MethodDelete {
		t.Errorf("method = %s", ts.requests[0].Method)
	}

	_, err := execute(t, ts, "", "bot", "delete", "--user", "alice", "--bot", "missing")
	if err == nil || !strings.Contains(err.Error(), "bot not found") {
		t.Errorf("err = %v, want server message", err)
	}
}

func TestBotStats(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/users/alice/bots/bot-1/stats": `{"documents":[{"file":"faq.txt","chunks":4,"ingested":true},{"file":"scan.pdf","chunks":0,"ingested":false}],"turns":4,"user_turns":2,"assistant_turns":2,"average_response_time":"1.5 sec"}`,
	})

	out, err := execute(t, ts, "", "--no-color", "bot", "stats", "--user", "alice", "--bot", "bot-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"1.5 sec", "faq.txt  4 chunks", "scan.pdf  not ingested", "4 (2 from user, 2 from bot)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestIngest_Reingest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/users/alice/bots/bot-1/ingest": `{"bot":` + botJSON + `,"ingestion":[{"file":"faq.txt","chunks":4}]}`,
	})

	if _, err := execute(t, ts, "", "ingest", "--user", "alice", "--bot", "bot-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts.requests) != 1 || ts.requests[0].Body != "" {
		t.Errorf("requests = %+v", ts.requests)
	}
}

func TestIngest_FilesReportsFailures(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/users/alice/bots/bot-1/documents": `{"bot":` + botJSON + `,"ingestion":[{"file":"a.txt","chunks":1},{"file":"b.bin","chunks":0,"error":"unreadable document"}]}`,
	})
	a := writeTemp(t, "a.txt", "alpha")
	b := writeTemp(t, "b.bin", "\x00")

	_, err := execute(t, ts, "", "ingest", "--user", "alice", "--bot", "bot-1", a, b)
	if err == nil || !strings.Contains(err.Error(), "1 of 2") {
		t.Errorf("err = %v, want a failure count", err)
	}
	if !strings.HasPrefix(ts.requests[0].ContentType, "multipart/form-data") {
		t.Errorf("content type = %q", ts.requests[0].ContentType)
	}
}

func TestIngest_ReportsRunError(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/users/alice/bots/bot-1/documents": `{"bot":` + botJSON + `,"ingestion":[],"error":"bot was deleted during ingestion"}`,
	})
	a := writeTemp(t, "a.txt", "alpha")

	_, err := execute(t, ts, "", "ingest", "--user", "alice", "--bot", "bot-1", a)
	if err == nil || !strings.Contains(err.Error(), "bot was deleted during ingestion") {
		t.Errorf("err = %v, want the server's ingestion error", err)
	}
}

func TestUserDelete(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"DELETE /v1/users/alice": `{"deleted":2}`,
	})

	if _, err := execute(t, ts, "", "user", "delete", "--user", "alice", "--yes"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts.requests) != 1 || ts.requests[0].Method != http.MethodDelete || ts.requests[0].Path != "/v1/users/alice" {
		t.Errorf("requests = %+v", ts.requests)
	}
}

func TestUserDelete_RequiresConfirmation(t *testing.T) {
	ts := newTestServer(t, nil)

	_, err := execute(t, ts, "", "user", "delete", "--user", "alice")
	if err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Errorf("err = %v, want a confirmation error", err)
	}
	if len(ts.requests) != 0 {
		t.Errorf("sent %d requests without confirmation", len(ts.requests))
	}
}

func TestChat_OneShot(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/users/alice/bots/bot-1/chat": `{"reply":"Welcome to Acme support."}`,
	})

	out, err := execute(t, ts, "", "chat", "--user", "alice", "--bot", "bot-1", "--message", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(out) != "Welcome to Acme support." {
		t.Errorf("stdout = %q", out)
	}

	var body map[string]string
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["message"] != "hello" {
		t.Errorf("message = %q", body["message"])
	}
}

func TestChat_Loop(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/users/alice/bots/bot-1":       botJSON,
		"POST /v1/users/alice/bots/bot-1/chat": `{"reply":"ok"}`,
	})

	out, err := execute(t, ts, "first\n\n  \nsecond\nexit\nnever sent\n", "--no-color", "chat", "--user", "alice", "--bot", "bot-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var sent []string
	for _, r := range ts.requests {
		if r.Method != http.MethodPost {
			continue
		}
		var body map[string]string
		json.Unmarshal([]byte(r.Body), &body)
		sent = append(sent, body["message"])
	}
	if len(sent) != 2 || sent[0] != "first" || sent[1] != "second" {
		t.Errorf("sent = %v, want [first second]", sent)
	}
	if strings.Count(out, "helper> ok") != 2 {
		t.Errorf("stdout = %q", out)
	}
}

func TestChat_UnknownBot(t *testing.T) {
	ts := newTestServer(t, nil)

	_, err := execute(t, ts, "hi\n", "chat", "--user", "alice", "--bot", "nope")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v, want 404", err)
	}
}

func TestConfigSetAndShow(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("XDG_DATA_HOME", dir)
	t.Setenv("CHATBRIDGE_RETRIEVAL_TOP_K", "")

	if _, err := execute(t, nil, "", "config", "set", "retrieval.top_k", "5"); err != nil {
		t.Fatalf("config set: %v", err)
	}
	out, err := execute(t, nil, "", "--no-color", "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, "retrieval.top_k = 5") {
		t.Errorf("output = %q", out)
	}
	if strings.Contains(out, "api_token") {
		t.Errorf("secret key shown: %q", out)
	}

	if _, err := execute(t, nil, "", "config", "set", "server.api_token", "x"); err == nil {
		t.Error("expected error setting a secret")
	}
}

func TestDecodeJSON_PlainError(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusBadGateway,
		Body:       io.NopCloser(strings.NewReader("upstream down\n")),
	}
	err := decodeJSON(resp, nil)
	if err == nil || err.Error() != "server returned 502: upstream down" {
		t.Errorf("err = %v", err)
	}
}

func TestClient_NoTokenNoHeader(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /health": `{"status":"ok"}`})
	c := ts.client()
	c.token = ""

	resp, err := c.get(context.Background(), "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := decodeJSON(resp, nil); err != nil {
		t.Fatal(err)
	}
	if ts.requests[0].Auth != "" {
		t.Errorf("auth = %q, want none", ts.requests[0].Auth)
	}
}
