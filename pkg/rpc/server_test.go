package rpc

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/mr-tron/base58"

	"github.com/svmkit/svm/pkg/asm"
	"github.com/svmkit/svm/pkg/runlog"
	"github.com/svmkit/svm/pkg/store"
)

// testResponse mirrors Response with a raw result for test-side decoding.
type testResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	programs, err := store.Open(store.DefaultConfig(filepath.Join(t.TempDir(), "programs.db")))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { programs.Close() })

	runCfg := runlog.DefaultConfig("")
	runCfg.InMemory = true
	runs, err := runlog.Open(runCfg)
	if err != nil {
		t.Fatalf("open runlog: %v", err)
	}
	t.Cleanup(func() { runs.Close() })

	cfg := DefaultConfig()
	cfg.Version = "test"
	s := New(cfg, programs, runs, nil)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func call(t *testing.T, url, method string, params ...interface{}) testResponse {
	t.Helper()

	req := Request{
		JSONRPC: JSONRPCVersion,
		ID:      1,
		Method:  method,
	}
	if len(params) > 0 {
		raw, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		req.Params = raw
	}

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var out testResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func mustResult(t *testing.T, resp testResponse, v interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %v", resp.Error)
	}
	if err := json.Unmarshal(resp.Result, v); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
}

const helloSource = `
	store r0, "hello"
	print_str r0
	exit
`

func loadHello(t *testing.T, url string) string {
	t.Helper()
	code := asm.MustAssemble(helloSource)
	resp := call(t, url, "svm.loadProgram",
		base64.StdEncoding.EncodeToString(code),
		LoadConfig{Label: "hello"})
	var result LoadResult
	mustResult(t, resp, &result)
	return result.ProgramID
}

func TestLoadProgram(t *testing.T) {
	_, ts := newTestServer(t)

	code := asm.MustAssemble(helloSource)
	resp := call(t, ts.URL, "svm.loadProgram",
		base64.StdEncoding.EncodeToString(code),
		LoadConfig{Label: "hello"})

	var result LoadResult
	mustResult(t, resp, &result)
	if result.ProgramID == "" {
		t.Error("expected non-empty program id")
	}
	if result.Size != len(code) {
		t.Errorf("expected size %d, got %d", len(code), result.Size)
	}
}

func TestLoadProgramRejectsGarbage(t *testing.T) {
	_, ts := newTestServer(t)

	resp := call(t, ts.URL, "svm.loadProgram", "!!!not-base64!!!")
	if resp.Error == nil || resp.Error.Code != InvalidParams {
		t.Fatalf("expected invalid params error, got %v", resp.Error)
	}

	resp = call(t, ts.URL, "svm.loadProgram", "")
	if resp.Error == nil || resp.Error.Code != InvalidProgram {
		t.Fatalf("expected invalid program error, got %v", resp.Error)
	}
}

func TestAssemble(t *testing.T) {
	_, ts := newTestServer(t)

	resp := call(t, ts.URL, "svm.assemble", "store r0, 42\nprint_int r0\nexit",
		AssembleConfig{Store: true, Label: "answer"})

	var result AssembleResult
	mustResult(t, resp, &result)
	if !result.Stored {
		t.Error("expected program to be stored")
	}
	if result.Size != 7 {
		t.Errorf("expected 7 bytes, got %d", result.Size)
	}

	// The stored program should now be listed.
	listResp := call(t, ts.URL, "svm.listPrograms")
	var infos []ProgramInfo
	mustResult(t, listResp, &infos)
	if len(infos) != 1 || infos[0].Label != "answer" {
		t.Fatalf("unexpected listing: %+v", infos)
	}
}

func TestAssembleError(t *testing.T) {
	_, ts := newTestServer(t)

	resp := call(t, ts.URL, "svm.assemble", "frobnicate r0")
	if resp.Error == nil || resp.Error.Code != AssemblyFailed {
		t.Fatalf("expected assembly error, got %v", resp.Error)
	}
}

func TestRunProgram(t *testing.T) {
	_, ts := newTestServer(t)
	id := loadHello(t, ts.URL)

	resp := call(t, ts.URL, "svm.runProgram", id)
	var result RunResult
	mustResult(t, resp, &result)

	if result.Status != string(runlog.StatusOK) {
		t.Errorf("expected status ok, got %q", result.Status)
	}
	if result.Output != "hello" {
		t.Errorf("expected output %q, got %q", "hello", result.Output)
	}
	if result.Seq != 1 {
		t.Errorf("expected seq 1, got %d", result.Seq)
	}
	if len(result.Registers) == 0 {
		t.Error("expected register snapshot")
	}
}

func TestRunProgramRuntimeError(t *testing.T) {
	_, ts := newTestServer(t)

	// r1 is zero, so the division faults.
	resp := call(t, ts.URL, "svm.assemble",
		"store r0, 10\nstore r1, 0\ndiv r2, r0, r1\nexit",
		AssembleConfig{Store: true})
	var asmResult AssembleResult
	mustResult(t, resp, &asmResult)

	runResp := call(t, ts.URL, "svm.runProgram", asmResult.ProgramID)
	var result RunResult
	mustResult(t, runResp, &result)

	if result.Status != string(runlog.StatusError) {
		t.Fatalf("expected status error, got %q", result.Status)
	}
	if result.Error == "" {
		t.Error("expected error message in run record")
	}
}

func TestRunProgramNotFound(t *testing.T) {
	_, ts := newTestServer(t)

	missing := make([]byte, 32)
	missing[0] = 1
	resp := call(t, ts.URL, "svm.runProgram", base58.Encode(missing))
	if resp.Error == nil || resp.Error.Code != ProgramNotFound {
		t.Fatalf("expected program not found, got %v", resp.Error)
	}
}

func TestGetProgram(t *testing.T) {
	_, ts := newTestServer(t)
	id := loadHello(t, ts.URL)

	resp := call(t, ts.URL, "svm.getProgram", id,
		GetProgramConfig{WithDisassembly: true})
	var detail ProgramDetail
	mustResult(t, resp, &detail)

	if detail.ProgramID != id {
		t.Errorf("expected id %s, got %s", id, detail.ProgramID)
	}
	if detail.Label != "hello" {
		t.Errorf("expected label hello, got %q", detail.Label)
	}
	if detail.Disassembly == "" {
		t.Error("expected disassembly listing")
	}
}

func TestDeleteProgram(t *testing.T) {
	_, ts := newTestServer(t)
	id := loadHello(t, ts.URL)

	resp := call(t, ts.URL, "svm.deleteProgram", id)
	var ok bool
	mustResult(t, resp, &ok)
	if !ok {
		t.Fatal("expected delete to succeed")
	}

	resp = call(t, ts.URL, "svm.getProgram", id)
	if resp.Error == nil || resp.Error.Code != ProgramNotFound {
		t.Fatalf("expected program not found after delete, got %v", resp.Error)
	}
}

func TestGetRunAndRecentRuns(t *testing.T) {
	_, ts := newTestServer(t)
	id := loadHello(t, ts.URL)

	for i := 0; i < 3; i++ {
		resp := call(t, ts.URL, "svm.runProgram", id)
		var result RunResult
		mustResult(t, resp, &result)
	}

	resp := call(t, ts.URL, "svm.getRun", 2)
	var result RunResult
	mustResult(t, resp, &result)
	if result.Seq != 2 {
		t.Errorf("expected seq 2, got %d", result.Seq)
	}

	resp = call(t, ts.URL, "svm.getRun", 99)
	if resp.Error == nil || resp.Error.Code != RunNotFound {
		t.Fatalf("expected run not found, got %v", resp.Error)
	}

	resp = call(t, ts.URL, "svm.getRecentRuns", 2)
	var results []RunResult
	mustResult(t, resp, &results)
	if len(results) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(results))
	}
	if results[0].Seq != 3 || results[1].Seq != 2 {
		t.Errorf("expected newest-first, got seqs %d, %d", results[0].Seq, results[1].Seq)
	}

	resp = call(t, ts.URL, "svm.getRecentRuns", 10, id)
	mustResult(t, resp, &results)
	if len(results) != 3 {
		t.Fatalf("expected 3 runs for program, got %d", len(results))
	}
}

func TestHealthAndVersion(t *testing.T) {
	s, ts := newTestServer(t)

	resp := call(t, ts.URL, "svm.getHealth")
	var health string
	mustResult(t, resp, &health)
	if health != "ok" {
		t.Errorf("expected ok, got %q", health)
	}

	s.SetHealthy(false)
	resp = call(t, ts.URL, "svm.getHealth")
	if resp.Error == nil || resp.Error.Code != NodeUnhealthy {
		t.Fatalf("expected unhealthy error, got %v", resp.Error)
	}

	resp = call(t, ts.URL, "svm.getVersion")
	var version VersionInfo
	mustResult(t, resp, &version)
	if version.Version != "test" {
		t.Errorf("expected version test, got %q", version.Version)
	}
}

func TestMethodNotFound(t *testing.T) {
	_, ts := newTestServer(t)

	resp := call(t, ts.URL, "svm.frobnicate")
	if resp.Error == nil || resp.Error.Code != MethodNotFound {
		t.Fatalf("expected method not found, got %v", resp.Error)
	}
}

func TestBatchRequest(t *testing.T) {
	_, ts := newTestServer(t)

	body := []byte(fmt.Sprintf(`[
		{"jsonrpc":"2.0","id":1,"method":"svm.getHealth"},
		{"jsonrpc":"2.0","id":2,"method":"svm.getVersion"},
		{"jsonrpc":"1.0","id":3,"method":"svm.getHealth"}
	]`))

	resp, err := http.Post(ts.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var responses []testResponse
	if err := json.NewDecoder(resp.Body).Decode(&responses); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(responses) != 3 {
		t.Fatalf("expected 3 responses, got %d", len(responses))
	}
	if responses[0].Error != nil || responses[1].Error != nil {
		t.Error("expected first two requests to succeed")
	}
	if responses[2].Error == nil || responses[2].Error.Code != InvalidRequest {
		t.Errorf("expected invalid request for bad version, got %v", responses[2].Error)
	}
}

func TestRejectsNonPost(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestEncodingRoundTrip(t *testing.T) {
	data := asm.MustAssemble(helloSource)

	for _, enc := range []Encoding{EncodingBase58, EncodingBase64, EncodingBase64Zstd} {
		t.Run(string(enc), func(t *testing.T) {
			encoded, err := EncodeBytecode(data, enc)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			pair, ok := encoded.([]string)
			if !ok || len(pair) != 2 {
				t.Fatalf("unexpected encoding shape: %v", encoded)
			}
			if pair[1] != string(enc) {
				t.Errorf("expected encoding name %q, got %q", enc, pair[1])
			}
			decoded, err := DecodeBytecode(pair[0], enc)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !bytes.Equal(decoded, data) {
				t.Error("round trip mismatch")
			}
		})
	}
}
