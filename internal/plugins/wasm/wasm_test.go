package wasm

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	ferrors "github.com/wudi/filterhost/internal/errors"
	"github.com/wudi/filterhost/internal/filter"
	"github.com/wudi/filterhost/internal/stream"
)

// --- Minimal WASM binary builders ---
// wazero has no text format parser, so guests are assembled in binary form.
//
// Every guest imports, in order:
//   0: env.host_log(level, ptr, len)
//   1: env.host_add_header(map, kptr, klen, vptr, vlen) -> i32
//   2: env.host_send_local_response(status, dptr, dlen, bptr, blen, hptr, hlen, grpc) -> i32
// and exports memory plus the functions it is built with, starting at
// function index 3. Memory holds "hello" at 2048, "world" at 2053,
// "hello world" at 2058, "wasm_denied" at 2069 and the header list
// "x-wasm\x00yes\x00" at 2080.

const (
	typeLog   = 0 // (i32, i32, i32) -> ()
	typeFive  = 1 // (i32, i32, i32, i32, i32) -> i32
	typeThree = 2 // (i32, i32, i32) -> i32
	typeOne   = 3 // (i32) -> i32
	typeTwo   = 4 // (i32, i32) -> i32
	typeNone  = 5 // () -> i32
	typeEight = 6 // (i32 x8) -> i32
)

type guestFunc struct {
	name string
	typ  byte
	code []byte
}

var (
	// add "hello: world" to request headers, then continue.
	codeAddHeader = []byte{
		0x41, 0x00,       // i32.const 0 (request headers)
		0x41, 0x80, 0x10, // i32.const 2048
		0x41, 0x05,       // i32.const 5
		0x41, 0x85, 0x10, // i32.const 2053
		0x41, 0x05,       // i32.const 5
		0x10, 0x01,       // call host_add_header
		0x1a,             // drop
		0x41, 0x00,       // i32.const 0 (continue)
		0x0b,             // end
	}
	// send 200 "hello world", then stop.
	codeLocalResponse = []byte{
		0x41, 0xc8, 0x01, // i32.const 200
		0x41, 0x00,       // i32.const 0
		0x41, 0x00,       // i32.const 0 (no details)
		0x41, 0x8a, 0x10, // i32.const 2058
		0x41, 0x0b,       // i32.const 11
		0x41, 0x00,       // i32.const 0
		0x41, 0x00,       // i32.const 0 (no headers)
		0x41, 0x00,       // i32.const 0 (grpc OK)
		0x10, 0x02,       // call host_send_local_response
		0x1a,             // drop
		0x41, 0x01,       // i32.const 1 (stop iteration)
		0x0b,             // end
	}
	// send 403 "hello world" with details, "x-wasm: yes" and grpc 7, then stop.
	codeLocalResponseFull = []byte{
		0x41, 0x93, 0x03, // i32.const 403
		0x41, 0x95, 0x10, // i32.const 2069
		0x41, 0x0b,       // i32.const 11
		0x41, 0x8a, 0x10, // i32.const 2058
		0x41, 0x0b,       // i32.const 11
		0x41, 0xa0, 0x10, // i32.const 2080
		0x41, 0x0b,       // i32.const 11
		0x41, 0x07,       // i32.const 7 (PERMISSION_DENIED)
		0x10, 0x02,       // call host_send_local_response
		0x1a,             // drop
		0x41, 0x01,       // i32.const 1 (stop iteration)
		0x0b,             // end
	}
	// header list "hello" lacks its NUL terminators; the call is rejected
	// and the guest continues.
	codeLocalResponseBadHeaders = []byte{
		0x41, 0xc8, 0x01, // i32.const 200
		0x41, 0x00,       // i32.const 0
		0x41, 0x00,       // i32.const 0
		0x41, 0x00,       // i32.const 0
		0x41, 0x00,       // i32.const 0
		0x41, 0x80, 0x10, // i32.const 2048
		0x41, 0x05,       // i32.const 5
		0x41, 0x00,       // i32.const 0
		0x10, 0x02,       // call host_send_local_response
		0x1a,             // drop
		0x41, 0x00,       // i32.const 0 (continue)
		0x0b,             // end
	}
	codeReturn0     = []byte{0x41, 0x00, 0x0b}
	codeReturn1     = []byte{0x41, 0x01, 0x0b}
	codeReturn7     = []byte{0x41, 0x07, 0x0b}
	codeUnreachable = []byte{0x00, 0x0b}
	// loop forever.
	codeSpin = []byte{0x03, 0x40, 0x0c, 0x00, 0x0b, 0x41, 0x00, 0x0b}
)

func buildGuest(funcs ...guestFunc) []byte {
	var b bytes.Buffer
	b.Write([]byte{0x00, 0x61, 0x73, 0x6d}) // magic
	b.Write([]byte{0x01, 0x00, 0x00, 0x00}) // version 1

	b.Write(encodeSection(1, encodeVector([][]byte{
		{0x60, 3, 0x7f, 0x7f, 0x7f, 0},
		{0x60, 5, 0x7f, 0x7f, 0x7f, 0x7f, 0x7f, 1, 0x7f},
		{0x60, 3, 0x7f, 0x7f, 0x7f, 1, 0x7f},
		{0x60, 1, 0x7f, 1, 0x7f},
		{0x60, 2, 0x7f, 0x7f, 1, 0x7f},
		{0x60, 0, 1, 0x7f},
		{0x60, 8, 0x7f, 0x7f, 0x7f, 0x7f, 0x7f, 0x7f, 0x7f, 0x7f, 1, 0x7f},
	})))

	b.Write(encodeSection(2, encodeVector([][]byte{
		encodeImport("env", "host_log", 0x00, typeLog),
		encodeImport("env", "host_add_header", 0x00, typeFive),
		encodeImport("env", "host_send_local_response", 0x00, typeEight),
	})))

	funcSec := []byte{byte(len(funcs))}
	for _, fn := range funcs {
		funcSec = append(funcSec, fn.typ)
	}
	b.Write(encodeSection(3, funcSec))

	// 1 memory, min 1 page
	b.Write(encodeSection(5, []byte{1, 0x00, 1}))

	exports := [][]byte{encodeExport("memory", 0x02, 0)}
	for i, fn := range funcs {
		exports = append(exports, encodeExport(fn.name, 0x00, byte(3+i)))
	}
	b.Write(encodeSection(7, encodeVector(exports)))

	var bodies [][]byte
	for _, fn := range funcs {
		bodies = append(bodies, encodeCode(fn.code))
	}
	b.Write(encodeSection(10, encodeVector(bodies)))

	b.Write(encodeSection(11, encodeVector([][]byte{
		encodeDataSegment(2048, []byte("hello")),
		encodeDataSegment(2053, []byte("world")),
		encodeDataSegment(2058, []byte("hello world")),
		encodeDataSegment(2069, []byte("wasm_denied")),
		encodeDataSegment(2080, []byte("x-wasm\x00yes\x00")),
	})))
	return b.Bytes()
}

// --- WASM binary encoding helpers ---

func encodeSection(id byte, content []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(id)
	buf.Write(encodeLEB128(uint32(len(content))))
	buf.Write(content)
	return buf.Bytes()
}

func encodeVector(items [][]byte) []byte {
	var buf bytes.Buffer
	buf.Write(encodeLEB128(uint32(len(items))))
	for _, item := range items {
		buf.Write(item)
	}
	return buf.Bytes()
}

func encodeImport(module, name string, kind, typeIdx byte) []byte {
	var buf bytes.Buffer
	buf.Write(encodeLEB128(uint32(len(module))))
	buf.WriteString(module)
	buf.Write(encodeLEB128(uint32(len(name))))
	buf.WriteString(name)
	buf.WriteByte(kind)
	buf.WriteByte(typeIdx)
	return buf.Bytes()
}

func encodeExport(name string, kind, idx byte) []byte {
	var buf bytes.Buffer
	buf.Write(encodeLEB128(uint32(len(name))))
	buf.WriteString(name)
	buf.WriteByte(kind)
	buf.WriteByte(idx)
	return buf.Bytes()
}

func encodeCode(body []byte) []byte {
	full := append([]byte{0}, body...) // no locals
	var buf bytes.Buffer
	buf.Write(encodeLEB128(uint32(len(full))))
	buf.Write(full)
	return buf.Bytes()
}

func encodeDataSegment(offset int, data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(0x00) // active, memory 0
	buf.WriteByte(0x41) // i32.const
	buf.Write(encodeSignedLEB128(int32(offset)))
	buf.WriteByte(0x0b) // end
	buf.Write(encodeLEB128(uint32(len(data))))
	buf.Write(data)
	return buf.Bytes()
}

func encodeLEB128(value uint32) []byte {
	var buf []byte
	for {
		b := byte(value & 0x7f)
		value >>= 7
		if value != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if value == 0 {
			break
		}
	}
	return buf
}

func encodeSignedLEB128(value int32) []byte {
	var buf []byte
	for {
		b := byte(value & 0x7f)
		value >>= 7
		if (value == 0 && b&0x40 == 0) || (value == -1 && b&0x40 != 0) {
			buf = append(buf, b)
			break
		}
		b |= 0x80
		buf = append(buf, b)
	}
	return buf
}

// writeWasmFile writes a guest to a temp file and returns the path.
func writeWasmFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugin.wasm")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// --- Harness ---

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := NewRuntime(context.Background(), RuntimeConfig{Mode: "interpreter"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rt.Close(context.Background()) })
	return rt
}

func configJSON(path, extra string) []byte {
	raw := `{"path":"` + path + `"`
	if !strings.Contains(extra, `"timeout"`) {
		raw += `,"timeout":"200ms"`
	}
	if extra != "" {
		raw += "," + extra
	}
	return []byte(raw + "}")
}

func newConfigured(t *testing.T, rt *Runtime, guest []byte, extra string) *Factory {
	t.Helper()
	f := NewFactory(rt, zap.NewNop())
	if err := f.Configure(configJSON(writeWasmFile(t, guest), extra)); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

type recorder struct {
	mu      sync.Mutex
	local   []filter.LocalResponse
	reports []error
}

func (r *recorder) SendLocalResponse(_ uint64, resp filter.LocalResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local = append(r.local, resp)
}

func (r *recorder) Report(_ uint64, _ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, err)
}

func open(f filter.ConfigurableFactory) (*stream.Stream, *recorder) {
	rec := &recorder{}
	return stream.New(1, f, stream.Options{Name: "wasm", Dispatcher: rec, Reporter: rec}), rec
}

// --- Tests ---

func TestWasmAddHeader(t *testing.T) {
	rt := newTestRuntime(t)
	f := newConfigured(t, rt, buildGuest(guestFunc{exportOnRequestHeaders, typeOne, codeAddHeader}), "")

	s, rec := open(f)
	defer s.Destroy(filter.DestroyNormal)

	hdrs := filter.NewHeaders(filter.Header{Key: ":path", Value: "/"})
	d, err := s.RequestHeaders(hdrs, true)
	if err != nil || d != filter.Continue {
		t.Fatalf("RequestHeaders = %s, %v", d, err)
	}
	if v, _ := hdrs.Get("Hello"); v != "world" {
		t.Errorf("hello = %q", v)
	}
	if len(rec.reports) != 0 {
		t.Errorf("reports = %v", rec.reports)
	}
}

func TestWasmLocalResponse(t *testing.T) {
	rt := newTestRuntime(t)
	f := newConfigured(t, rt, buildGuest(guestFunc{exportOnRequestHeaders, typeOne, codeLocalResponse}), "")

	s, rec := open(f)
	defer s.Destroy(filter.DestroyNormal)

	d, err := s.RequestHeaders(filter.NewHeaders(), true)
	if err != nil || d != filter.StopIteration {
		t.Fatalf("RequestHeaders = %s, %v", d, err)
	}
	if len(rec.local) != 1 {
		t.Fatalf("local responses = %d", len(rec.local))
	}
	if rec.local[0].Status != 200 || string(rec.local[0].Body) != "hello world" {
		t.Errorf("local response = %+v", rec.local[0])
	}
	if rec.local[0].Details != "wasm_local_response" || len(rec.local[0].Headers) != 0 || rec.local[0].GRPCStatus != 0 {
		t.Errorf("local response = %+v", rec.local[0])
	}
	if s.Phase() != filter.PhaseLocalResponseSent {
		t.Errorf("phase = %s", s.Phase())
	}
}

func TestWasmLocalResponseDetailsHeadersAndGRPCStatus(t *testing.T) {
	rt := newTestRuntime(t)
	f := newConfigured(t, rt, buildGuest(guestFunc{exportOnRequestHeaders, typeOne, codeLocalResponseFull}), "")

	s, rec := open(f)
	defer s.Destroy(filter.DestroyNormal)

	d, err := s.RequestHeaders(filter.NewHeaders(), true)
	if err != nil || d != filter.StopIteration {
		t.Fatalf("RequestHeaders = %s, %v", d, err)
	}
	if len(rec.local) != 1 {
		t.Fatalf("local responses = %d", len(rec.local))
	}
	lr := rec.local[0]
	if lr.Status != 403 || lr.Details != "wasm_denied" || string(lr.Body) != "hello world" {
		t.Errorf("local response = %+v", lr)
	}
	if lr.GRPCStatus != int(codes.PermissionDenied) {
		t.Errorf("grpc status = %d", lr.GRPCStatus)
	}
	if len(lr.Headers) != 1 || lr.Headers[0] != (filter.Header{Key: "x-wasm", Value: "yes"}) {
		t.Errorf("headers = %+v", lr.Headers)
	}
}

func TestWasmLocalResponseMalformedHeadersRejected(t *testing.T) {
	rt := newTestRuntime(t)
	f := newConfigured(t, rt, buildGuest(guestFunc{exportOnRequestHeaders, typeOne, codeLocalResponseBadHeaders}), "")

	s, rec := open(f)
	defer s.Destroy(filter.DestroyNormal)

	d, err := s.RequestHeaders(filter.NewHeaders(), true)
	if err != nil || d != filter.Continue {
		t.Fatalf("RequestHeaders = %s, %v", d, err)
	}
	if len(rec.local) != 0 {
		t.Errorf("local responses = %+v", rec.local)
	}
}

func TestDecodeHeaderPairs(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []filter.Header
		ok   bool
	}{
		{"empty", "", nil, true},
		{"one pair", "a\x00b\x00", []filter.Header{{Key: "a", Value: "b"}}, true},
		{"empty value", "a\x00\x00", []filter.Header{{Key: "a", Value: ""}}, true},
		{"two pairs", "a\x001\x00b\x002\x00", []filter.Header{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}}, true},
		{"unterminated", "a\x00b", nil, false},
		{"odd count", "a\x00", nil, false},
		{"empty key", "\x00b\x00", nil, false},
		{"bad value", "a\x00x\ry\x00", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := decodeHeaderPairs([]byte(tt.in))
			if ok != tt.ok {
				t.Fatalf("ok = %v", ok)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %+v", got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("[%d] = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestWasmMutationOutsidePhaseRejected(t *testing.T) {
	rt := newTestRuntime(t)
	// Tries to add to the request headers while in the response phase.
	f := newConfigured(t, rt, buildGuest(guestFunc{exportOnResponseHeaders, typeOne, codeAddHeader}), "")

	s, rec := open(f)
	defer s.Destroy(filter.DestroyNormal)

	reqHdrs := filter.NewHeaders()
	if _, err := s.RequestHeaders(reqHdrs, true); err != nil {
		t.Fatal(err)
	}
	d, err := s.ResponseHeaders(filter.NewHeaders(), true)
	if err != nil || d != filter.Continue {
		t.Fatalf("ResponseHeaders = %s, %v", d, err)
	}
	if reqHdrs.Len() != 0 {
		t.Errorf("request headers mutated: %v", reqHdrs.Entries())
	}
	if len(rec.reports) != 1 || !errors.Is(rec.reports[0], ferrors.ErrIllegalMutation) {
		t.Errorf("reports = %v", rec.reports)
	}
}

func TestWasmUnknownResultIsNoDecision(t *testing.T) {
	rt := newTestRuntime(t)
	f := newConfigured(t, rt, buildGuest(guestFunc{exportOnRequestHeaders, typeOne, codeReturn7}), "")

	s, rec := open(f)
	defer s.Destroy(filter.DestroyNormal)

	d, err := s.RequestHeaders(filter.NewHeaders(), true)
	if err != nil || d != filter.Continue {
		t.Fatalf("RequestHeaders = %s, %v", d, err)
	}
	if len(rec.reports) != 1 || !errors.Is(rec.reports[0], ferrors.ErrNoDecision) {
		t.Errorf("reports = %v", rec.reports)
	}
}

func TestWasmGuestFailure(t *testing.T) {
	tests := []struct {
		name      string
		code      []byte
		failOpen  bool
		wantLocal bool
	}{
		{"trap fail closed", codeUnreachable, false, true},
		{"trap fail open", codeUnreachable, true, false},
		{"timeout fail closed", codeSpin, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newTestRuntime(t)
			extra := `"fail_open":false`
			if tt.failOpen {
				extra = `"fail_open":true`
			}
			f := newConfigured(t, rt, buildGuest(guestFunc{exportOnRequestHeaders, typeOne, tt.code}), extra+`,"timeout":"50ms"`)

			s, rec := open(f)
			d, err := s.RequestHeaders(filter.NewHeaders(), true)
			if err != nil {
				t.Fatal(err)
			}
			s.Destroy(filter.DestroyNormal)

			if tt.wantLocal {
				if len(rec.local) != 1 || rec.local[0].Status != 500 || rec.local[0].GRPCStatus != int(codes.Internal) {
					t.Errorf("local responses = %+v", rec.local)
				}
			} else {
				if d != filter.Continue || len(rec.local) != 0 {
					t.Errorf("decision = %s, local = %+v", d, rec.local)
				}
			}
			stats := f.Stats().(PluginStats)
			if stats.Failures != 1 || stats.Pool.Discards != 1 {
				t.Errorf("stats = %+v", stats)
			}
		})
	}
}

func TestWasmBreakerOpens(t *testing.T) {
	rt := newTestRuntime(t)
	f := newConfigured(t, rt, buildGuest(guestFunc{exportOnRequestHeaders, typeOne, codeUnreachable}),
		`"fail_open":true,"breaker":{"failure_threshold":2,"open_timeout":"1m"}`)

	for range 3 {
		s, _ := open(f)
		if _, err := s.RequestHeaders(filter.NewHeaders(), true); err != nil {
			t.Fatal(err)
		}
		s.Destroy(filter.DestroyNormal)
	}

	stats := f.Stats().(PluginStats)
	if stats.BreakerState != "open" {
		t.Errorf("breaker state = %q", stats.BreakerState)
	}
	if stats.Failures != 3 {
		t.Errorf("failures = %d", stats.Failures)
	}
	// The third call never reached the guest.
	if stats.Pool.Discards != 2 {
		t.Errorf("discards = %d", stats.Pool.Discards)
	}
}

func TestWasmOnConfigure(t *testing.T) {
	rt := newTestRuntime(t)

	accept := buildGuest(guestFunc{exportOnConfigure, typeOne, codeReturn1})
	f := newConfigured(t, rt, accept, `"plugin_config":{"mode":"strict"}`)
	if string(f.Snapshot().Config.config) != `{"mode":"strict"}` {
		t.Errorf("plugin config = %s", f.Snapshot().Config.config)
	}

	reject := buildGuest(guestFunc{exportOnConfigure, typeOne, codeReturn0})
	err := f.Configure(configJSON(writeWasmFile(t, reject), ""))
	if !errors.Is(err, ferrors.ErrMalformedConfig) {
		t.Fatalf("Configure(reject) = %v", err)
	}
	if f.Snapshot().Generation != 1 {
		t.Errorf("generation = %d", f.Snapshot().Generation)
	}
}

func TestWasmConfigureErrors(t *testing.T) {
	rt := newTestRuntime(t)
	tests := []struct {
		name string
		raw  string
	}{
		{"missing path", `{"pool_size": 2}`},
		{"path not a string", `{"path": 7}`},
		{"no such file", `{"path": "/nonexistent/plugin.wasm"}`},
		{"not json", `{"path": `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFactory(rt, nil)
			err := f.Configure([]byte(tt.raw))
			if !errors.Is(err, ferrors.ErrMalformedConfig) {
				t.Fatalf("Configure = %v, want malformed config", err)
			}
			if f.Snapshot().Generation != 0 {
				t.Error("rejected configure published a snapshot")
			}
		})
	}

	bad := writeWasmFile(t, []byte("not wasm"))
	if err := NewFactory(rt, nil).Configure(configJSON(bad, "")); !errors.Is(err, ferrors.ErrMalformedConfig) {
		t.Errorf("Configure(invalid module) = %v", err)
	}
}

func TestWasmUnconfiguredPassesThrough(t *testing.T) {
	f := NewFactory(newTestRuntime(t), nil)
	s, _ := open(f)
	defer s.Destroy(filter.DestroyNormal)
	if d, err := s.RequestHeaders(filter.NewHeaders(), true); err != nil || d != filter.Continue {
		t.Fatalf("RequestHeaders = %s, %v", d, err)
	}
}

func TestWasmReloadRetiresPluginAfterLastStream(t *testing.T) {
	rt := newTestRuntime(t)
	guest := buildGuest(guestFunc{exportOnRequestHeaders, typeOne, codeAddHeader})
	path := writeWasmFile(t, guest)
	f := newConfigured(t, rt, guest, "")
	old := f.Snapshot().Config.plugin

	s, _ := open(f)
	if _, err := s.RequestHeaders(filter.NewHeaders(), false); err != nil {
		t.Fatal(err)
	}

	if err := f.Configure(configJSON(path, `"pool_size":2`)); err != nil {
		t.Fatal(err)
	}
	if f.Snapshot().Config.plugin == old {
		t.Fatal("reload did not publish a new plugin")
	}
	if closed := poolClosed(old.pool); closed {
		t.Fatal("old plugin closed while a stream still uses it")
	}

	s.Destroy(filter.DestroyNormal)
	if closed := poolClosed(old.pool); !closed {
		t.Error("old plugin not closed after its last stream")
	}
	if rt.CachedModules() != 1 {
		t.Errorf("cached modules = %d, want 1", rt.CachedModules())
	}
}

func TestWasmClosedFactoryPassesThrough(t *testing.T) {
	rt := newTestRuntime(t)
	f := newConfigured(t, rt, buildGuest(guestFunc{exportOnRequestHeaders, typeOne, codeLocalResponse}), "")
	f.Close()

	s, rec := open(f)
	defer s.Destroy(filter.DestroyNormal)
	if _, err := s.RequestHeaders(filter.NewHeaders(), true); err != nil {
		t.Fatal(err)
	}
	if len(rec.local) != 0 {
		t.Error("closed plugin still ran")
	}
}

func TestDecodeConfigDefaults(t *testing.T) {
	doc, err := filter.ParseDocument([]byte(`{"path":"a.wasm","pool_size":"8","timeout":25}`))
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := DecodeConfig(doc)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Path != "a.wasm" {
		t.Errorf("path = %q", cfg.Path)
	}
	if cfg.PoolSize != defaultPoolSize {
		t.Errorf("pool size = %d, mismatched type should be ignored", cfg.PoolSize)
	}
	if cfg.Timeout.Milliseconds() != 25 {
		t.Errorf("timeout = %s", cfg.Timeout)
	}
	if cfg.FailureThreshold != defaultFailureThreshold || cfg.OpenTimeout != defaultOpenTimeout {
		t.Errorf("breaker defaults = %d, %s", cfg.FailureThreshold, cfg.OpenTimeout)
	}
	if string(cfg.PluginConfig) != "{}" {
		t.Errorf("plugin config = %s", cfg.PluginConfig)
	}
}

func poolClosed(p *InstancePool) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}
