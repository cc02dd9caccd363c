package wasm

import (
	"context"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wudi/filterhost/internal/errors"
	"github.com/wudi/filterhost/internal/filter"
)

type ctxKey struct{}

// hostState is what host functions see during one guest call.
type hostState struct {
	handle filter.Handle
	logger *zap.Logger
	config []byte
	// maps is indexed by MapType; entries stay nil until their phase starts.
	maps [4]filter.HeaderMap
	body filter.Buffer
}

func contextWithHostState(ctx context.Context, hs *hostState) context.Context {
	return context.WithValue(ctx, ctxKey{}, hs)
}

func hostStateFromContext(ctx context.Context) *hostState {
	if v := ctx.Value(ctxKey{}); v != nil {
		return v.(*hostState)
	}
	return nil
}

func (hs *hostState) headerMap(mapType uint32) filter.HeaderMap {
	if mapType >= uint32(len(hs.maps)) {
		return nil
	}
	return hs.maps[mapType]
}

// readGuestString reads a string from guest memory.
func readGuestString(mod api.Module, ptr, length uint32) (string, bool) {
	if length == 0 {
		return "", true
	}
	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

// readGuestBytes copies bytes out of guest memory.
func readGuestBytes(mod api.Module, ptr, length uint32) ([]byte, bool) {
	if length == 0 {
		return nil, true
	}
	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// writeGuestMemory writes data at ptr if it fits in cap and returns its length.
func writeGuestMemory(mod api.Module, ptr, cap uint32, data []byte) int32 {
	if uint32(len(data)) > cap {
		return ResultBadArgument
	}
	if len(data) == 0 {
		return 0
	}
	if !mod.Memory().Write(ptr, data) {
		return ResultBadArgument
	}
	return int32(len(data))
}

// mutationResult maps a HeaderMap or Buffer error to an ABI result.
func mutationResult(err error) int32 {
	switch {
	case err == nil:
		return ResultOK
	case errors.KindOf(err) == errors.KindIllegalMutation:
		return ResultIllegal
	default:
		return ResultBadArgument
	}
}

// registerHostFunctions compiles the env module exposing the host_* functions.
func registerHostFunctions(ctx context.Context, rt wazero.Runtime) (wazero.CompiledModule, error) {
	env := rt.NewHostModuleBuilder("env")

	env.NewFunctionBuilder().
		WithFunc(hostLog).
		WithParameterNames("level", "msg_ptr", "msg_len").
		Export("host_log")

	env.NewFunctionBuilder().
		WithFunc(hostGetHeader).
		WithParameterNames("map_type", "key_ptr", "key_len", "val_ptr", "val_cap").
		Export("host_get_header")

	env.NewFunctionBuilder().
		WithFunc(hostAddHeader).
		WithParameterNames("map_type", "key_ptr", "key_len", "val_ptr", "val_len").
		Export("host_add_header")

	env.NewFunctionBuilder().
		WithFunc(hostReplaceHeader).
		WithParameterNames("map_type", "key_ptr", "key_len", "val_ptr", "val_len").
		Export("host_replace_header")

	env.NewFunctionBuilder().
		WithFunc(hostRemoveHeader).
		WithParameterNames("map_type", "key_ptr", "key_len").
		Export("host_remove_header")

	env.NewFunctionBuilder().
		WithFunc(hostGetBody).
		WithParameterNames("buf_ptr", "buf_cap").
		Export("host_get_body")

	env.NewFunctionBuilder().
		WithFunc(hostSetBody).
		WithParameterNames("buf_ptr", "buf_len").
		Export("host_set_body")

	env.NewFunctionBuilder().
		WithFunc(hostGetConfig).
		WithParameterNames("buf_ptr", "buf_cap").
		Export("host_get_config")

	env.NewFunctionBuilder().
		WithFunc(hostSendLocalResponse).
		WithParameterNames("status", "details_ptr", "details_len", "body_ptr", "body_len",
			"headers_ptr", "headers_len", "grpc_status").
		Export("host_send_local_response")

	return env.Compile(ctx)
}

// --- Host function implementations ---

func hostLog(ctx context.Context, mod api.Module, level, msgPtr, msgLen uint32) {
	hs := hostStateFromContext(ctx)
	if hs == nil || hs.logger == nil {
		return
	}
	msg, ok := readGuestString(mod, msgPtr, msgLen)
	if !ok {
		return
	}
	switch level {
	case LogLevelTrace, LogLevelDebug:
		hs.logger.Debug("wasm plugin", zap.String("msg", msg))
	case LogLevelInfo:
		hs.logger.Info("wasm plugin", zap.String("msg", msg))
	case LogLevelWarn:
		hs.logger.Warn("wasm plugin", zap.String("msg", msg))
	case LogLevelError:
		hs.logger.Error("wasm plugin", zap.String("msg", msg))
	default:
		hs.logger.Info("wasm plugin", zap.String("msg", msg))
	}
}

func hostGetHeader(ctx context.Context, mod api.Module, mapType, keyPtr, keyLen, valPtr, valCap uint32) int32 {
	hs := hostStateFromContext(ctx)
	if hs == nil {
		return ResultBadArgument
	}
	headers := hs.headerMap(mapType)
	if headers == nil {
		return ResultBadArgument
	}
	key, ok := readGuestString(mod, keyPtr, keyLen)
	if !ok {
		return ResultBadArgument
	}
	val, found := headers.Get(key)
	if !found {
		return 0
	}
	return writeGuestMemory(mod, valPtr, valCap, []byte(val))
}

func hostAddHeader(ctx context.Context, mod api.Module, mapType, keyPtr, keyLen, valPtr, valLen uint32) int32 {
	return setHeader(ctx, mod, mapType, keyPtr, keyLen, valPtr, valLen, filter.HeaderMap.Add)
}

func hostReplaceHeader(ctx context.Context, mod api.Module, mapType, keyPtr, keyLen, valPtr, valLen uint32) int32 {
	return setHeader(ctx, mod, mapType, keyPtr, keyLen, valPtr, valLen, filter.HeaderMap.Replace)
}

func setHeader(ctx context.Context, mod api.Module, mapType, keyPtr, keyLen, valPtr, valLen uint32, op func(filter.HeaderMap, string, string) error) int32 {
	hs := hostStateFromContext(ctx)
	if hs == nil {
		return ResultBadArgument
	}
	headers := hs.headerMap(mapType)
	if headers == nil {
		return ResultIllegal
	}
	key, ok := readGuestString(mod, keyPtr, keyLen)
	if !ok {
		return ResultBadArgument
	}
	val, ok := readGuestString(mod, valPtr, valLen)
	if !ok {
		return ResultBadArgument
	}
	return mutationResult(op(headers, key, val))
}

func hostRemoveHeader(ctx context.Context, mod api.Module, mapType, keyPtr, keyLen uint32) int32 {
	hs := hostStateFromContext(ctx)
	if hs == nil {
		return ResultBadArgument
	}
	headers := hs.headerMap(mapType)
	if headers == nil {
		return ResultIllegal
	}
	key, ok := readGuestString(mod, keyPtr, keyLen)
	if !ok {
		return ResultBadArgument
	}
	return mutationResult(headers.Remove(key))
}

func hostGetBody(ctx context.Context, mod api.Module, bufPtr, bufCap uint32) int32 {
	hs := hostStateFromContext(ctx)
	if hs == nil || hs.body == nil {
		return ResultBadArgument
	}
	return writeGuestMemory(mod, bufPtr, bufCap, hs.body.Bytes())
}

func hostSetBody(ctx context.Context, mod api.Module, bufPtr, bufLen uint32) int32 {
	hs := hostStateFromContext(ctx)
	if hs == nil || hs.body == nil {
		return ResultIllegal
	}
	data, ok := readGuestBytes(mod, bufPtr, bufLen)
	if !ok {
		return ResultBadArgument
	}
	return mutationResult(hs.body.Set(data))
}

func hostGetConfig(ctx context.Context, mod api.Module, bufPtr, bufCap uint32) int32 {
	hs := hostStateFromContext(ctx)
	if hs == nil {
		return ResultBadArgument
	}
	return writeGuestMemory(mod, bufPtr, bufCap, hs.config)
}

// hostSendLocalResponse answers the stream from the guest. Headers are
// serialised as NUL-terminated key and value strings, one pair after the
// other. Empty details default to "wasm_local_response".
func hostSendLocalResponse(ctx context.Context, mod api.Module, status, detailsPtr, detailsLen, bodyPtr, bodyLen, headersPtr, headersLen, grpcStatus uint32) int32 {
	hs := hostStateFromContext(ctx)
	if hs == nil || hs.handle == nil {
		return ResultIllegal
	}
	if status < 100 || status > 599 || grpcStatus > maxGRPCStatus {
		return ResultBadArgument
	}
	details, ok := readGuestString(mod, detailsPtr, detailsLen)
	if !ok {
		return ResultBadArgument
	}
	if details == "" {
		details = "wasm_local_response"
	}
	body, ok := readGuestBytes(mod, bodyPtr, bodyLen)
	if !ok {
		return ResultBadArgument
	}
	raw, ok := readGuestBytes(mod, headersPtr, headersLen)
	if !ok {
		return ResultBadArgument
	}
	headers, ok := decodeHeaderPairs(raw)
	if !ok {
		return ResultBadArgument
	}
	err := hs.handle.SendLocalResponse(filter.LocalResponse{
		Status:     int(status),
		Details:    details,
		Body:       body,
		Headers:    headers,
		GRPCStatus: int(grpcStatus),
	})
	if errors.KindOf(err) == errors.KindAlreadyTerminal {
		return ResultAlreadyClosed
	}
	return mutationResult(err)
}

// decodeHeaderPairs parses "key\x00value\x00" pairs. Every pair must be a
// valid header.
func decodeHeaderPairs(data []byte) ([]filter.Header, bool) {
	if len(data) == 0 {
		return nil, true
	}
	if data[len(data)-1] != 0 {
		return nil, false
	}
	parts := strings.Split(string(data[:len(data)-1]), "\x00")
	if len(parts)%2 != 0 {
		return nil, false
	}
	out := make([]filter.Header, 0, len(parts)/2)
	for i := 0; i < len(parts); i += 2 {
		if filter.ValidateHeader(parts[i], parts[i+1]) != nil {
			return nil, false
		}
		out = append(out, filter.Header{Key: parts[i], Value: parts[i+1]})
	}
	return out, true
}
