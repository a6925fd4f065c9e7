package workflow

import (
	"context"
	"encoding/binary"
	"encoding/json"

	"github.com/plugink/plugink/internal/errs"
	"github.com/plugink/plugink/internal/isolation"
)

// invokeJSON calls function on inst with input as its JSON argument
// document and returns its JSON result, using the same allocate-then-
// (ptr,len) marshaling convention the host-call ABI uses for its own
// results (internal/isolation's writeOutDescriptor), run here in the
// opposite direction: the host allocates and writes the guest's input,
// then reads back an output descriptor the guest wrote.
//
// function must accept (inPtr, inLen, outPtr uint32) and return a single
// status code, writing its result as a (ptr, len) pair of little-endian
// u32s at outPtr on success — the fixed convention every PluginCall node
// target is expected to export.
func invokeJSON(ctx context.Context, inst isolation.Instance, function string, input []byte) (json.RawMessage, error) {
	outPtr, err := inst.Allocate(ctx, 8)
	if err != nil {
		return nil, errs.WrapDetail(errs.FamilyIsolation, errs.IsolationMemoryAccess, "workflow.invokeJSON", "allocate out descriptor", err)
	}

	var inPtr uint32
	if len(input) > 0 {
		inPtr, err = inst.Allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, errs.WrapDetail(errs.FamilyIsolation, errs.IsolationMemoryAccess, "workflow.invokeJSON", "allocate input", err)
		}
		if err := inst.WriteMemory(inPtr, input); err != nil {
			return nil, err
		}
	}

	results, err := inst.Call(ctx, function, uint64(inPtr), uint64(len(input)), uint64(outPtr))
	if err != nil {
		return nil, err
	}
	if len(results) == 0 || int32(results[0]) != isolation.StatusOK {
		return nil, errs.New(errs.FamilyPlugin, errs.PluginExecutionError, "workflow.invokeJSON", function)
	}

	desc, err := inst.ReadMemory(outPtr, 8)
	if err != nil {
		return nil, err
	}
	dataPtr := binary.LittleEndian.Uint32(desc[0:4])
	dataLen := binary.LittleEndian.Uint32(desc[4:8])
	if dataLen == 0 {
		return nil, nil
	}
	return inst.ReadMemory(dataPtr, dataLen)
}
