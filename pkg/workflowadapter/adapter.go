// Package workflowadapter constructs executor triggers from a signature's
// persisted state (spec §4.5). It has no dependency on pkg/signature: it
// operates on plain maps and scalars so signature, chain, swarm and root can
// all call it without an import cycle. Grounded on the teacher's trigger
// assembly in dag_engine.go generalized from one static task-input shape to
// the deep-merge + return-value-field rules this spec requires.
package workflowadapter

import "github.com/mageflow/mageflow/pkg/executor"

// TaskDataKey is the fixed metadata key task_identifiers + task_id are
// piggybacked under (spec §6.4). Downstream copies of metadata must strip
// this key before forwarding to avoid cross-task leaks.
const TaskDataKey = "task_data"

// DeepMerge recursively merges overlay over base: nested maps merge key by
// key, any other value type is simply replaced by overlay's value. Neither
// input is mutated.
func DeepMerge(base, overlay map[string]any) map[string]any {
	if base == nil && overlay == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, ov := range overlay {
		if bv, ok := out[k]; ok {
			bMap, bIsMap := bv.(map[string]any)
			oMap, oIsMap := ov.(map[string]any)
			if bIsMap && oIsMap {
				out[k] = DeepMerge(bMap, oMap)
				continue
			}
		}
		out[k] = ov
	}
	return out
}

// Build constructs the executor.Trigger for a single signature invocation.
//
//   - effective input: deep-merge of kwargs over payload (kwargs wins).
//   - if returnValueField is set, payload is nested under that field first,
//     so a downstream callback sees {returnValueField: upstream_result, ...kwargs}.
//     This is disabled on the error path (applyReturnValueField=false):
//     error payloads never flow as a positional result (spec §4.9).
//   - taskIdentifiers plus signatureID are carried as out-of-band metadata
//     under TaskDataKey so the invoker can locate the signature.
func Build(taskName string, kwargs, payload map[string]any, returnValueField string, applyReturnValueField bool, taskIdentifiers map[string]any, signatureID string) executor.Trigger {
	var effective map[string]any
	if applyReturnValueField && returnValueField != "" {
		nested := map[string]any{returnValueField: payload}
		effective = DeepMerge(nested, kwargs)
	} else {
		effective = DeepMerge(payload, kwargs)
	}

	ids := make(map[string]any, len(taskIdentifiers)+1)
	for k, v := range taskIdentifiers {
		ids[k] = v
	}
	ids["task_id"] = signatureID

	return executor.Trigger{
		TaskName: taskName,
		Payload:  effective,
		Metadata: map[string]any{
			TaskDataKey: ids,
		},
	}
}
