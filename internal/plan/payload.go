package plan

import (
	"encoding/json"

	"github.com/routeros-fleet/controlplane/internal/ccerrors"
	"github.com/routeros-fleet/controlplane/internal/store/model"
)

// ChangesPayload is the structured changes column. Changes is the
// topic-opaque description of what to apply; PreviousState is filled in
// per device during rollout and consumed by rollback; Metadata carries
// the embedded approval token and expiry plus anything forward-compatible.
type ChangesPayload struct {
	Changes       json.RawMessage            `json:"changes,omitempty"`
	PreviousState map[string]json.RawMessage `json:"previous_state,omitempty"`
	Metadata      map[string]interface{}     `json:"metadata,omitempty"`
}

func decodePayload(raw []byte) (*ChangesPayload, error) {
	p := &ChangesPayload{}
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, ccerrors.Wrap(ccerrors.Validation, "decoding plan changes payload", err)
	}
	return p, nil
}

func (p *ChangesPayload) encode() []byte {
	raw, err := json.Marshal(p)
	if err != nil {
		return []byte("{}")
	}
	return raw
}

// PayloadOf decodes a plan's changes column.
func PayloadOf(p *model.Plan) (*ChangesPayload, error) {
	return decodePayload(p.ChangesJSON)
}

// DeviceStatuses decodes a plan's per-device status map. A plan that has
// never entered execution yields an empty map.
func DeviceStatuses(p *model.Plan) (map[string]DeviceApplyState, error) {
	states := map[string]DeviceApplyState{}
	if len(p.DeviceStatusesJSON) == 0 {
		return states, nil
	}
	if err := json.Unmarshal(p.DeviceStatusesJSON, &states); err != nil {
		return nil, ccerrors.Wrap(ccerrors.Validation, "decoding plan device statuses", err)
	}
	return states, nil
}

// DeviceIDs decodes a plan's ordered device list.
func DeviceIDs(p *model.Plan) ([]string, error) {
	var ids []string
	if err := json.Unmarshal(p.DeviceIDsJSON, &ids); err != nil {
		return nil, ccerrors.Wrap(ccerrors.Validation, "decoding plan device ids", err)
	}
	return ids, nil
}
