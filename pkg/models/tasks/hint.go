package tasks

import (
	"encoding/base64"
	"encoding/json"
)

// VirtualTaskHint is an opaque, group scoped token letting a virtual task
// find the backing resource of a task id without a scan. The registry only
// looks at Group; Payload belongs to the virtual task kind that produced it.
//
// Hints are advisory. A hint that does not decode is treated as absent.
type VirtualTaskHint struct {
	Group   TaskGroup `json:"group"`
	Version uint32    `json:"version"`
	Payload []byte    `json:"payload"`
}

func NewVirtualTaskHint(group TaskGroup, version uint32, payload any) (*VirtualTaskHint, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &VirtualTaskHint{
		Group:   group,
		Version: version,
		Payload: raw,
	}, nil
}

// Decode unmarshals the payload into target when the hint belongs to the
// given group and version. It returns false for nil, foreign, outdated or
// corrupt hints.
func (h *VirtualTaskHint) Decode(group TaskGroup, version uint32, target any) bool {
	if h == nil || h.Group != group || h.Version != version || len(h.Payload) == 0 {
		return false
	}
	return json.Unmarshal(h.Payload, target) == nil
}

// Encode renders the hint as a printable token, e.g. for CLI round trips.
func (h *VirtualTaskHint) Encode() string {
	raw, _ := json.Marshal(h)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeVirtualTaskHint parses a token produced by Encode. Garbage yields nil.
func DecodeVirtualTaskHint(token string) *VirtualTaskHint {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil
	}
	var h VirtualTaskHint
	if err := json.Unmarshal(raw, &h); err != nil || h.Group == "" {
		return nil
	}
	return &h
}
