package provider

import "encoding/json"

// MergeParams overlays a provider's opt-in params onto a rendered request
// body. Adapters are format-level and never see the target provider, so the
// merge happens here, after rendering. Params win over rendered fields.
func MergeParams(body []byte, params map[string]any) ([]byte, error) {
	if len(params) == 0 {
		return body, nil
	}
	var base map[string]any
	if err := json.Unmarshal(body, &base); err != nil {
		return nil, err
	}
	for k, v := range params {
		base[k] = v
	}
	return json.Marshal(base)
}
