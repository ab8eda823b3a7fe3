package hub

import "encoding/json"

// encodeUpdateParams builds the positional params array for the client-side
// update/subLost notifications: [pluginId, address, checkpoint?].
func encodeUpdateParams(pluginID, address, checkpoint string) []json.RawMessage {
	pid, _ := json.Marshal(pluginID)
	addr, _ := json.Marshal(address)
	params := []json.RawMessage{pid, addr}
	if checkpoint != "" {
		cp, _ := json.Marshal(checkpoint)
		params = append(params, cp)
	}
	return params
}
