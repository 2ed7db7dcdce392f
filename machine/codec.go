package machine

import "encoding/json"

// Encode turns a command into the opaque bytes the changelog stores as
// a LogEntry's blob. The changelog never inspects this payload.
func Encode(cmd RSMcmd) ([]byte, error) {
	return json.Marshal(cmd)
}

// Decode is Encode's inverse, used when replaying entries read back
// out of the changelog into the state machine.
func Decode(blob []byte) (RSMcmd, error) {
	var cmd RSMcmd
	if len(blob) == 0 {
		return cmd, nil
	}
	err := json.Unmarshal(blob, &cmd)
	return cmd, err
}
