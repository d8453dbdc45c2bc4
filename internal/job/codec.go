package job

import (
	"encoding/json"
	"fmt"
)

// Encode serializes the descriptor payload for the queue.
func Encode(d Descriptor) ([]byte, error) {
	body, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal descriptor: %w", err)
	}
	return body, nil
}

// Decode parses a queued payload. It does not validate; callers run Validate on the result.
func Decode(id string, body []byte) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(body, &d); err != nil {
		return Descriptor{}, fmt.Errorf("unmarshal descriptor: %w", err)
	}
	d.ID = id
	return d, nil
}
