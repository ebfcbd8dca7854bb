package knx

import (
	"encoding/json"
	"errors"

	"github.com/dokzlo13/knxstepbridge/internal/payload"
)

// ErrEmptyTelegram is returned for messages with no JSON body
var ErrEmptyTelegram = errors.New("empty telegram")

// telegram is the JSON shape of a bus event published by the gateway
type telegram struct {
	Address     string          `json:"address"`
	Destination string          `json:"destination"`
	Data        json.RawMessage `json:"data"`
}

// sendMessage is the JSON shape of a send request published to the gateway
type sendMessage struct {
	Address string `json:"address"`
	Payload int    `json:"payload"`
	Type    string `json:"type"`
}

// parseTelegram converts a gateway message into bus event data.
// Missing fields are left out rather than rejected; deciding whether an
// event is usable is up to the consumer.
func parseTelegram(body []byte) (map[string]any, error) {
	if len(body) == 0 {
		return nil, ErrEmptyTelegram
	}

	var t telegram
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, err
	}

	data := make(map[string]any, 3)
	if t.Address != "" {
		data["address"] = t.Address
	}
	if t.Destination != "" {
		data["destination"] = t.Destination
	}
	if p := payload.FromJSON(t.Data); !p.IsNone() {
		data["data"] = p
	}
	return data, nil
}
