// Echo plugin - minimal reference capability host.
// Build: go build -o ~/.memex/plugins/mx.core.echo/bin/run ./extensions/plugins/echo
package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/memexd/memex/internal/host"
)

// echoCarrier serves two capabilities: echo.reply returns the payload
// unchanged, echo.upper returns it upper-cased. Useful for exercising the
// channel end to end, including chunked payloads.
type echoCarrier struct{}

func (echoCarrier) Capabilities() ([]string, error) {
	return []string{"echo.reply", "echo.upper"}, nil
}

func (echoCarrier) Invoke(capability string, payload []byte, maxResponse int) ([]byte, error) {
	switch capability {
	case "echo.reply":
		return payload, nil
	case "echo.upper":
		var msg struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, &host.CarrierError{Kind: "schema_invalid", Msg: err.Error()}
		}
		return json.Marshal(map[string]string{"text": strings.ToUpper(msg.Text)})
	default:
		return nil, fmt.Errorf("unknown capability: %s", capability)
	}
}

func main() {
	host.Serve(echoCarrier{})
}
