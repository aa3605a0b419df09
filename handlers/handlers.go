// Package handlers contains default model.Handler handlers.
package handlers

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/m-lab/go/rtx"
	"github.com/ooni/tlsproxy/model"
)

type stderrHandler struct{}

func (stderrHandler) OnMeasurement(m model.Measurement) {
	data, err := json.Marshal(m)
	rtx.Must(err, "unexpected json.Marshal failure")
	fmt.Fprintf(os.Stderr, "%s\n", string(data))
}

// StderrHandler is a Handler that emits JSONL on stderr. We never use
// the stdout because inetd-like supervisors may bind it to the socket.
var StderrHandler stderrHandler

type noHandler struct{}

func (noHandler) OnMeasurement(m model.Measurement) {}

// NoHandler is a Handler that does not print anything
var NoHandler noHandler
