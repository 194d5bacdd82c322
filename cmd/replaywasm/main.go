//go:build js && wasm

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"syscall/js"

	"cabo-lite/replay"
)

// __replayInit 接收 TapeSpec JSON, 返回 {ok, tape?, error?}。
// 规格字段拼写错误直接判错, 不做静默忽略。

type initResult struct {
	OK    bool                   `json:"ok"`
	Tape  *replay.WireReplayTape `json:"tape,omitempty"`
	Error *replay.ReplayError    `json:"error,omitempty"`
}

func main() {
	js.Global().Set("__replayInit", js.FuncOf(replayInit))
	select {}
}

func replayInit(_ js.Value, args []js.Value) any {
	if len(args) < 1 || args[0].Type() != js.TypeString {
		return resultJSON(specError("invalid_request", "expected a tape spec JSON string"))
	}

	var spec replay.TapeSpec
	dec := json.NewDecoder(bytes.NewReader([]byte(args[0].String())))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return resultJSON(specError("invalid_json", err.Error()))
	}

	tape, err := replay.GenerateReplayTape(spec)
	if err != nil {
		var rerr *replay.ReplayError
		if errors.As(err, &rerr) {
			return resultJSON(initResult{Error: rerr})
		}
		return resultJSON(specError("replay_generation_failed", err.Error()))
	}
	return resultJSON(initResult{OK: true, Tape: replay.ToWireReplayTape(tape)})
}

func specError(reason, message string) initResult {
	return initResult{Error: &replay.ReplayError{StepIndex: -1, Reason: reason, Message: message}}
}

func resultJSON(res initResult) string {
	b, err := json.Marshal(res)
	if err != nil {
		b, _ = json.Marshal(specError("marshal_failed", err.Error()))
	}
	return string(b)
}
