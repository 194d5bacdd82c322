package replay

// WireReplayTape 浏览器侧消费的 camelCase 形态, 帧只保留 base64 负载
type WireReplayTape struct {
	TapeVersion int               `json:"tapeVersion"`
	GameID      string            `json:"gameId"`
	Events      []WireReplayEvent `json:"events"`
}

type WireReplayEvent struct {
	Type     string `json:"type"`
	Seq      uint64 `json:"seq"`
	FrameB64 string `json:"frameB64"`
}

func ToWireReplayTape(tape *ReplayTape) *WireReplayTape {
	if tape == nil {
		return nil
	}
	out := &WireReplayTape{
		TapeVersion: tape.TapeVersion,
		GameID:      tape.GameID,
		Events:      make([]WireReplayEvent, 0, len(tape.Events)),
	}
	for _, e := range tape.Events {
		out.Events = append(out.Events, WireReplayEvent{
			Type:     e.Type,
			Seq:      e.Seq,
			FrameB64: e.FrameB64,
		})
	}
	return out
}
