package model

import "encoding/json"

// Encoder RPC methods
const (
	MethodStart       = "start"
	MethodHandleFrame = "handleFrame"
	MethodEnd         = "end"
)

// Acknowledgment statuses
const (
	AckStatusSuccess = "success"
	AckStatusError   = "error"
)

// RPCRequest is the outbound envelope from a session to the encoder
type RPCRequest struct {
	Method string `json:"method"`
	Data   any    `json:"data,omitempty"`
}

// RPCInbound is the envelope as the encoder reads it
type RPCInbound struct {
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// RPCAck is the encoder's reply, correlated by method
type RPCAck struct {
	Status  string          `json:"status"`
	Method  string          `json:"method"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// StartData is the payload of the start request
type StartData struct {
	Settings     OutputSettings   `json:"settings"`
	Exporter     ExporterSettings `json:"exporter"`
	IncludeAudio bool             `json:"includeAudio"`
	AudioOffset  float64          `json:"audioOffset"`
}

// FrameData is the payload of a handleFrame request
type FrameData struct {
	Index int    `json:"index"`
	Frame []byte `json:"frame"`
}

// EndData is the payload of the end request
type EndData struct {
	Result RenderResult `json:"result"`
}

// EndAckData is what the encoder returns once the output is finalized
type EndAckData struct {
	OutputPath  string `json:"outputPath,omitempty"`
	DownloadURL string `json:"downloadUrl,omitempty"`
}
