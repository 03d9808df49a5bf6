package models

import "encoding/json"

// Stage payloads are stored as opaque JSON on the jobs table and decoded
// by stage against these tagged shapes.

// ContextChunk is a retrieved knowledge-base excerpt passed to inference.
type ContextChunk struct {
	ChunkID string  `json:"chunkId"`
	KbID    string  `json:"kbId"`
	Text    string  `json:"text"`
	Score   float32 `json:"score"`
}

// RetrievePayload is the input of the retrieve stage.
type RetrievePayload struct {
	SessionID    string `json:"sessionId"`
	ChatKey      string `json:"chatKey"`
	RemoteChatID string `json:"remoteChatId"`
	Turn         int    `json:"turn"`
	MergedText   string `json:"mergedText"`
}

// InferPayload is the input of the infer stage.
type InferPayload struct {
	SessionID    string         `json:"sessionId"`
	ChatKey      string         `json:"chatKey"`
	RemoteChatID string         `json:"remoteChatId"`
	Turn         int            `json:"turn"`
	UserMessage  string         `json:"userMessage"`
	Context      []ContextChunk `json:"context"`
}

// ReplyPayload is the input of the reply stage.
type ReplyPayload struct {
	SessionID    string `json:"sessionId"`
	ChatKey      string `json:"chatKey"`
	RemoteChatID string `json:"remoteChatId"`
	Turn         int    `json:"turn"`
	AIResponse   string `json:"aiResponse"`
}

// ReplyResult tracks outbound progress so a retried reply job resends
// only the segments that never went out.
type ReplyResult struct {
	SentSegmentCount int `json:"sentSegmentCount"`
	TotalSegments    int `json:"totalSegments"`
}

// MarshalPayload serializes a stage payload for storage.
func MarshalPayload(v interface{}) string {
	data, _ := json.Marshal(v)
	return string(data)
}
