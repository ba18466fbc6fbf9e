package models

import "strconv"

// FileChunk is one ordered slice of a chunked file. Data is base64 so the
// payload stays text-safe inside the replicated map.
type FileChunk struct {
	FileID string `json:"file_id"`
	Index  int    `json:"index"`
	Data   string `json:"data"`
}

// ChunkKey builds the replicated-map key for a chunk: "{file_id}-{index}".
func ChunkKey(fileID string, index int) string {
	return fileID + "-" + strconv.Itoa(index)
}
