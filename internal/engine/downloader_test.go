package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseProgressLine(t *testing.T) {
	p, ok := ParseProgressLine(`tubeflow:{"status":"downloading","downloaded_bytes":100,"total_bytes":400,"speed":12.5,"eta":24,"filename":"a.mp4"}`)
	assert.True(t, ok)
	assert.Equal(t, int64(100), p.DownloadedBytes)
	assert.Equal(t, int64(400), p.TotalBytes)
	assert.Equal(t, 12.5, p.Speed)
	assert.Equal(t, "a.mp4", p.Filename)

	// total_bytes_estimate fills in when total_bytes is absent.
	p, ok = ParseProgressLine(`tubeflow:{"status":"downloading","downloaded_bytes":1,"total_bytes_estimate":999}`)
	assert.True(t, ok)
	assert.Equal(t, int64(999), p.TotalBytes)

	// Free text and broken JSON are not progress, never errors.
	_, ok = ParseProgressLine("[download] Destination: a.mp4")
	assert.False(t, ok)
	_, ok = ParseProgressLine("tubeflow:{not json")
	assert.False(t, ok)
	_, ok = ParseProgressLine("")
	assert.False(t, ok)
}

func TestArchiveIDAndExtractor(t *testing.T) {
	info := map[string]any{"extractor_key": "Youtube", "id": "abc"}
	assert.Equal(t, "youtube abc", archiveID(info))
	assert.Equal(t, "youtube", extractorOf(info))

	// extractor falls back when the key is missing.
	info = map[string]any{"extractor": "Vimeo", "id": "42"}
	assert.Equal(t, "vimeo 42", archiveID(info))
	assert.Equal(t, "vimeo", extractorOf(info))

	assert.Empty(t, archiveID(map[string]any{"id": "noext"}))
	assert.Empty(t, extractorOf(map[string]any{}))
}
