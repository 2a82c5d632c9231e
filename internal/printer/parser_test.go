package printer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecordingParser() (*Parser, *[]string) {
	chunks := &[]string{}
	p := NewParser(func(chunk string) { *chunks = append(*chunks, chunk) })
	return p, chunks
}

func TestParseBashToolUseAndResult(t *testing.T) {
	p, chunks := newRecordingParser()

	p.Feed([]byte(`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","id":"t1","input":{"command":"ls"}}]}}` + "\n"))
	p.Feed([]byte(`{"type":"result","result":"a\nb\n"}` + "\n"))

	require.Equal(t, []string{
		"@@TOOL:Bash@@\n@@CMD:ls@@\n",
		"@@OUTPUT@@\na\nb\n\n@@END@@\n",
	}, *chunks)
}

func TestParsePartialFramesAcrossReads(t *testing.T) {
	p, chunks := newRecordingParser()

	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"hello"}]}}` + "\n"
	p.Feed([]byte(line[:20]))
	assert.Empty(t, *chunks, "no chunk until the newline arrives")
	p.Feed([]byte(line[20:]))

	require.Equal(t, []string{"@@TEXT@@\nhello\n@@END@@\n"}, *chunks)
}

func TestParseFileToolMarkers(t *testing.T) {
	p, chunks := newRecordingParser()

	for _, tool := range []string{"Write", "Edit", "Read"} {
		p.Feed([]byte(`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"` + tool + `","id":"t","input":{"file_path":"/w/a.go"}}]}}` + "\n"))
	}

	require.Equal(t, []string{
		"@@TOOL:Write@@\n@@FILE:/w/a.go@@\n",
		"@@TOOL:Edit@@\n@@FILE:/w/a.go@@\n",
		"@@TOOL:Read@@\n@@FILE:/w/a.go@@\n",
	}, *chunks)
}

func TestParseSearchToolMarkers(t *testing.T) {
	p, chunks := newRecordingParser()

	p.Feed([]byte(`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Grep","id":"t","input":{"pattern":"func main"}}]}}` + "\n"))
	p.Feed([]byte(`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"WebFetch","id":"t","input":{"url":"https://example.com"}}]}}` + "\n"))

	require.Equal(t, []string{
		"@@TOOL:Grep@@\n@@CMD:func main@@\n",
		"@@TOOL:WebFetch@@\n@@CMD:https://example.com@@\n",
	}, *chunks)
}

func TestParseTaskPromptTruncated(t *testing.T) {
	p, chunks := newRecordingParser()

	long := strings.Repeat("x", 150)
	p.Feed([]byte(`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Task","id":"t","input":{"prompt":"` + long + `"}}]}}` + "\n"))

	require.Len(t, *chunks, 1)
	assert.Equal(t, "@@TOOL:Task@@\n@@CMD:"+strings.Repeat("x", 100)+"@@\n", (*chunks)[0])
}

func TestParseUnknownToolBareMarker(t *testing.T) {
	p, chunks := newRecordingParser()

	p.Feed([]byte(`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"NotebookEdit","id":"t","input":{}}]}}` + "\n"))
	require.Equal(t, []string{"@@TOOL:NotebookEdit@@\n"}, *chunks)
}

func TestParseResultObjectForms(t *testing.T) {
	tests := []struct {
		name   string
		result string
		want   string
	}{
		{"stdout only", `{"stdout":"out"}`, "@@OUTPUT@@\nout\n@@END@@\n"},
		{"stdout with stderr", `{"stdout":"out","stderr":"oops"}`, "@@OUTPUT@@\nout\n@@STDERR@@\noops\n@@END@@\n"},
		{"output fallback", `{"output":"fallback"}`, "@@OUTPUT@@\nfallback\n@@END@@\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, chunks := newRecordingParser()
			p.Feed([]byte(`{"type":"result","result":` + tt.result + `}` + "\n"))
			require.Equal(t, []string{tt.want}, *chunks)
		})
	}
}

func TestParseResultContentTruncated(t *testing.T) {
	p, chunks := newRecordingParser()

	long := strings.Repeat("c", 600)
	p.Feed([]byte(`{"type":"result","result":{"content":"` + long + `"}}` + "\n"))

	require.Len(t, *chunks, 1)
	assert.Equal(t, "@@OUTPUT@@\n"+strings.Repeat("c", 500)+"... (truncated)\n@@END@@\n", (*chunks)[0])
}

func TestParseContentBlockDeltaAppendsRaw(t *testing.T) {
	p, chunks := newRecordingParser()

	p.Feed([]byte(`{"type":"content_block_delta","delta":{"text":"strea"}}` + "\n"))
	p.Feed([]byte(`{"type":"content_block_delta","delta":{"text":"ming"}}` + "\n"))

	require.Equal(t, []string{"strea", "ming"}, *chunks)
}

func TestParseDropsGarbageLines(t *testing.T) {
	p, chunks := newRecordingParser()

	p.Feed([]byte("not json at all\n"))
	p.Feed([]byte(`{"type":"result","result":"ok"}` + "\n"))

	require.Equal(t, []string{"@@OUTPUT@@\nok\n@@END@@\n"}, *chunks)
}
