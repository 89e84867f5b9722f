package jsonwriter

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteObject(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)

	require.NoError(t, w.WriteObject("phase_progress", map[string]any{"phase": "analyzing", "progress_percent": 50}))

	assert.Equal(t, `{"phase_progress":{"phase":"analyzing","progress_percent":50}}`+"\n", buf.String())
	assert.Equal(t, 1, w.Documents())
}

func TestWriteRawCompactsMultilineDocuments(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)

	require.NoError(t, w.WriteRaw([]byte("{\n  \"a\": 1,\n  \"b\": [1, 2]\n}")))

	assert.Equal(t, `{"a":1,"b":[1,2]}`+"\n", buf.String())
}

func TestConcurrentWritersNeverInterleave(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)

	const writers, perWriter = 8, 200
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				doc := map[string]any{"writer": i, "seq": j, "payload": fmt.Sprintf("%0128d", j)}
				assert.NoError(t, w.Write(doc))
			}
		}(i)
	}
	wg.Wait()

	scanner := bufio.NewScanner(&buf)
	lines := 0
	for scanner.Scan() {
		var doc map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &doc), "torn document: %s", scanner.Text())
		lines++
	}
	assert.Equal(t, writers*perWriter, lines)
	assert.Equal(t, writers*perWriter, w.Documents())
}

func TestWriteRejectsUnencodableValues(t *testing.T) {
	w := New(&bytes.Buffer{})
	assert.Error(t, w.Write(map[string]any{"bad": make(chan int)}))
	assert.Equal(t, 0, w.Documents())
}
