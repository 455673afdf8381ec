package results

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleksaelezovic/sage/pkg/sparql/engine"
	"github.com/aleksaelezovic/sage/pkg/store"
)

func page() *engine.Result {
	return &engine.Result{
		Variables: []string{"?s", "?name", "?age"},
		Bindings: []store.Mapping{
			{
				"?s":    "http://example.org/alice",
				"?name": `"Alice"@en`,
				"?age":  `"30"^^<http://www.w3.org/2001/XMLSchema#integer>`,
			},
			{
				"?s":    "_:b0",
				"?name": `"tab\there"`,
			},
		},
		Next:  "token",
		Stats: engine.Stats{Count: 2, ExecTime: 3 * time.Millisecond},
	}
}

func TestFormatJSON(t *testing.T) {
	data, err := FormatJSON(page())
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, true, raw["hasNext"])
	assert.Equal(t, "token", raw["next"])

	parsed, mappings, err := ParseJSON(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"s", "name", "age"}, parsed.Head.Vars)
	assert.Equal(t, 2, parsed.Stats.Count)
	assert.InDelta(t, 3.0, parsed.Stats.Exec, 0.001)
	assert.Equal(t, page().Bindings, mappings)

	alice := parsed.Results.Bindings[0]
	assert.Equal(t, "uri", alice["s"].Type)
	require.NotNil(t, alice["name"].XMLLang)
	assert.Equal(t, "en", *alice["name"].XMLLang)
	require.NotNil(t, alice["age"].Datatype)
	assert.Equal(t, "http://www.w3.org/2001/XMLSchema#integer", *alice["age"].Datatype)
	assert.Equal(t, "bnode", parsed.Results.Bindings[1]["s"].Type)
}

func TestFormatJSONCompleted(t *testing.T) {
	result := page()
	result.Next = ""
	data, err := FormatJSON(result)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, false, raw["hasNext"])
	assert.Nil(t, raw["next"])
	assert.Contains(t, raw, "next")
}

func TestFormatJSONThreshold(t *testing.T) {
	result := page()
	result.Threshold = store.Mapping{"?age": `"30"^^<http://www.w3.org/2001/XMLSchema#integer>`}
	data, err := FormatJSON(result)
	require.NoError(t, err)

	parsed, _, err := ParseJSON(data)
	require.NoError(t, err)
	assert.Equal(t, map[string]string(result.Threshold), parsed.Threshold)
}

func TestVariablesOfSelectStar(t *testing.T) {
	result := page()
	result.Variables = nil
	assert.Equal(t, []string{"age", "name", "s"}, varNames(result))
}

func TestFormatCSV(t *testing.T) {
	data, err := FormatCSV(page())
	require.NoError(t, err)

	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"s", "name", "age"},
		{"http://example.org/alice", "Alice@en", "30"},
		{"_:b0", "tab\there", ""},
	}, rows)
}

func TestFormatTSV(t *testing.T) {
	data, err := FormatTSV(page())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	assert.Equal(t, []string{
		"?s\t?name\t?age",
		"<http://example.org/alice>\t\"Alice\"@en\t30",
		"_:b0\t\"tab\\there\"\t",
	}, lines)
}

func TestFormatXML(t *testing.T) {
	data, err := FormatXML(page())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "<?xml"))
	assert.Contains(t, string(data), `xml:lang="en"`)

	parsed, err := ParseXMLResults(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, parsed.Head.Variables, 3)
	assert.Equal(t, "s", parsed.Head.Variables[0].Name)

	mappings, err := parsed.ToMappings()
	require.NoError(t, err)
	assert.Equal(t, page().Bindings, mappings)
}
