package source

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mfeller/relupd/internal/testutil"
)

func TestParseIndex(t *testing.T) {
	data := testutil.BuildIndex(4,
		testutil.IndexTarget{Name: "bin/app", Content: []byte("binary")},
		testutil.IndexTarget{Name: "assets.tar", Content: []byte("assets")},
	)

	idx, err := parseIndex(data)
	require.NoError(t, err)
	require.EqualValues(t, 4, idx.version)
	require.Len(t, idx.targets, 2)

	// Sorted by name.
	require.Equal(t, "assets.tar", idx.targets[0].Name)
	require.Equal(t, "bin/app", idx.targets[1].Name)

	require.EqualValues(t, len("binary"), idx.targets[1].Length)
	require.Equal(t, testutil.SHA256([]byte("binary")), idx.targets[1].Hash)

	require.True(t, idx.contains("bin/app"))
	require.False(t, idx.contains("missing"))
}

func TestParseIndexRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: `{broken`},
		{name: "missing version", data: `{"targets":{}}`},
		{name: "zero version", data: `{"version":0,"targets":{}}`},
		{name: "missing targets", data: `{"version":1}`},
		{name: "missing hash", data: `{"version":1,"targets":{"a":{"length":1}}}`},
		{name: "short hash", data: `{"version":1,"targets":{"a":{"length":1,"hash":"abcd"}}}`},
		{name: "uppercase hash", data: `{"version":1,"targets":{"a":{"length":1,"hash":"` + upper64 + `"}}}`},
		{name: "negative length", data: `{"version":1,"targets":{"a":{"length":-1,"hash":"` + zero64 + `"}}}`},
		{name: "unsafe name", data: `{"version":1,"targets":{"../escape":{"length":1,"hash":"` + zero64 + `"}}}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseIndex([]byte(tc.data))
			require.Error(t, err)
		})
	}
}

const (
	zero64  = "0000000000000000000000000000000000000000000000000000000000000000"
	upper64 = "ABCDEF0000000000000000000000000000000000000000000000000000000000"
)
