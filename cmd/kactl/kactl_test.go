package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTgID(t *testing.T) {
	id, err := parseTgID("42")
	require.NoError(t, err)
	require.Equal(t, int64(42), id)

	for _, bad := range []string{"", "0", "-5", "abc"} {
		_, err := parseTgID(bad)
		require.Error(t, err, bad)
	}
}

func TestRootCmd_Tree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"migrate", "up"},
		{"migrate", "down"},
		{"migrate", "status"},
		{"users", "grant"},
		{"users", "revoke"},
		{"users", "list"},
		{"token"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		require.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestUsersGrant_RequiresArg(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"users", "grant", "--as", "1"})
	require.Error(t, root.Execute())
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, map[string]int{"tg_id": 7}))
	require.JSONEq(t, `{"tg_id":7}`, buf.String())
}
