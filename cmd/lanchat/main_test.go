package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"host"},
		{"join"},
		{"discover"},
		{"params", "show"},
		{"params", "generate"},
	} {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestJoinArguments(t *testing.T) {
	t.Cleanup(func() { joinCode = "" })

	joinCode = ""
	assert.Error(t, joinCmd.RunE(joinCmd, nil), "needs an address or a code")

	joinCode = "kite-moon-robot"
	assert.Error(t, joinCmd.RunE(joinCmd, []string{"192.168.1.2"}), "not both")

	joinCode = "not a code"
	assert.ErrorContains(t, joinCmd.RunE(joinCmd, nil), "not a valid invite code")
}

func TestParamsGenerateRejectsSmallPrimes(t *testing.T) {
	t.Cleanup(func() { generateBits = 2048 })
	generateBits = 1024

	var out bytes.Buffer
	paramsGenerateCmd.SetOut(&out)
	assert.ErrorContains(t, paramsGenerateCmd.RunE(paramsGenerateCmd, nil), "at least 2048")
}

func TestParamsShow(t *testing.T) {
	saved := cfg
	t.Cleanup(func() { cfg = saved })
	cfg.ParamsFile = t.TempDir() + "/dhparams.pem"

	var out bytes.Buffer
	paramsShowCmd.SetOut(&out)
	require.NoError(t, paramsShowCmd.RunE(paramsShowCmd, nil))
	assert.Contains(t, out.String(), "RFC 3526 group 14")
	assert.Contains(t, out.String(), "2048 bits")
}
