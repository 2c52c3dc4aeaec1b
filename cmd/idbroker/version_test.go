package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"gotest.tools/v3/assert"
)

func TestWriteVersion(t *testing.T) {
	info := buildInfo{
		Version:   "v1.2.0",
		Commit:    "abc1234",
		BuiltAt:   "2026-01-02T03:04:05Z",
		GoVersion: "go1.25.5",
		Platform:  "linux/amd64",
	}

	var out bytes.Buffer
	assert.NilError(t, writeVersion(&out, info, false))
	assert.Equal(t, out.String(), "idbroker v1.2.0 (commit abc1234, built 2026-01-02T03:04:05Z, go1.25.5 linux/amd64)\n")

	out.Reset()
	assert.NilError(t, writeVersion(&out, info, true))

	var decoded map[string]string
	assert.NilError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, decoded["version"], "v1.2.0")
	assert.Equal(t, decoded["commit"], "abc1234")
	assert.Equal(t, decoded["platform"], "linux/amd64")
}
