// ABOUTME: Tests for the .env file loader that reads KEY=VALUE pairs into the process environment.
// ABOUTME: Covers quoting, comments, export prefixes and no-clobber behavior.
package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func unset(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadDotEnvSetsVariables(t *testing.T) {
	unset(t, "TEST_DOTENV_A", "TEST_DOTENV_B")
	path := writeFile(t, t.TempDir(), ".env", "TEST_DOTENV_A=hello\nTEST_DOTENV_B=world\n")

	loadDotEnv(path)

	assert.Equal(t, "hello", os.Getenv("TEST_DOTENV_A"))
	assert.Equal(t, "world", os.Getenv("TEST_DOTENV_B"))
}

func TestLoadDotEnvQuotesCommentsAndExport(t *testing.T) {
	unset(t, "TEST_DOTENV_Q", "TEST_DOTENV_S", "TEST_DOTENV_E", "TEST_DOTENV_EQ")
	path := writeFile(t, t.TempDir(), ".env", `
# comment
TEST_DOTENV_Q="quoted value"

TEST_DOTENV_S='single quoted'
export TEST_DOTENV_E=exported
TEST_DOTENV_EQ=a=b
not a pair
`)

	loadDotEnv(path)

	assert.Equal(t, "quoted value", os.Getenv("TEST_DOTENV_Q"))
	assert.Equal(t, "single quoted", os.Getenv("TEST_DOTENV_S"))
	assert.Equal(t, "exported", os.Getenv("TEST_DOTENV_E"))
	assert.Equal(t, "a=b", os.Getenv("TEST_DOTENV_EQ"))
}

func TestLoadDotEnvDoesNotClobberExisting(t *testing.T) {
	t.Setenv("TEST_DOTENV_KEEP", "original")
	path := writeFile(t, t.TempDir(), ".env", "TEST_DOTENV_KEEP=overwritten\n")

	loadDotEnv(path)

	assert.Equal(t, "original", os.Getenv("TEST_DOTENV_KEEP"))
}

func TestLoadDotEnvMissingFileIsNoOp(t *testing.T) {
	loadDotEnv("/nonexistent/.env")
}

func TestLoadDotEnvAutoWalksParents(t *testing.T) {
	unset(t, "TEST_DOTENV_PARENT")
	root := t.TempDir()
	writeFile(t, root, ".env", "TEST_DOTENV_PARENT=found\n")
	child := root + "/a/b"
	assert.NoError(t, os.MkdirAll(child, 0o755))
	t.Chdir(child)

	loadDotEnvAuto()

	assert.Equal(t, "found", os.Getenv("TEST_DOTENV_PARENT"))
}
