package hostuser

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snev68/cubicle/config"
	"github.com/snev68/cubicle/log"
	"github.com/snev68/cubicle/names"
)

const passwdFixture = `root:x:0:0:root:/root:/bin/bash
daemon:x:1:1:daemon:/usr/sbin:/usr/sbin/nologin
cub-alpha:x:1001:1001:Cubicle environment for user tester:/home/cub-alpha:/bin/bash
cub-beta:x:1002:1002::/home/cub-beta:/bin/zsh
cub-bad name:x:1003:1003::/home/bad:/bin/sh
other-gamma:x:1004:1004::/home/other-gamma:/bin/sh
truncated:x:1
`

func TestParsePasswd(t *testing.T) {
	envs := parsePasswd(strings.NewReader(passwdFixture), "cub-")
	assert.Equal(t, map[string]string{
		"alpha": "/home/cub-alpha",
		"beta":  "/home/cub-beta",
	}, envs)
}

func TestUsername(t *testing.T) {
	cfg := &config.Config{
		UserName: "tester",
		Shell:    "/bin/bash",
		User:     config.User{Prefix: "cub-"},
	}
	h, err := New(cfg, log.NoOpLogger{})
	require.NoError(t, err)

	env, err := names.NewEnvironmentName("alpha")
	require.NoError(t, err)
	assert.Equal(t, "cub-alpha", h.username(env))
}

func TestInitScriptTar(t *testing.T) {
	cfg := &config.Config{
		UserName: "tester",
		Shell:    "/bin/sh",
		User:     config.User{Prefix: "cub-"},
	}
	h, err := New(cfg, log.NoOpLogger{})
	require.NoError(t, err)

	script := names.NewHostPath(t.TempDir()).Join("dev-init.sh")
	require.NoError(t, os.WriteFile(script.String(), []byte("#!/bin/sh\necho init\n"), 0o755))

	tarPath, cleanup, err := h.initScriptTar(script)
	require.NoError(t, err)
	defer cleanup()
	assert.FileExists(t, tarPath.String())
}
