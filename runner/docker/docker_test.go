package docker

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snev68/cubicle/config"
	"github.com/snev68/cubicle/log"
	"github.com/snev68/cubicle/names"
)

func testBackend(t *testing.T, bindMounts bool) *Docker {
	t.Helper()
	cfg := &config.Config{
		Runner:   config.RunnerDocker,
		UserName: "tester",
		Shell:    "/bin/bash",
		Docker:   config.Docker{Prefix: "cub-", BindMounts: bindMounts},
	}
	d, err := New(cfg, log.NoOpLogger{})
	require.NoError(t, err)
	return d
}

func TestNaming(t *testing.T) {
	d := testBackend(t, false)
	env, err := names.NewEnvironmentName("alpha")
	require.NoError(t, err)

	assert.Equal(t, "cub-alpha", d.container(env))
	assert.Equal(t, "cub-alpha-home", d.homeVolume(env))
	assert.Equal(t, "cub-alpha-work", d.workVolume(env))
	assert.Equal(t, "cub-cubicle-base", d.baseImage)
	assert.Equal(t, "/home/tester", d.containerHome.String())
}

func TestFallbackPath(t *testing.T) {
	d := testBackend(t, false)
	assert.Equal(t,
		"PATH=/home/tester/bin:/bin:/sbin:/usr/bin:/usr/sbin",
		d.fallbackPath())
}

func TestDuOutputParsing(t *testing.T) {
	match := duOutputRE.FindStringSubmatch("8192\t1660000000\t/v")
	require.NotNil(t, match)
	assert.Equal(t, "8192", match[duOutputRE.SubexpIndex("size")])
	assert.Equal(t, "1660000000", match[duOutputRE.SubexpIndex("mtime")])

	assert.Nil(t, duOutputRE.FindStringSubmatch("du: cannot access '/v': No such file"))
	assert.Nil(t, duOutputRE.FindStringSubmatch("8192\t1660000000\t/other"))
}

func TestWriteDockerfile(t *testing.T) {
	var buf bytes.Buffer
	err := writeDockerfile(&buf, dockerfileArgs{
		packages: []string{"sudo", "apt-file", "pack#age1", "package2", "sudo"},
		timezone: "Etc/Timez'one",
		user:     "h#x*r",
		uid:      1000,
		gid:      1000,
	})
	require.NoError(t, err)
	got := buf.String()

	want := strings.Join([]string{
		"FROM debian:11",
		`RUN echo 'Etc/Timez'\''one' > /etc/timezone && \`,
		`    ln -fs '/usr/share/zoneinfo/''Etc/Timez'\''one' /etc/localtime`,
		`RUN addgroup --gid 1000 'h#x*r' || addgroup 'h#x*r' && \`,
		`    adduser --disabled-password --gecos '' --uid 1000 --ingroup 'h#x*r' 'h#x*r' && \`,
		`    adduser 'h#x*r' sudo && \`,
		`    mkdir /home/'h#x*r'/w && \`,
		`    chown 'h#x*r':'h#x*r' /home/'h#x*r'/w`,
		`RUN sed -i 's/ main$/ main contrib non-free/' /etc/apt/sources.list`,
		"RUN apt-get update && apt-get upgrade -y",
		"RUN apt-get install -y \\",
		"    'pack#age1' \\",
		"    apt-file \\",
		"    package2 \\",
		"    sudo",
		"RUN apt-file update",
		`RUN sh -c 'echo "Defaults umask = 0027" > /etc/sudoers.d/umask' && \`,
		`    sh -c 'echo "%sudo ALL=(ALL) CWD=* NOPASSWD: ALL" > /etc/sudoers.d/nopasswd'`,
		"",
	}, "\n")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Dockerfile mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteDockerfileWithoutAptFileOrSudoSkipsTheirSteps(t *testing.T) {
	var buf bytes.Buffer
	err := writeDockerfile(&buf, dockerfileArgs{
		packages: []string{"curl", "git"},
		timezone: "Etc/UTC",
		user:     "tester",
		uid:      1000,
		gid:      1000,
	})
	require.NoError(t, err)
	got := buf.String()
	assert.NotContains(t, got, "apt-file update")
	assert.NotContains(t, got, "sudoers.d")
}

func TestMountArguments(t *testing.T) {
	assert.Equal(t,
		`"type=bind","source=/h/alpha","target=/home/tester"`,
		bindMount("/h/alpha", "/home/tester"))
	assert.Equal(t,
		`"type=volume","source=cub-alpha-home","target=/home/tester"`,
		volumeMount("cub-alpha-home", "/home/tester"))
}

func TestSortedKeys(t *testing.T) {
	assert.Equal(t, []string{"A", "B", "PACKAGE"}, sortedKeys(map[string]string{
		"PACKAGE": "numpy", "B": "2", "A": "1",
	}))
	assert.Empty(t, sortedKeys(nil))
}
