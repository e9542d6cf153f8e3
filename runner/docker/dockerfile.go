package docker

import (
	"fmt"
	"io"
	"sort"

	"github.com/snev68/cubicle/runner"
)

// slimPackages are Debian packages many packages depend on for basic
// functionality. They are always installed in the base image.
var slimPackages = []string{
	"curl", "git", "jq", "lz4", "procps", "pv", "sudo", "vim", "wget", "zip", "zstd", "zsh",
}

// normalPackages are Debian packages many users may like. Skipped when
// the configuration asks for a slim image.
var normalPackages = []string{
	"apt-file",
	"bash-completion",
	"bind9-dnsutils",
	"build-essential",
	"dialog",
	"eatmydata",
	"file",
	"iproute2",
	"iputils-ping",
	"less",
	"man-db",
	"manpages",
	"manpages-posix-dev",
	"manpages-dev",
	"net-tools",
	"ripgrep",
	"rsync",
	"sqlite3",
	"strace",
	"time",
	"tree",
	"xdg-utils",
	"zsh-autosuggestions",
	"zsh-syntax-highlighting",
}

// dependenciesPackages are Debian packages that some cubicle packages
// depend on. There is no way for package manifests to put them into the
// base image yet, so they live here.
var dependenciesPackages = []string{
	// for Python
	"build-essential",
	"gdb",
	"lcov",
	"libbz2-dev",
	"libffi-dev",
	"libgdbm-compat-dev",
	"libgdbm-dev",
	"liblzma-dev",
	"libncurses5-dev",
	"libreadline6-dev",
	"libsqlite3-dev",
	"libssl-dev",
	"lzma",
	"lzma-dev",
	"pkg-config",
	"tk-dev",
	"uuid-dev",
	"zlib1g-dev",
	// for firefox and vscodium
	"libasound2",
	"libatk-bridge2.0-0",
	"libatk1.0-0",
	"libcups2",
	"libdbus-glib-1-2",
	"libdrm2",
	"libegl1",
	"libgbm1",
	"libglib2.0-0",
	"libgtk-3-0",
	"libnss3",
	"libpci3",
	"x11-utils",
	// for mold and rust
	"bsdmainutils",
	"cmake",
	"clang",
}

type dockerfileArgs struct {
	packages []string // deduplicated and sorted by writeDockerfile
	timezone string
	user     string
	uid      int
	gid      int
}

// writeDockerfile emits the base image Dockerfile. The output is
// deterministic up to the package set, timezone, and host user
// identity; every interpolated value is shell-quoted.
func writeDockerfile(w io.Writer, args dockerfileArgs) error {
	packageSet := make(map[string]struct{}, len(args.packages))
	for _, pkg := range args.packages {
		packageSet[pkg] = struct{}{}
	}
	packages := make([]string, 0, len(packageSet))
	hasAptFile := false
	hasSudo := false
	for pkg := range packageSet {
		switch pkg {
		case "apt-file":
			hasAptFile = true
		case "sudo":
			hasSudo = true
		}
		packages = append(packages, runner.ShellQuote(pkg))
	}
	sort.Strings(packages)

	timezone := runner.ShellQuote(args.timezone)
	user := runner.ShellQuote(args.user)

	var err error
	printf := func(format string, a ...any) {
		if err == nil {
			_, err = fmt.Fprintf(w, format+"\n", a...)
		}
	}

	printf("FROM debian:11")

	printf("RUN echo %s > /etc/timezone && \\", timezone)
	printf("    ln -fs '/usr/share/zoneinfo/'%s /etc/localtime", timezone)

	// Use the host UID so file permissions work across bind mounts. The
	// Debian convention is a group named after the user; if the host GID
	// is already taken in the image, fall back to any available GID.
	printf("RUN addgroup --gid %d %s || addgroup %s && \\", args.gid, user, user)
	printf("    adduser --disabled-password --gecos '' --uid %d --ingroup %s %s && \\", args.uid, user, user)
	printf("    adduser %s sudo && \\", user)
	// A directory must exist before a volume is mounted over it for the
	// volume to end up owned by the regular user.
	printf("    mkdir /home/%s/w && \\", user)
	printf("    chown %s:%s /home/%s/w", user, user, user)

	printf(`RUN sed -i 's/ main$/ main contrib non-free/' /etc/apt/sources.list`)
	printf("RUN apt-get update && apt-get upgrade -y")

	if len(packages) > 0 {
		printf("RUN apt-get install -y \\")
		for _, pkg := range packages[:len(packages)-1] {
			printf("    %s \\", pkg)
		}
		printf("    %s", packages[len(packages)-1])
	}

	// apt-file's content lists have to be fetched after it is installed.
	if hasAptFile {
		printf("RUN apt-file update")
	}

	// sudo's postinst creates /etc/sudoers.d with the right permissions.
	if hasSudo {
		printf(`RUN sh -c 'echo "Defaults umask = 0027" > /etc/sudoers.d/umask' && \`)
		printf(`    sh -c 'echo "%%sudo ALL=(ALL) CWD=* NOPASSWD: ALL" > /etc/sudoers.d/nopasswd'`)
	}

	return err
}
