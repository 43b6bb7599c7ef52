// Package info holds the build metadata of the program.
package info

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
)

var (
	name    = "portguard"
	license = "GPLv3"

	// version is set at build time via -ldflags "-X".
	version   = "dev build"
	buildTime = "unknown"

	info     *Info
	loadInfo sync.Once
)

// Info holds the programs meta information.
type Info struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	License   string `json:"license"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`

	Commit     string `json:"commit"`
	CommitTime string `json:"commit_time"`
	Dirty      bool   `json:"dirty"`
}

// Set overrides the name and version. It must be called before GetInfo.
func Set(setName, setVersion string) {
	if setName != "" {
		name = setName
	}
	if setVersion != "" {
		version = strings.TrimPrefix(setVersion, "v")
	}
}

// GetInfo returns all the meta information about the program.
func GetInfo() *Info {
	loadInfo.Do(func() {
		settings := make(map[string]string)
		if buildInfo, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range buildInfo.Settings {
				settings[setting.Key] = setting.Value
			}
		}

		info = &Info{
			Name:       name,
			Version:    version,
			License:    license,
			BuildTime:  buildTime,
			GoVersion:  runtime.Version(),
			Platform:   runtime.GOOS + "/" + runtime.GOARCH,
			Commit:     settings["vcs.revision"],
			CommitTime: settings["vcs.time"],
			Dirty:      settings["vcs.modified"] == "true",
		}
		if info.Commit == "" {
			info.Commit = "unknown"
		}
		if info.CommitTime == "" {
			info.CommitTime = "unknown"
		}
	})

	return info
}

// Version returns the version.
func Version() string {
	return GetInfo().Version
}

// FullVersion returns the full and detailed version string.
func FullVersion() string {
	info := GetInfo()
	builder := new(strings.Builder)

	fmt.Fprintf(builder, "%s %s\n", info.Name, info.Version)
	fmt.Fprintf(builder, "\nbuilt with %s for %s\n", info.GoVersion, info.Platform)
	fmt.Fprintf(builder, "  at %s\n", info.BuildTime)

	dirtyInfo := "clean"
	if info.Dirty {
		dirtyInfo = "dirty"
	}
	fmt.Fprintf(builder, "\ncommit %s (%s)\n", info.Commit, dirtyInfo)
	fmt.Fprintf(builder, "  at %s\n", info.CommitTime)

	fmt.Fprintf(builder, "\nLicensed under the %s license.", info.License)

	return builder.String()
}
