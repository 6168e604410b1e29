// Package version хранит сведения о сборке: -ldflags заполняет их в релизе,
// а локальная сборка берёт ревизию из debug.BuildInfo.
package version

import (
	"runtime/debug"

	log "github.com/sirupsen/logrus"
)

// Service — имя сервиса в логах, health-ответах и user-agent.
const Service = "adslots"

// Задаются через -ldflags "-X github.com/vladislavdragonenkov/adslots/internal/version.version=...".
var (
	version = "dev"
	commit  = ""
	date    = ""
)

// Build — сведения о бинаре.
type Build struct {
	Version   string
	Commit    string
	Date      string
	GoVersion string
	Modified  bool
}

var readBuildInfo = debug.ReadBuildInfo

// Current собирает сведения о сборке. Пустые commit и date добираются из
// vcs-настроек, которые go build пишет в бинарь.
func Current() Build {
	b := Build{Version: version, Commit: commit, Date: date}
	if info, ok := readBuildInfo(); ok {
		b.GoVersion = info.GoVersion
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if b.Commit == "" {
					b.Commit = s.Value
				}
			case "vcs.time":
				if b.Date == "" {
					b.Date = s.Value
				}
			case "vcs.modified":
				b.Modified = s.Value == "true"
			}
		}
	}
	if b.Commit == "" {
		b.Commit = "unknown"
	}
	if b.Date == "" {
		b.Date = "unknown"
	}
	return b
}

// GetVersion возвращает версию сборки.
func GetVersion() string { return version }

// Short — версия с коротким commit, например "1.4.0+3f9c2ab".
func (b Build) Short() string {
	c := b.Commit
	if len(c) > 7 {
		c = c[:7]
	}
	s := b.Version + "+" + c
	if b.Modified {
		s += ".dirty"
	}
	return s
}

// Fields возвращает сведения о сборке для стартового лога.
func (b Build) Fields() log.Fields {
	return log.Fields{
		"service":    Service,
		"version":    b.Version,
		"commit":     b.Commit,
		"build_date": b.Date,
		"go":         b.GoVersion,
	}
}
