package obs

import (
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// buildInfo: gauge со значением 1; версия, коммит и версия API в метках.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "console_build_info",
			Help: "MKR console build information.",
		},
		[]string{"version", "commit", "api_version"},
	)
)

// InitBuildInfo регистрирует метрику (однократно) и выставляет единственную серию.
// Коммит берётся из VCS-меток сборки.
func InitBuildInfo(version, apiVersion string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, commit(debug.ReadBuildInfo), apiVersion).Set(1)
}

// commit returns the short vcs.revision, with a "-dirty" suffix for modified trees, or
// "unknown" when the binary was built without VCS stamping.
func commit(read func() (*debug.BuildInfo, bool)) string {
	info, ok := read()
	if !ok {
		return "unknown"
	}
	var rev string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		return "unknown"
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if dirty {
		rev += "-dirty"
	}
	return rev
}
