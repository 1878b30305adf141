package handlers

import (
	"net/http"
	"runtime"
	"sync"

	"github.com/fulmenhq/gofulmen/crucible"

	apperrors "github.com/3leaps/hpcdash/internal/errors"
)

// VersionResponse is served on /version.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Gofulmen  string `json:"gofulmen,omitempty"`
	Crucible  string `json:"crucible,omitempty"`
}

var (
	versionMu   sync.RWMutex
	versionInfo = VersionResponse{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

// SetVersionInfo records the build metadata served on /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionMu.Lock()
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	versionMu.Unlock()
}

func VersionHandler(w http.ResponseWriter, r *http.Request) {
	versionMu.RLock()
	resp := versionInfo
	versionMu.RUnlock()

	v := crucible.GetVersion()
	resp.GoVersion = runtime.Version()
	resp.Gofulmen = v.Gofulmen
	resp.Crucible = v.Crucible
	apperrors.WriteJSON(w, http.StatusOK, resp)
}
