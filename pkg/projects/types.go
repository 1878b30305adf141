package projects

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// GitInfo is the version-control state of one repository.
type GitInfo struct {
	Path             string   `json:"path"`
	Name             string   `json:"name"`
	Dirty            bool     `json:"dirty"`
	Ahead            bool     `json:"ahead"`
	Behind           bool     `json:"behind"`
	LastCommit       string   `json:"last_commit,omitempty"`
	LastCommitAuthor string   `json:"last_commit_author,omitempty"`
	LastCommitDate   string   `json:"last_commit_date,omitempty"`
	Branch           string   `json:"branch,omitempty"`
	Remote           string   `json:"remote,omitempty"`
	UpToDate         bool     `json:"up_to_date"`
	HasRemoteChanges bool     `json:"has_remote_changes"`
	LocalChanges     []string `json:"local_changes"`
}

// FileInfo describes an environment or workflow file found in a repository.
type FileInfo struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Modified time.Time `json:"modified"`
	Size     int64     `json:"size,omitempty"`
}

// StaleFile is a tracked file modified after the last commit.
type StaleFile struct {
	Path     string    `json:"path"`
	Modified time.Time `json:"modified"`
}

type Staleness struct {
	LastCommit               time.Time   `json:"last_commit"`
	FilesModifiedAfterCommit []StaleFile `json:"files_modified_after_commit"`
	Count                    int         `json:"count"`
}

// Health holds reproducibility indicators.
type Health struct {
	EnvironmentFiles   []FileInfo `json:"environment_files"`
	WorkflowConfigs    []FileInfo `json:"workflow_configs"`
	MissingCommonFiles []string   `json:"missing_common_files"`
	Staleness          *Staleness `json:"staleness,omitempty"`
}

// LargeFile is an untracked file above the footprint threshold.
type LargeFile struct {
	Path      string  `json:"path"`
	Size      int64   `json:"size"`
	SizeMB    float64 `json:"size_mb"`
	SizeHuman string  `json:"size_human"`
}

// Footprint is the on-disk size of a repository and how far its working
// tree has drifted from the last commit.
type Footprint struct {
	DirectorySize       int64       `json:"directory_size"`
	DirectorySizeHuman  string      `json:"directory_size_human"`
	GitSize             int64       `json:"git_size"`
	GitSizeHuman        string      `json:"git_size_human"`
	LastModified        *time.Time  `json:"last_modified"`
	LastCommit          *time.Time  `json:"last_commit"`
	DriftDays           *float64    `json:"drift_days"`
	LargeUntrackedFiles []LargeFile `json:"large_untracked_files"`
}

// Project is one repository as shown on the projects page.
type Project struct {
	Name            string    `json:"name"`
	Path            string    `json:"path"`
	Git             GitInfo   `json:"git"`
	Reproducibility Health    `json:"reproducibility"`
	DriftFootprint  Footprint `json:"drift_footprint"`
}

// Snapshot is the cached projects payload. Directories records which
// project roots the snapshot covers.
type Snapshot struct {
	Directories []string  `json:"directories"`
	Projects    []Project `json:"projects"`
}

// ExpandPath expands a leading "~" and environment variables.
func ExpandPath(p string) string {
	p = os.ExpandEnv(strings.TrimSpace(p))
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[1:])
		}
	}
	return p
}
