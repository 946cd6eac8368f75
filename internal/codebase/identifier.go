// Package codebase derives stable project identities and tracks registered
// codebases with their cross-codebase dependency edges.
package codebase

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/common/logger"
)

// Method records how a canonical id was derived
type Method string

const (
	MethodGitRemote  Method = "git_remote"
	MethodGitLocal   Method = "git_local"
	MethodFolderName Method = "folder_name"
	MethodCustom     Method = "custom"
)

// Info describes one identified workspace
type Info struct {
	CanonicalID   string `json:"canonical_id"`
	DisplayName   string `json:"display_name"`
	WorkspacePath string `json:"workspace_path"`
	RepositoryURL string `json:"repository_url,omitempty"`
	GitRemote     string `json:"git_remote,omitempty"`
	Branch        string `json:"branch,omitempty"`
	CommitHash    string `json:"commit_hash,omitempty"`
	Method        Method `json:"method"`
}

// Identifier derives canonical codebase ids from workspace paths. Git
// metadata is read by invoking the git binary against the workspace.
type Identifier struct {
	logger *logger.Logger
}

// NewIdentifier creates an identifier.
func NewIdentifier(log *logger.Logger) *Identifier {
	return &Identifier{
		logger: log.WithFields(zap.String("component", "codebase-identifier")),
	}
}

// Identify resolves a workspace to its codebase identity. A supplied custom
// id always wins; a git checkout is identified by its remote (or marked
// git-local); anything else is identified by its absolute path.
func (i *Identifier) Identify(ctx context.Context, workspacePath, customID string) *Info {
	if customID != "" {
		return &Info{
			CanonicalID:   customID,
			DisplayName:   customID,
			WorkspacePath: workspacePath,
			Method:        MethodCustom,
		}
	}

	absPath := workspacePath
	if resolved, err := filepath.Abs(workspacePath); err == nil {
		absPath = resolved
	}
	folder := filepath.Base(absPath)

	if gitDir := filepath.Join(absPath, ".git"); dirOrFileExists(gitDir) {
		return i.identifyGit(ctx, absPath, folder)
	}

	return &Info{
		CanonicalID:   "local:" + absPath,
		DisplayName:   folder,
		WorkspacePath: absPath,
		Method:        MethodFolderName,
	}
}

func (i *Identifier) identifyGit(ctx context.Context, absPath, folder string) *Info {
	info := &Info{
		WorkspacePath: absPath,
		Branch:        i.git(ctx, absPath, "branch", "--show-current"),
		CommitHash:    i.git(ctx, absPath, "rev-parse", "HEAD"),
	}

	remote := firstRemoteURL(i.git(ctx, absPath, "remote", "-v"))
	if remote == "" {
		info.CanonicalID = "git-local:" + folder
		info.DisplayName = folder
		info.Method = MethodGitLocal
		return info
	}

	canonical, repoURL := CanonicalizeRemote(remote)
	info.CanonicalID = canonical
	info.DisplayName = displayNameFor(canonical, folder)
	info.RepositoryURL = repoURL
	info.GitRemote = remote
	info.Method = MethodGitRemote
	return info
}

// git runs a git subcommand in dir and returns trimmed stdout, or "" on
// any failure.
func (i *Identifier) git(ctx context.Context, dir string, args ...string) string {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		i.logger.Debug("git probe failed",
			zap.Strings("args", args),
			zap.String("dir", dir),
			zap.Error(err))
		return ""
	}
	return strings.TrimSpace(string(output))
}

// firstRemoteURL picks the fetch URL of origin from `git remote -v` output,
// falling back to the first remote listed.
func firstRemoteURL(remotes string) string {
	if remotes == "" {
		return ""
	}
	var fallback string
	for _, line := range strings.Split(remotes, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name, url := fields[0], fields[1]
		if len(fields) >= 3 && fields[2] != "(fetch)" {
			continue
		}
		if name == "origin" {
			return url
		}
		if fallback == "" {
			fallback = url
		}
	}
	return fallback
}

// CanonicalizeRemote converts a git remote URL into the canonical
// host/owner/repo form plus a browsable https URL.
//
//	git@github.com:owner/repo.git  -> github.com/owner/repo
//	https://gitlab.com/owner/repo  -> gitlab.com/owner/repo
//	ssh://git@host/owner/repo.git  -> host/owner/repo
func CanonicalizeRemote(remote string) (canonical, repoURL string) {
	url := strings.TrimSpace(remote)
	url = strings.TrimSuffix(url, "/")

	// SCP-like SSH form: git@host:owner/repo.git
	if !strings.Contains(url, "://") {
		if at := strings.Index(url, "@"); at >= 0 {
			if colon := strings.Index(url[at:], ":"); colon >= 0 {
				host := url[at+1 : at+colon]
				path := strings.TrimPrefix(url[at+colon+1:], "/")
				path = strings.TrimSuffix(path, ".git")
				canonical = host + "/" + path
				return canonical, "https://" + canonical
			}
		}
		return strings.TrimSuffix(url, ".git"), ""
	}

	rest := url[strings.Index(url, "://")+3:]
	// Drop embedded credentials.
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = rest[at+1:]
	}
	// Drop an explicit port from the host part.
	if slash := strings.Index(rest, "/"); slash > 0 {
		host := rest[:slash]
		if colon := strings.Index(host, ":"); colon >= 0 {
			host = host[:colon]
		}
		rest = host + rest[slash:]
	}
	rest = strings.TrimSuffix(rest, ".git")
	return rest, "https://" + rest
}

// displayNameFor uses the repository segment of a canonical id when one
// exists, falling back to the workspace folder name.
func displayNameFor(canonical, folder string) string {
	if idx := strings.LastIndex(canonical, "/"); idx >= 0 && idx < len(canonical)-1 {
		return canonical[idx+1:]
	}
	return folder
}

func dirOrFileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
