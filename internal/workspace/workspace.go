// Package workspace prepares isolated working directories for sessions.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/Tafka-4/codex-agent-management/internal/orchestrator"
	"github.com/Tafka-4/codex-agent-management/internal/session"
)

// Local prepares per-session directories under a base directory on the local
// filesystem and writes the optional input artifact into them.
type Local struct {
	baseDir string
}

// NewLocal creates a workspace provider rooted at baseDir. An empty baseDir
// falls back to the system temp directory.
func NewLocal(baseDir string) *Local {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "codexmgmt-workspaces")
	}
	return &Local{baseDir: baseDir}
}

// Prepare creates a fresh directory for one session and writes the artifact,
// if any. The returned paths are opaque to the core.
func (l *Local) Prepare(ctx context.Context, problem session.Problem, artifact *orchestrator.Artifact) (session.RuntimePaths, error) {
	if err := ctx.Err(); err != nil {
		return session.RuntimePaths{}, err
	}

	dir := filepath.Join(l.baseDir, uuid.New().String())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return session.RuntimePaths{}, fmt.Errorf("create workspace dir: %w", err)
	}

	paths := session.RuntimePaths{WorkspacePath: dir}
	if artifact == nil || len(artifact.Data) == 0 {
		return paths, nil
	}

	name := filepath.Base(artifact.Name)
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "artifact"
	}
	artifactPath := filepath.Join(dir, name)
	if err := os.WriteFile(artifactPath, artifact.Data, 0o640); err != nil {
		return session.RuntimePaths{}, fmt.Errorf("write artifact: %w", err)
	}
	paths.ArtifactPath = artifactPath
	return paths, nil
}

// Remove deletes a session's working directory. Used by the janitor when a
// terminal session is swept.
func (l *Local) Remove(workspacePath string) error {
	if workspacePath == "" {
		return nil
	}
	// Refuse to remove anything outside our base dir.
	rel, err := filepath.Rel(l.baseDir, workspacePath)
	if err != nil || rel == ".." || filepath.IsAbs(rel) || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator) {
		return fmt.Errorf("workspace path %q is outside base dir", workspacePath)
	}
	return os.RemoveAll(workspacePath)
}
