package dependency

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PathManager provides utilities for constructing and validating file paths
// within the shared work volume.
//
// Every job owns one flat directory: {base}/jobs/{job_id}/
//   - Input audio: input.<ext> (as fetched), audio.wav (normalized)
//   - Raw stage output: transcribe.json, align.json, diarize.json
//   - Temporary embedding clips: clips/
type PathManager struct {
	baseDir string
}

// NewPathManager creates a new PathManager instance.
func NewPathManager(baseDir string) *PathManager {
	return &PathManager{baseDir: baseDir}
}

// BaseDir returns the shared volume root.
func (pm *PathManager) BaseDir() string {
	return pm.baseDir
}

// GetJobDir returns the root directory for a job.
// Example: GetJobDir("7f3c...") -> "/data/jobs/7f3c..."
func (pm *PathManager) GetJobDir(jobID string) string {
	return filepath.Join(pm.baseDir, "jobs", jobID)
}

// GetJobFile returns the path of a file inside the job directory.
func (pm *PathManager) GetJobFile(jobID, filename string) string {
	return filepath.Join(pm.GetJobDir(jobID), filename)
}

// GetNormalizedAudioPath returns where the 16 kHz mono copy of the input lives.
func (pm *PathManager) GetNormalizedAudioPath(jobID string) string {
	return pm.GetJobFile(jobID, "audio.wav")
}

// GetStageOutputPath returns the raw JSON path for a stage.
// Example: GetStageOutputPath("job1", "diarize") -> "/data/jobs/job1/diarize.json"
func (pm *PathManager) GetStageOutputPath(jobID, stage string) string {
	return pm.GetJobFile(jobID, stage+".json")
}

// GetClipDir returns the directory for temporary embedding clips.
func (pm *PathManager) GetClipDir(jobID string) string {
	return filepath.Join(pm.GetJobDir(jobID), "clips")
}

// ValidatePath checks if a path is within the shared volume and doesn't contain dangerous patterns.
func (pm *PathManager) ValidatePath(path string) error {
	if strings.Contains(path, "..") {
		return fmt.Errorf("path contains dangerous characters '..'")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	absBaseDir, err := filepath.Abs(pm.baseDir)
	if err != nil {
		return fmt.Errorf("failed to resolve base directory: %w", err)
	}

	rel, err := filepath.Rel(absBaseDir, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %s is outside shared volume (%s)", path, pm.baseDir)
	}

	for _, prefix := range forbiddenPrefixes {
		if absPath == prefix || strings.HasPrefix(absPath, prefix+"/") {
			return fmt.Errorf("access to system directory %s is forbidden", prefix)
		}
	}

	info, err := os.Lstat(path)
	if err == nil && info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("symbolic links are not allowed")
	}

	return nil
}

// EnsureJobDir creates the job directory if it doesn't exist.
func (pm *PathManager) EnsureJobDir(jobID string) (string, error) {
	dir := pm.GetJobDir(jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create job directory: %w", err)
	}
	return dir, nil
}

// RemoveJobDir deletes the job directory and everything in it.
func (pm *PathManager) RemoveJobDir(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("job id cannot be empty")
	}
	return os.RemoveAll(pm.GetJobDir(jobID))
}
