package recorder

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tstat/process-muxer/internal/paths"
)

// Session describes one stored recording.
type Session struct {
	SessionID string
	Path      string
	StartedAt time.Time
	ClosedAt  *time.Time
	Processes []string
}

// ListSessions returns recorded sessions, newest first.
func ListSessions(rootDir string) ([]Session, error) {
	rootDir, err := resolveRoot(rootDir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(rootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("list recordings: %w", err)
	}

	sessions := make([]Session, 0, len(entries))
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}

		dir := filepath.Join(rootDir, ent.Name())

		data, err := os.ReadFile(filepath.Join(dir, metaFileName)) //nolint:gosec // controlled directory
		if err != nil {
			continue
		}

		var meta Meta
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}

		sessions = append(sessions, Session{
			SessionID: meta.SessionID,
			Path:      dir,
			StartedAt: meta.StartedAt,
			ClosedAt:  meta.ClosedAt,
			Processes: meta.Processes,
		})
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})

	return sessions, nil
}

// RecordedProcesses returns the names of the processes with a recording in
// the session, sorted.
func RecordedProcesses(rootDir, sessionID string) ([]string, error) {
	dir, err := sessionDir(rootDir, sessionID)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read recording: %w", err)
	}

	var names []string
	for _, ent := range entries {
		if name, ok := strings.CutSuffix(ent.Name(), fileExtension); ok && !ent.IsDir() {
			names = append(names, name)
		}
	}

	sort.Strings(names)

	return names, nil
}

// ReadRecords reads every record of one process in a session. Lines that
// fail to decode, such as one cut short by a crash, are skipped.
func ReadRecords(rootDir, sessionID, process string) (records []Record, err error) {
	dir, err := sessionDir(rootDir, sessionID)
	if err != nil {
		return nil, err
	}

	if err := validateName(process); err != nil {
		return nil, err
	}

	file, err := os.Open(filepath.Join(dir, process+fileExtension)) //nolint:gosec // validated path
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}

	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}

		records = append(records, rec)
	}

	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("scan recording: %w", err)
	}

	return records, nil
}

func sessionDir(rootDir, sessionID string) (string, error) {
	if err := validateSessionID(sessionID); err != nil {
		return "", err
	}

	rootDir, err := resolveRoot(rootDir)
	if err != nil {
		return "", err
	}

	return filepath.Join(rootDir, sessionID), nil
}

func resolveRoot(rootDir string) (string, error) {
	if rootDir != "" {
		return rootDir, nil
	}

	dir, err := paths.RecordingsDir()
	if err != nil {
		return "", fmt.Errorf("resolve recordings directory: %w", err)
	}

	if dir == "" {
		return "", errors.New("no recordings directory")
	}

	return dir, nil
}
