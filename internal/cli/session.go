package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNoSession means the user has not logged in on this machine, or the
// stored token has expired.
var ErrNoSession = errors.New("no active session")

// BaseDir is ~/.agon, or $AGON_HOME when set. The session and the offline
// queue both live here.
func BaseDir() (string, error) {
	dir := strings.TrimSpace(os.Getenv("AGON_HOME"))
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home: %w", err)
		}
		dir = filepath.Join(home, ".agon")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return dir, nil
}

func sessionFile() (string, error) {
	dir, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "session.json"), nil
}

// SaveSession replaces the stored session via a temp file so a crash never
// leaves half a token on disk.
func SaveSession(s Session) error {
	target, err := sessionFile()
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return os.Rename(tmp, target)
}

func LoadSession() (Session, error) {
	target, err := sessionFile()
	if err != nil {
		return Session{}, err
	}
	raw, err := os.ReadFile(target)
	if errors.Is(err, os.ErrNotExist) {
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, fmt.Errorf("read session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	switch {
	case strings.TrimSpace(s.Token) == "":
		return Session{}, ErrNoSession
	case !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt):
		return Session{}, fmt.Errorf("%w: expired at %s", ErrNoSession, s.ExpiresAt.Local().Format(time.RFC822))
	}
	return s, nil
}

// ClearSession is a no-op when nothing is stored.
func ClearSession() error {
	target, err := sessionFile()
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
