package security

import (
	"errors"
	"path"
	"strings"
)

var ErrCWDOutsideRoots = errors.New("cwd not in allow roots")

// ParseEnv turns KEY=VALUE items into a map. Items without '=' or with an
// empty key are rejected.
func ParseEnv(items []string) (map[string]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(items))
	for _, item := range items {
		k, v, ok := strings.Cut(item, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, errors.New("invalid env entry: " + item)
		}
		out[k] = v
	}
	return out, nil
}

// ValidateRemoteCWD checks that cwd lies under one of an agent's advertised
// roots. The paths live on the agent host, so the check is lexical (POSIX)
// and symlinks are left to the agent. No roots means no restriction known.
func ValidateRemoteCWD(cwd string, roots []string) error {
	if strings.TrimSpace(cwd) == "" {
		return errors.New("cwd required")
	}
	if len(roots) == 0 {
		return nil
	}
	if !path.IsAbs(cwd) {
		return errors.New("cwd must be absolute")
	}
	clean := path.Clean(cwd)
	for _, root := range roots {
		r := path.Clean(root)
		if clean == r || r == "/" || strings.HasPrefix(clean, r+"/") {
			return nil
		}
	}
	return ErrCWDOutsideRoots
}
