// Package userdir manages the on-disk data directory tree handed to plugins.
//
// Layout under the data root:
//
//	<root>/users/<username>/<plugin>  - per-user plugin data
//	<root>/unauth/<plugin>            - data for unauthenticated callers
//
// The manager owns this tree exclusively. Adding a plugin between runs must
// not lose data, so EnsureAll re-creates any missing directories for every
// known user at startup.
package userdir

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/go-pkgz/lgr"
)

// Manager creates and removes per-user and per-plugin data directories.
type Manager struct {
	root    string
	plugins []string
}

// New creates a Manager rooted at the data directory for the given plugin set.
// The plugin set is fixed for the process lifetime, same as the registry.
func New(root string, plugins []string) *Manager {
	return &Manager{root: root, plugins: append([]string(nil), plugins...)}
}

// UserPath returns the data path for a user and plugin.
func (m *Manager) UserPath(username, plugin string) string {
	return filepath.Join(m.root, "users", username, plugin)
}

// UnauthPath returns the data path a plugin gets for anonymous callers.
func (m *Manager) UnauthPath(plugin string) string {
	return filepath.Join(m.root, "unauth", plugin)
}

// EnsureUser creates the directory of every registered plugin for a user.
func (m *Manager) EnsureUser(username string) error {
	for _, plugin := range m.plugins {
		dir := m.UserPath(username, plugin)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// RemoveUser deletes a user's whole directory tree. Intended to run as a
// background task after account deletion; failures are logged, not returned.
func (m *Manager) RemoveUser(username string) {
	dir := filepath.Join(m.root, "users", username)
	if err := os.RemoveAll(dir); err != nil {
		log.Printf("[ERROR] failed to remove data directory for user %q: %v", username, err)
		return
	}
	log.Printf("[INFO] removed data directory for user %q", username)
}

// EnsureAll re-materializes the tree at startup: the unauth directory of
// every plugin, plus the per-plugin directories of every known user.
// Directories missing because a plugin was added between runs are created;
// existing data is never touched.
func (m *Manager) EnsureAll(usernames []string) error {
	for _, plugin := range m.plugins {
		dir := m.UnauthPath(plugin)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	for _, username := range usernames {
		if err := m.EnsureUser(username); err != nil {
			return err
		}
	}
	log.Printf("[DEBUG] ensured data directories for %d users and %d plugins", len(usernames), len(m.plugins))
	return nil
}
