package controllersvc

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parzizou/rdp-fleet/internal/fleet"
	"github.com/parzizou/rdp-fleet/internal/store"
)

// rosterFile is the on-disk shape of the roster YAML file: a static list
// of agents shipped with a deployment, layered beneath whatever overrides
// an admin has since added via the roster API (store.RosterEntry).
type rosterFile struct {
	Agents []rosterFileEntry `yaml:"agents"`
}

type rosterFileEntry struct {
	AgentID string `yaml:"agent_id"`
	URL     string `yaml:"url"`
}

// allowedImagesFile is the on-disk shape of the allowed-images YAML file.
type allowedImagesFile struct {
	Images []string `yaml:"images"`
}

// LoadRoster reads the roster YAML file (if present) and the admin
// overrides persisted in db, then seeds the Registry with placeholder
// entries for agents that haven't heartbeated yet, so /api/agents and
// dispatch candidate ranking see them immediately after a cold start. A
// real heartbeat from the same agent_id overwrites the placeholder.
func LoadRoster(path string, db *store.Store, registry *fleet.Registry, log *slog.Logger, now time.Time) error {
	entries := map[string]string{} // agent_id -> url

	if data, err := os.ReadFile(path); err == nil {
		var f rosterFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("parse roster file %s: %w", path, err)
		}
		for _, e := range f.Agents {
			if e.AgentID != "" && e.URL != "" {
				entries[e.AgentID] = e.URL
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read roster file %s: %w", path, err)
	}

	overrides, err := db.AllRosterEntries()
	if err != nil {
		return fmt.Errorf("load roster overrides: %w", err)
	}
	for _, o := range overrides {
		if o.Removed {
			delete(entries, o.AgentID)
			continue
		}
		entries[o.AgentID] = o.URL
	}

	for agentID, url := range entries {
		registry.Upsert(fleet.Agent{AgentID: agentID, URL: url}, now)
	}
	log.Info("roster loaded", "agent_count", len(entries))
	return nil
}

// LoadAllowedImages reads the allowed-images YAML file (if present) and,
// if the store doesn't already carry an admin-managed list, seeds it from
// the file — the file ships defaults, and the admin API
// (store.Store.SetAllowedImages) takes over once it has been called once.
func LoadAllowedImages(path string, db *store.Store) error {
	existing, err := db.GetAllowedImages()
	if err != nil {
		return fmt.Errorf("load existing allowed images: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read allowed images file %s: %w", path, err)
	}

	var f allowedImagesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse allowed images file %s: %w", path, err)
	}
	if len(f.Images) == 0 {
		return nil
	}
	return db.SetAllowedImages(f.Images)
}
