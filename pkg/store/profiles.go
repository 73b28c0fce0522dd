package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"supportchat/pkg/logger"
	"supportchat/pkg/models"
)

func profileKey(id string) []byte {
	return []byte("profile:" + id)
}

// SaveProfile stores participant display identity under a reserved key.
func SaveProfile(p models.Profile) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	if p.ID == "" {
		return fmt.Errorf("missing profile id")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	if err := db.Set(profileKey(p.ID), data, pebble.Sync); err != nil {
		logger.Error("save_profile_failed", "id", p.ID, "error", err)
		return err
	}
	logger.Info("profile_saved", "id", p.ID)
	return nil
}

// GetProfile returns the stored profile for an id.
func GetProfile(id string) (models.Profile, error) {
	var p models.Profile
	if db == nil {
		return p, fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := db.Get(profileKey(id))
	if err != nil {
		return p, err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &p); err != nil {
		return p, fmt.Errorf("invalid stored profile: %w", err)
	}
	return p, nil
}

// ListProfiles returns all stored profiles.
func ListProfiles() ([]models.Profile, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := []byte("profile:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Profile
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var p models.Profile
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, iter.Error()
}
