package services

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/store"
)

// RoomSeed describes one default room created when the directory is empty.
type RoomSeed struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Category    string `yaml:"category"`
	Pinned      bool   `yaml:"pinned"`
}

// DefaultRooms is the built-in seed set.
func DefaultRooms() []RoomSeed {
	return []RoomSeed{
		{
			ID:          "default-anime",
			Title:       "Anime",
			Description: "Discuss your favorite anime series and characters",
			Category:    "Entertainment",
			Pinned:      true,
		},
		{
			ID:          "default-gaming",
			Title:       "Gaming",
			Description: "Connect with fellow gamers and discuss the latest games",
			Category:    "Entertainment",
			Pinned:      true,
		},
		{
			ID:          "default-coding",
			Title:       "Coding",
			Description: "Discuss programming languages, projects, and coding challenges",
			Category:    "Technology",
		},
	}
}

// LoadRoomSeeds reads a YAML list of seeds from path.
func LoadRoomSeeds(path string) ([]RoomSeed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var seeds []RoomSeed
	if err := yaml.Unmarshal(b, &seeds); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(seeds) == 0 {
		return nil, errors.New("seed file lists no rooms")
	}
	seen := make(map[string]struct{}, len(seeds))
	for i, s := range seeds {
		if strings.TrimSpace(s.ID) == "" || strings.TrimSpace(s.Title) == "" {
			return nil, fmt.Errorf("seed %d: id and title are required", i)
		}
		if _, dup := seen[s.ID]; dup {
			return nil, fmt.Errorf("seed %d: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return seeds, nil
}

// room converts the seed to the shape it has once stored.
func (s RoomSeed) room() domain.ChatRoom {
	cat := s.Category
	if cat == "" {
		cat = defaultCategory
	}
	return domain.ChatRoom{
		ID:            s.ID,
		Title:         s.Title,
		Description:   s.Description,
		Category:      cat,
		IsDefault:     true,
		IsPinned:      s.Pinned,
		SchemaVersion: domain.SchemaVersion,
	}
}

func (s RoomSeed) fields() map[string]any {
	r := s.room()
	return map[string]any{
		"title":         r.Title,
		"description":   r.Description,
		"category":      r.Category,
		"isDefault":     true,
		"isPinned":      r.IsPinned,
		"activeUsers":   0,
		"createdAt":     store.ServerTimestamp,
		"schemaVersion": domain.SchemaVersion,
	}
}
