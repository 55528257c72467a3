package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"awards-be/internal/domain"
)

// seedFile is the shape of the file read by "votectl seed"
type seedFile struct {
	Categories  []domain.Category   `json:"categories"`
	Nominations []domain.Nomination `json:"nominations"`
}

// seeder is the part of the ledger the seed command writes through
type seeder interface {
	UpsertCategory(ctx context.Context, c *domain.Category) error
	UpsertNomination(ctx context.Context, n *domain.Nomination) error
}

func loadSeed(path string) (*seedFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	var data seedFile
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}

	categories := make(map[string]bool, len(data.Categories))
	for _, c := range data.Categories {
		if c.ID == "" || c.Name == "" {
			return nil, fmt.Errorf("category needs id and name: %+v", c)
		}
		categories[c.ID] = true
	}
	for _, n := range data.Nominations {
		if n.ID == "" || n.NomineeName == "" {
			return nil, fmt.Errorf("nomination needs id and nominee_name: %+v", n)
		}
		if !categories[n.CategoryID] {
			return nil, fmt.Errorf("nomination %s references unknown category %q", n.ID, n.CategoryID)
		}
		if n.State != "" && !n.State.Valid() {
			return nil, fmt.Errorf("nomination %s has invalid state %q", n.ID, n.State)
		}
	}
	return &data, nil
}

// applySeed upserts categories before nominations. Existing nominations keep
// their state and counts.
func applySeed(ctx context.Context, s seeder, data *seedFile) error {
	for i := range data.Categories {
		if err := s.UpsertCategory(ctx, &data.Categories[i]); err != nil {
			return fmt.Errorf("category %s: %w", data.Categories[i].ID, err)
		}
	}
	for i := range data.Nominations {
		if err := s.UpsertNomination(ctx, &data.Nominations[i]); err != nil {
			return fmt.Errorf("nomination %s: %w", data.Nominations[i].ID, err)
		}
	}
	return nil
}
