package main

import (
	"fmt"

	"github.com/gitissue/gitissue/internal/config"
	"github.com/gitissue/gitissue/internal/issuestore"
)

// createIssue opens a new issue authored by the configured identity.
func createIssue(cfg *config.Config, store *issuestore.Store, title, description string) (uint64, error) {
	author, err := cfg.ResolveAuthor()
	if err != nil {
		return 0, err
	}
	id, err := store.CreateIssue(title, description, author)
	if err != nil {
		return 0, fmt.Errorf("create issue as %s: %w", author, err)
	}
	return id, nil
}
