package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"gapeval/internal/domain"
)

// SeedFile is the YAML layout accepted by Seed.
type SeedFile struct {
	Frameworks    []SeedFramework     `yaml:"frameworks"`
	Policies      []SeedPolicy        `yaml:"policies"`
	Selections    []SeedSelection     `yaml:"selections"`
	KnowledgeBase []SeedKnowledgeBase `yaml:"knowledge_base"`
}

type SeedFramework struct {
	domain.Framework `yaml:",inline"`
	Groups           []SeedGroup `yaml:"groups"`
}

type SeedGroup struct {
	domain.ControlGroup `yaml:",inline"`
	Controls            []SeedControl `yaml:"controls"`
}

// SeedControl defaults to active when the active key is absent.
type SeedControl struct {
	domain.Control `yaml:",inline"`
	Active         *bool `yaml:"active"`
}

type SeedPolicy struct {
	domain.Policy `yaml:",inline"`
	Active        *bool `yaml:"active"`
}

type SeedSelection struct {
	CompanyID   int64   `yaml:"company_id"`
	FrameworkID int64   `yaml:"framework_id"`
	ControlIDs  []int64 `yaml:"control_ids"`
}

type SeedKnowledgeBase struct {
	FrameworkID int64  `yaml:"framework_id"`
	Title       string `yaml:"title"`
	Version     string `yaml:"version"`
	Text        string `yaml:"text"`
}

// LoadSeedFile reads a YAML seed file from disk.
func LoadSeedFile(path string) (SeedFile, error) {
	var sf SeedFile
	data, err := os.ReadFile(path)
	if err != nil {
		return sf, err
	}
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return sf, fmt.Errorf("parse seed %s: %w", path, err)
	}
	return sf, nil
}

// Seed upserts frameworks, groups, controls, policies and selections, and
// inserts the knowledge-base documents, in one transaction. The created KB
// documents are returned so the caller can index them.
func (s *Store) Seed(ctx context.Context, sf SeedFile) ([]domain.KnowledgeBaseDocument, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, f := range sf.Frameworks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO frameworks (id, name, version) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, version = excluded.version`,
			f.ID, f.Name, f.Version); err != nil {
			return nil, fmt.Errorf("seed framework %d: %w", f.ID, err)
		}
		for _, g := range f.Groups {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO control_groups (id, framework_id, code, name, sort_order) VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET framework_id = excluded.framework_id, code = excluded.code,
					name = excluded.name, sort_order = excluded.sort_order`,
				g.ID, f.ID, g.Code, g.Name, g.Order); err != nil {
				return nil, fmt.Errorf("seed control group %d: %w", g.ID, err)
			}
			for _, c := range g.Controls {
				active := c.Active == nil || *c.Active
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO controls (id, control_group_id, code, name, description, sort_order, is_active)
					VALUES (?, ?, ?, ?, ?, ?, ?)
					ON CONFLICT(id) DO UPDATE SET control_group_id = excluded.control_group_id, code = excluded.code,
						name = excluded.name, description = excluded.description,
						sort_order = excluded.sort_order, is_active = excluded.is_active`,
					c.ID, g.ID, c.Code, c.Name, c.Description, c.Order, boolInt(active)); err != nil {
					return nil, fmt.Errorf("seed control %d: %w", c.ID, err)
				}
			}
		}
	}

	for _, sp := range sf.Policies {
		p := sp.Policy
		p.Active = sp.Active == nil || *sp.Active
		if err := upsertPolicy(ctx, tx, p); err != nil {
			return nil, err
		}
	}

	for _, sel := range sf.Selections {
		if err := setControlSelection(ctx, tx, sel.CompanyID, sel.FrameworkID, sel.ControlIDs); err != nil {
			return nil, err
		}
	}

	docs := make([]domain.KnowledgeBaseDocument, 0, len(sf.KnowledgeBase))
	for _, kb := range sf.KnowledgeBase {
		doc := domain.KnowledgeBaseDocument{
			FrameworkID: kb.FrameworkID,
			Title:       kb.Title,
			Version:     kb.Version,
			RawText:     kb.Text,
		}
		// Re-seeding updates the text of an existing (framework, title, version) document.
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM knowledge_base_documents WHERE framework_id = ? AND title = ? AND version = ?`,
			kb.FrameworkID, kb.Title, kb.Version).Scan(&doc.ID)
		switch {
		case err == nil:
			if _, err := tx.ExecContext(ctx, `UPDATE knowledge_base_documents SET raw_text = ? WHERE id = ?`, kb.Text, doc.ID); err != nil {
				return nil, fmt.Errorf("update kb document %d: %w", doc.ID, err)
			}
		case errors.Is(err, sql.ErrNoRows):
			if doc, err = createKnowledgeBaseDocument(ctx, tx, doc); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("query kb document: %w", err)
		}
		docs = append(docs, doc)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return docs, nil
}
