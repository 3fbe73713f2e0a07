package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/pavelanni/certexam/internal/model"
	"github.com/pavelanni/certexam/internal/store"
)

type seedFiles struct {
	Courses   []string
	Questions []string
	Players   []string
}

func (f seedFiles) empty() bool {
	return len(f.Courses) == 0 && len(f.Questions) == 0 && len(f.Players) == 0
}

// seedAll loads courses first so questions can reference them.
func seedAll(ctx context.Context, db *store.Store, files seedFiles) error {
	for _, path := range files.Courses {
		if err := loadFile(ctx, db, path, true, func(data []byte) (int, error) {
			var courses []model.CourseImport
			if err := json.Unmarshal(data, &courses); err != nil {
				return 0, err
			}
			return len(courses), db.ImportCourses(ctx, courses)
		}); err != nil {
			return err
		}
	}
	for _, path := range files.Questions {
		// Changed question files are not re-imported: rows already referenced
		// by attempts must keep their identity.
		if err := loadFile(ctx, db, path, false, func(data []byte) (int, error) {
			var questions []model.QuestionImport
			if err := json.Unmarshal(data, &questions); err != nil {
				return 0, err
			}
			return db.ImportQuestions(ctx, questions)
		}); err != nil {
			return err
		}
	}
	for _, path := range files.Players {
		if err := loadFile(ctx, db, path, true, func(data []byte) (int, error) {
			var players []model.Player
			if err := json.Unmarshal(data, &players); err != nil {
				return 0, err
			}
			for _, p := range players {
				if p.ID == "" {
					return 0, fmt.Errorf("%w: player without id", model.ErrInvalidParams)
				}
				if err := db.UpsertPlayer(ctx, p); err != nil {
					return 0, err
				}
			}
			return len(players), nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// loadFile applies a seed file unless its content hash matches the last
// import. When reapply is false a changed file is skipped with a warning.
func loadFile(ctx context.Context, db *store.Store, path string, reapply bool, apply func([]byte) (int, error)) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	hash := sha256sum(data)
	storedHash, err := db.GetImportedFileHash(ctx, path)
	if err != nil {
		return fmt.Errorf("check import status for %s: %w", path, err)
	}
	if storedHash == hash {
		slog.Info("seed file unchanged, skipping", "path", path)
		return nil
	}
	if storedHash != "" && !reapply {
		slog.Warn("seed file changed since last import, skipping to avoid breaking existing attempts", "path", path)
		return nil
	}

	n, err := apply(data)
	if err != nil {
		return fmt.Errorf("import %s: %w", path, err)
	}
	if err := db.SetImportedFileHash(ctx, path, hash); err != nil {
		return fmt.Errorf("record import for %s: %w", path, err)
	}
	slog.Info("imported seed file", "path", path, "count", n)
	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
