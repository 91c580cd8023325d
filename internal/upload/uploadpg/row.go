package uploadpg

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/k11v/kiln/internal/build"
	"github.com/k11v/kiln/internal/upload"
)

type userRow struct {
	ID        uuid.UUID `db:"id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

func rowToUser(collectableRow pgx.CollectableRow) (*upload.User, error) {
	collectedRow, err := pgx.RowToStructByName[userRow](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to user: %w", err)
	}

	return &upload.User{
		ID:        collectedRow.ID,
		Name:      collectedRow.Name,
		CreatedAt: collectedRow.CreatedAt,
	}, nil
}

type versionRow struct {
	ID            uuid.UUID `db:"id"`
	ModelID       uuid.UUID `db:"model_id"`
	ModelName     string    `db:"model_name"`
	Name          string    `db:"name"`
	Built         bool      `db:"built"`
	RawBinaryPath string    `db:"raw_binary_path"`
	RawCodePath   string    `db:"raw_code_path"`
	RawDockerPath string    `db:"raw_docker_path"`
	SeldonVersion string    `db:"seldon_version"`
	CreatedAt     time.Time `db:"created_at"`
}

func rowToVersion(collectableRow pgx.CollectableRow) (*upload.Version, error) {
	collectedRow, err := pgx.RowToStructByName[versionRow](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to version: %w", err)
	}

	return &upload.Version{
		ID:        collectedRow.ID,
		ModelID:   collectedRow.ModelID,
		ModelName: collectedRow.ModelName,
		Name:      collectedRow.Name,
		Built:     collectedRow.Built,
		Files: upload.VersionFiles{
			RawBinaryPath: collectedRow.RawBinaryPath,
			RawCodePath:   collectedRow.RawCodePath,
			RawDockerPath: collectedRow.RawDockerPath,
		},
		BuildOptions: upload.BuildOptions{
			SeldonVersion: collectedRow.SeldonVersion,
		},
		CreatedAt: collectedRow.CreatedAt,
	}, nil
}

type logEntryRow struct {
	VersionID uuid.UUID `db:"version_id"`
	RunID     uuid.UUID `db:"run_id"`
	Seq       int64     `db:"seq"`
	Step      string    `db:"step"`
	Level     string    `db:"level"`
	Message   string    `db:"message"`
	CreatedAt time.Time `db:"created_at"`
}

func rowToLogEntry(collectableRow pgx.CollectableRow) (*build.LogEntry, error) {
	collectedRow, err := pgx.RowToStructByName[logEntryRow](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to log entry: %w", err)
	}

	level := build.LogLevel(collectedRow.Level)
	if level != build.LogLevelInfo && level != build.LogLevelError {
		slog.Default().Warn(
			"unknown level encountered while reading log entry",
			"level", collectedRow.Level,
			"run_id", collectedRow.RunID,
		)
	}

	return &build.LogEntry{
		RunID:     collectedRow.RunID,
		VersionID: collectedRow.VersionID,
		Step:      collectedRow.Step,
		Seq:       collectedRow.Seq,
		Level:     level,
		Message:   collectedRow.Message,
		Time:      collectedRow.CreatedAt,
	}, nil
}
