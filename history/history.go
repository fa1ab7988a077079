// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package history archives epochs, presences and their transitions in a
// SQLite database so that committed protocol state survives a restart.
// Ephemeral records are never archived.
package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/blinklabs-io/attest/epoch"
	"github.com/blinklabs-io/attest/event"
	"github.com/blinklabs-io/attest/presence"
	"github.com/blinklabs-io/attest/types"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

const (
	historyFileName  = "history.sqlite"
	DefaultQueueSize = 256
)

var memoryDbSeq atomic.Uint64

// EpochSource provides the committed state of an epoch
type EpochSource interface {
	Epoch(types.EpochId) (epoch.Epoch, bool)
}

// PresenceSource provides the committed state of a presence
type PresenceSource interface {
	Presence(types.Actor, types.EpochId) (presence.Presence, bool)
}

// Archive is a SQLite backed history of protocol state
type Archive struct {
	promRegistry prometheus.Registerer
	db           *gorm.DB
	logger       *slog.Logger
	metrics      *archiveMetrics
	dataDir      string
	queueSize    int
	eventBus     *event.EventBus
	epochs       EpochSource
	presences    PresenceSource
	recorder     *recorder
	subIds       map[event.EventType]event.EventSubscriberId
	done         chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex
}

// New opens the archive. An empty data dir selects a private in-memory
// database.
func New(opts ...ArchiveOptionFunc) (*Archive, error) {
	a := &Archive{
		queueSize: DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		a.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	dsn, err := a.dsn()
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(
		sqlite.Open(dsn),
		&gorm.Config{
			Logger:                 gormlogger.Discard,
			SkipDefaultTransaction: true,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	a.db = db
	// SQLite allows one writer at a time. A single connection serializes the
	// archive worker with snapshot writes instead of failing with busy errors.
	sqlDb, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDb.SetMaxOpenConns(1)
	// Configure tracing for GORM
	if err := a.db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, err
	}
	for _, model := range MigrateModels {
		a.logger.Debug(
			fmt.Sprintf("creating table: %#v", model),
			"component", "history",
		)
		if err := a.db.AutoMigrate(model); err != nil {
			return nil, err
		}
	}
	if a.promRegistry != nil {
		a.metrics = &archiveMetrics{}
		a.metrics.init(a.promRegistry)
	}
	return a, nil
}

func (a *Archive) dsn() (string, error) {
	if a.dataDir == "" {
		// Each in-memory archive gets its own named database
		return fmt.Sprintf(
			"file:attest-history-%d?mode=memory&cache=shared",
			memoryDbSeq.Add(1),
		), nil
	}
	// Make sure that we can read data dir, and create if it doesn't exist
	if _, err := os.Stat(a.dataDir); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("failed to read data dir: %w", err)
		}
		if err := os.MkdirAll(a.dataDir, fs.ModePerm); err != nil {
			return "", fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	// WAL journal mode, increase cache size to 50MB (from 2MB)
	connOpts := "_pragma=journal_mode(WAL)&_pragma=cache_size(-50000)"
	return fmt.Sprintf(
		"file:%s?%s",
		filepath.Join(a.dataDir, historyFileName),
		connOpts,
	), nil
}

// DB returns the underlying gorm handle
func (a *Archive) DB() *gorm.DB {
	return a.db
}

// SaveEpoch upserts the archived form of an epoch
func (a *Archive) SaveEpoch(ctx context.Context, e epoch.Epoch) error {
	rec := epochRecordFrom(e)
	result := a.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "epoch_id"}},
		UpdateAll: true,
	}).Create(&rec)
	if result.Error != nil {
		return fmt.Errorf("SaveEpoch: %w", result.Error)
	}
	return nil
}

// SavePresence upserts the archived form of a presence
func (a *Archive) SavePresence(ctx context.Context, p presence.Presence) error {
	rec := presenceRecordFrom(p)
	result := a.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "actor"}, {Name: "epoch_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"state",
			"declaration_ref",
			"quorum_ref",
			"slash_reason",
			"declared_at",
			"validated_at",
			"finalized_at",
			"slashed_at",
		}),
	}).Create(&rec)
	if result.Error != nil {
		return fmt.Errorf("SavePresence: %w", result.Error)
	}
	return nil
}

// SaveAll writes a full snapshot of epochs and presences in one transaction
func (a *Archive) SaveAll(
	ctx context.Context,
	epochs []epoch.Epoch,
	presences []presence.Presence,
) error {
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txArchive := &Archive{db: tx}
		for _, e := range epochs {
			if err := txArchive.SaveEpoch(ctx, e); err != nil {
				return err
			}
		}
		for _, p := range presences {
			if err := txArchive.SavePresence(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

func (a *Archive) saveTransition(ctx context.Context, rec TransitionRecord) error {
	if result := a.db.WithContext(ctx).Create(&rec); result.Error != nil {
		return fmt.Errorf("saveTransition: %w", result.Error)
	}
	return nil
}

// Load returns every archived epoch and presence ordered by id
func (a *Archive) Load(ctx context.Context) ([]epoch.Epoch, []presence.Presence, error) {
	var epochRecs []EpochRecord
	if result := a.db.WithContext(ctx).Order("epoch_id").Find(&epochRecs); result.Error != nil {
		return nil, nil, fmt.Errorf("Load: epochs: %w", result.Error)
	}
	var presenceRecs []PresenceRecord
	if result := a.db.WithContext(ctx).Order("epoch_id, actor").Find(&presenceRecs); result.Error != nil {
		return nil, nil, fmt.Errorf("Load: presences: %w", result.Error)
	}
	epochs := make([]epoch.Epoch, 0, len(epochRecs))
	for _, rec := range epochRecs {
		epochs = append(epochs, rec.Epoch())
	}
	presences := make([]presence.Presence, 0, len(presenceRecs))
	for _, rec := range presenceRecs {
		presences = append(presences, rec.Presence())
	}
	return epochs, presences, nil
}

// Transitions returns the archived transitions of an epoch and its
// presences in commit order
func (a *Archive) Transitions(
	ctx context.Context,
	epochId types.EpochId,
) ([]TransitionRecord, error) {
	var ret []TransitionRecord
	result := a.db.WithContext(ctx).
		Where("epoch_id = ?", uint64(epochId)).
		Order("id").
		Find(&ret)
	if result.Error != nil {
		return nil, fmt.Errorf("Transitions: %w", result.Error)
	}
	return ret, nil
}

// Close stops recording and closes the database
func (a *Archive) Close() error {
	a.Stop()
	sqlDb, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDb.Close()
}
