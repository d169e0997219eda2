package history

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/charlesng35/imrelay/internal/database"
	"github.com/charlesng35/imrelay/internal/relay"
	"github.com/charlesng35/imrelay/pkg/logger"
)

// schemaVersion is bumped whenever AutoMigrate gains a model.
const schemaVersion = "1"

// Opener opens `<dir>/<name>.db` for each user.
type Opener struct {
	log *zap.Logger
}

func NewOpener() *Opener {
	return &Opener{log: logger.WithModule("history")}
}

// Open opens, migrates and claims the user's database.
func (o *Opener) Open(dir, userName string) (relay.HistoryStore, error) {
	name := strings.TrimSpace(userName)
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("history: invalid user name %q", userName)
	}
	path := filepath.Join(dir, name+".db")

	db, err := database.OpenMigrated(database.Config{Path: path})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	ctx := context.Background()
	if err := database.ClaimOwner(ctx, db, name); err != nil {
		_ = database.Close(db)
		return nil, err
	}
	if err := database.UpsertSetting(ctx, db, database.SchemaVersionSetting, schemaVersion); err != nil {
		_ = database.Close(db)
		return nil, err
	}

	o.log.Info("history store opened", zap.String("user_name", name), zap.String("path", path))
	return NewStore(db, name)
}

var _ relay.HistoryOpener = (*Opener)(nil)
var _ relay.HistoryStore = (*Store)(nil)
