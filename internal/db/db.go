package db

import (
	"context"
	"encoding/json"
	"sync"

	tmdb "github.com/cosmos/cosmos-db"
	"github.com/wx-shi/ringledger/internal/config"
	"github.com/wx-shi/ringledger/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	queueKeyPrefix = "q:"
	queueKeyEnd    = "q;"
	statusKey      = "s:status"

	qdbName = "queue"
	sdbName = "status"
)

// DB holds the inbound message queue and the published node status.
type DB struct {
	qdb    tmdb.DB
	sdb    tmdb.DB
	logger *zap.Logger

	mu     sync.Mutex
	seq    int64
	notify chan struct{}
}

func NewDB(conf *config.DBConfig, logger *zap.Logger) (*DB, error) {
	qdb, err := tmdb.NewDB(conf.Name+"_"+qdbName, tmdb.BackendType(conf.DBType), conf.Dir)
	if err != nil {
		return nil, err
	}
	sdb, err := tmdb.NewDB(conf.Name+"_"+sdbName, tmdb.BackendType(conf.DBType), conf.Dir)
	if err != nil {
		qdb.Close()
		return nil, err
	}

	db := &DB{
		qdb:    qdb,
		sdb:    sdb,
		logger: logger,
		notify: make(chan struct{}, 1),
	}
	if conf.Reset {
		if err := db.Reset(); err != nil {
			db.Close()
			return nil, err
		}
	}
	if err := db.restoreSeq(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error {
	g, _ := errgroup.WithContext(context.Background())
	g.Go(db.qdb.Close)
	g.Go(db.sdb.Close)
	return g.Wait()
}

// SaveStatus replaces the published status document.
func (db *DB) SaveStatus(st *model.Status) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return db.sdb.SetSync([]byte(statusKey), b)
}

// LoadStatus returns the last published status, nil if none was published yet.
func (db *DB) LoadStatus() (*model.Status, error) {
	val, err := db.sdb.Get([]byte(statusKey))
	if err != nil {
		return nil, err
	}
	if len(val) == 0 {
		return nil, nil
	}
	st := &model.Status{}
	if err := json.Unmarshal(val, st); err != nil {
		return nil, err
	}
	return st, nil
}
