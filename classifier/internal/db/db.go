package db

import (
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"github.com/lungscan/classifier-broker/classifier/config"
	"github.com/lungscan/classifier-broker/common/log"
)

type DB struct {
	db     *gorm.DB
	logger log.Logger
}

func NewDB(conf *config.Config, logger log.Logger) (*DB, error) {
	db, err := gorm.Open(mysql.Open(conf.Database.Training), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	})
	if err != nil {
		return nil, err
	}
	return &DB{db: db, logger: logger}, nil
}

// NewStore opens MySQL when a DSN is configured and falls back to the
// in-memory store otherwise.
func NewStore(conf *config.Config, logger log.Logger) (Store, error) {
	if conf.Database.Training == "" {
		logger.Warn("no training database configured, task state is kept in memory")
		return NewMemoryStore(), nil
	}

	database, err := NewDB(conf, logger)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		return nil, err
	}
	return database, nil
}
